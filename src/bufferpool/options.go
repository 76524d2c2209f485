package bufferpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/Blackdeer1524/StorageCore/src"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

const DefaultLockTimeout = 100 * time.Millisecond

var (
	ErrTxnAborted      = fmt.Errorf("%w: transaction was force-aborted", common.ErrDeadlockAbort)
	ErrStaleHandle     = fmt.Errorf("%w: page handle outlived its frame", common.ErrCacheFault)
	ErrPageNotResident = fmt.Errorf("%w: no frame holds the page", common.ErrCacheFault)
	ErrNoPagesToEvict  = fmt.Errorf("%w: no pages to evict", common.ErrCapacityFault)

	ErrNotLockedExclusive = errors.New("page is not locked exclusively by the transaction")
)

// DeadlockPolicy decides who is rolled back when a lock wait times out.
type DeadlockPolicy uint8

const (
	// PolicySelfAbort aborts the transaction whose wait timed out.
	PolicySelfAbort DeadlockPolicy = iota
	// PolicyAbortOthers aborts every other active transaction and retries
	// the lock once.
	PolicyAbortOthers
)

func (p DeadlockPolicy) String() string {
	switch p {
	case PolicySelfAbort:
		return "self-abort"
	case PolicyAbortOthers:
		return "abort-others"
	default:
		return fmt.Sprintf("DeadlockPolicy(%d)", uint8(p))
	}
}

func ParseDeadlockPolicy(s string) (DeadlockPolicy, error) {
	switch s {
	case "", "self-abort":
		return PolicySelfAbort, nil
	case "abort-others":
		return PolicyAbortOthers, nil
	}
	return 0, fmt.Errorf("unknown deadlock policy %q", s)
}

type Option func(*Manager)

func WithLogger(logger src.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithLockTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.lockTimeout = timeout
	}
}

func WithDeadlockPolicy(policy DeadlockPolicy) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

func WithLockManager(lockManager *txns.LockManager) Option {
	return func(m *Manager) {
		m.lockManager = lockManager
	}
}

func WithReplacer(replacer Replacer) Option {
	return func(m *Manager) {
		m.replacer = replacer
	}
}

func WithPageSize(pageSize int) Option {
	return func(m *Manager) {
		m.pageSize = pageSize
	}
}
