package txns

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

type TaggedType[T any] struct{ v T } // this trick forbids casting one lock mode to another

type PageLockMode TaggedType[uint8]

type DatabaseLock[Lock any] interface {
	fmt.Stringer
	Compatible(Lock) bool
	Combine(Lock) Lock
	WeakerOrEqual(Lock) bool
}

var (
	PageLockShared    PageLockMode = PageLockMode{0}
	PageLockExclusive PageLockMode = PageLockMode{1}
)

var _ DatabaseLock[PageLockMode] = PageLockMode{0}

func (m PageLockMode) String() string {
	switch m {
	case PageLockShared:
		return "SHARED"
	case PageLockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("PageLockMode(%d)", m.v)
	}
}

func (m PageLockMode) Compatible(other PageLockMode) bool {
	return m == PageLockShared && other == PageLockShared
}

func (m PageLockMode) Combine(to PageLockMode) PageLockMode {
	switch m {
	case PageLockShared:
		switch to {
		case PageLockShared:
			return PageLockShared
		case PageLockExclusive:
			return PageLockExclusive
		}
	case PageLockExclusive:
		return PageLockExclusive
	}
	panic("unreachable")
}

func (m PageLockMode) WeakerOrEqual(other PageLockMode) bool {
	switch m {
	case PageLockShared:
		switch other {
		case PageLockShared:
			return true
		case PageLockExclusive:
			return true
		}
	case PageLockExclusive:
		switch other {
		case PageLockShared:
			return false
		case PageLockExclusive:
			return true
		}
	}
	panic("unreachable")
}

// ErrLockTimeout is returned when a lock wait exceeds the deadlock-suspicion
// threshold.
var ErrLockTimeout = fmt.Errorf("%w: lock wait timed out", common.ErrDeadlockAbort)

var errUnknownLockMode = errors.New("unknown lock mode")

// ParsePageLockMode accepts "shared"/"s" and "exclusive"/"x".
func ParsePageLockMode(s string) (PageLockMode, error) {
	switch s {
	case "shared", "s", "SHARED":
		return PageLockShared, nil
	case "exclusive", "x", "EXCLUSIVE":
		return PageLockExclusive, nil
	}
	return PageLockMode{}, fmt.Errorf("%w: %q", errUnknownLockMode, s)
}

type waitInfo struct {
	pageIdent common.PageIdentity
	lockMode  PageLockMode
}
