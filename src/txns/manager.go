package txns

import (
	"sync"
	"time"

	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/StorageCore/src"
	"github.com/Blackdeer1524/StorageCore/src/pkg/assert"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

type pageLock struct {
	holders map[common.TxnID]PageLockMode

	waiters int
	// closed and replaced every time the holder set shrinks
	wake chan struct{}
}

func newPageLock() *pageLock {
	return &pageLock{
		holders: map[common.TxnID]PageLockMode{},
		wake:    make(chan struct{}),
	}
}

func (l *pageLock) isIdle() bool {
	return len(l.holders) == 0 && l.waiters == 0
}

func (l *pageLock) notifyWaiters() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// LockManager grants shared and exclusive page locks to transactions.
//
// A request that can't be granted waits on the page's wake channel, which is
// closed on every release touching that page. A wait that outlives the
// timeout is reported as ErrLockTimeout: the caller treats it as a suspected
// deadlock. LockManager never calls out while holding its mutex.
type LockManager struct {
	mu          sync.Mutex
	locks       map[common.PageIdentity]*pageLock
	lockedPages map[common.TxnID]map[common.PageIdentity]struct{}
	waiting     map[common.TxnID]waitInfo

	logger src.Logger
}

func NewLockManager(logger src.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &LockManager{
		mu:          sync.Mutex{},
		locks:       map[common.PageIdentity]*pageLock{},
		lockedPages: map[common.TxnID]map[common.PageIdentity]struct{}{},
		waiting:     map[common.TxnID]waitInfo{},
		logger:      logger,
	}
}

// Lock acquires lockMode on pIdent for txnID, upgrading a shared lock in
// place when txnID is its sole holder. It blocks while the request conflicts
// with other holders and gives up with ErrLockTimeout after timeout.
func (m *LockManager) Lock(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode PageLockMode,
	timeout time.Duration,
) error {
	assert.Assert(!txnID.IsNil(), "locking page %s without a transaction", pIdent)

	var timer *time.Timer

	m.mu.Lock()
	for {
		if m.tryGrantAssumeLocked(txnID, pIdent, lockMode) {
			m.mu.Unlock()
			return nil
		}

		l, ok := m.locks[pIdent]
		assert.Assert(ok, "conflicting lock on %s must have an entry", pIdent)
		l.waiters++
		wake := l.wake
		m.waiting[txnID] = waitInfo{pageIdent: pIdent, lockMode: lockMode}
		m.mu.Unlock()

		if timer == nil {
			m.logger.Debugw(
				"waiting for page lock",
				"goid", goid.Get(),
				"txn", txnID,
				"page", pIdent,
				"mode", lockMode,
			)
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-wake:
			m.mu.Lock()
			l.waiters--
			delete(m.waiting, txnID)
		case <-timer.C:
			m.mu.Lock()
			l.waiters--
			graph := m.graphSnapshotAssumeLocked()
			delete(m.waiting, txnID)
			if l.isIdle() {
				delete(m.locks, pIdent)
			}
			m.mu.Unlock()

			m.logger.Warnw(
				"page lock wait timed out",
				"goid", goid.Get(),
				"txn", txnID,
				"page", pIdent,
				"mode", lockMode,
				"timeout", timeout,
				"cyclic", graph.IsCyclic(),
			)
			m.logger.Debugw("waits-for graph", "graph", graph.Dump())
			return ErrLockTimeout
		}
	}
}

// TryLock is the non-blocking variant of Lock.
func (m *LockManager) TryLock(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode PageLockMode,
) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tryGrantAssumeLocked(txnID, pIdent, lockMode)
}

func (m *LockManager) tryGrantAssumeLocked(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode PageLockMode,
) bool {
	l, ok := m.locks[pIdent]
	if !ok {
		l = newPageLock()
		m.locks[pIdent] = l
	}

	target := lockMode
	if held, ok := l.holders[txnID]; ok {
		if lockMode.WeakerOrEqual(held) {
			return true
		}
		target = held.Combine(lockMode)
	}

	for holder, heldMode := range l.holders {
		if holder == txnID {
			continue
		}
		if !target.Compatible(heldMode) {
			return false
		}
	}

	l.holders[txnID] = target

	pages, ok := m.lockedPages[txnID]
	if !ok {
		pages = map[common.PageIdentity]struct{}{}
		m.lockedPages[txnID] = pages
	}
	pages[pIdent] = struct{}{}
	return true
}

func (m *LockManager) Unlock(txnID common.TxnID, pIdent common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unlockAssumeLocked(txnID, pIdent)
}

func (m *LockManager) unlockAssumeLocked(
	txnID common.TxnID,
	pIdent common.PageIdentity,
) {
	if l, ok := m.locks[pIdent]; ok {
		if _, held := l.holders[txnID]; held {
			delete(l.holders, txnID)
			l.notifyWaiters()
		}
		if l.isIdle() {
			delete(m.locks, pIdent)
		}
	}

	if pages, ok := m.lockedPages[txnID]; ok {
		delete(pages, pIdent)
		if len(pages) == 0 {
			delete(m.lockedPages, txnID)
		}
	}
}

// UnlockAll drops every lock held by txnID.
func (m *LockManager) UnlockAll(txnID common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pIdent := range m.lockedPages[txnID] {
		m.unlockAssumeLocked(txnID, pIdent)
	}
}

// UnlockAllHolders forcibly drops every transaction's lock on pIdent.
func (m *LockManager) UnlockAllHolders(pIdent common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[pIdent]
	if !ok {
		return
	}

	holders := make([]common.TxnID, 0, len(l.holders))
	for txnID := range l.holders {
		holders = append(holders, txnID)
	}
	for _, txnID := range holders {
		m.unlockAssumeLocked(txnID, pIdent)
	}
}

func (m *LockManager) Holds(txnID common.TxnID, pIdent common.PageIdentity) bool {
	_, ok := m.Mode(txnID, pIdent)
	return ok
}

func (m *LockManager) Mode(
	txnID common.TxnID,
	pIdent common.PageIdentity,
) (PageLockMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[pIdent]
	if !ok {
		return PageLockMode{}, false
	}
	mode, ok := l.holders[txnID]
	return mode, ok
}

// Holders returns a snapshot of the transactions locking pIdent.
func (m *LockManager) Holders(pIdent common.PageIdentity) map[common.TxnID]PageLockMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := map[common.TxnID]PageLockMode{}
	if l, ok := m.locks[pIdent]; ok {
		for txnID, mode := range l.holders {
			res[txnID] = mode
		}
	}
	return res
}

// LockedPages returns the pages txnID holds a lock on.
func (m *LockManager) LockedPages(txnID common.TxnID) []common.PageIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]common.PageIdentity, 0, len(m.lockedPages[txnID]))
	for pIdent := range m.lockedPages[txnID] {
		res = append(res, pIdent)
	}
	return res
}

func (m *LockManager) GetActiveTransactions() map[common.TxnID]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	activeTxns := make(map[common.TxnID]struct{})
	for txnID := range m.lockedPages {
		activeTxns[txnID] = struct{}{}
	}
	for txnID := range m.waiting {
		activeTxns[txnID] = struct{}{}
	}
	return activeTxns
}

func (m *LockManager) AreAllQueuesEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks) == 0 && len(m.waiting) == 0
}
