package bufferpool

import (
	"fmt"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/storage/page"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

// Handle is a checked reference to a resident page. It remembers the frame
// generation it was issued for: once the page leaves the pool every access
// fails with ErrStaleHandle and the caller has to get the page again.
//
// Callbacks passed to Read and Write run under the frame latch and must not
// call back into the pool.
type Handle struct {
	pool       *Manager
	txnID      common.TxnID
	pIdent     common.PageIdentity
	frameID    uint64
	generation uint64
}

func (h *Handle) PageIdentity() common.PageIdentity {
	return h.pIdent
}

func (h *Handle) TxnID() common.TxnID {
	return h.txnID
}

func (h *Handle) frame() *frame {
	return &h.pool.frames[h.frameID]
}

func (h *Handle) staleErr() error {
	return fmt.Errorf("%w: page %s, txn %s", ErrStaleHandle, h.pIdent, h.txnID)
}

func (h *Handle) Read(fn func(lockedPage *page.SlottedPage) error) error {
	f := h.frame()
	f.latch.RLock()
	defer f.latch.RUnlock()

	if f.generation != h.generation {
		return h.staleErr()
	}
	return fn(f.page)
}

// Write marks the page dirty on behalf of the handle's transaction and then
// runs fn. The transaction has to hold an exclusive lock on the page.
func (h *Handle) Write(fn func(lockedPage *page.SlottedPage) error) error {
	f := h.frame()
	f.latch.Lock()
	defer f.latch.Unlock()

	if f.generation != h.generation {
		return h.staleErr()
	}
	if err := h.pool.markDirtyAssumeLatched(h.txnID, h.pIdent, f.page); err != nil {
		return err
	}
	return fn(f.page)
}

func (m *Manager) markDirtyAssumeLatched(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockedPg *page.SlottedPage,
) error {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()

	if _, ok := m.aborted[txnID]; ok {
		return ErrTxnAborted
	}
	if mode, ok := m.lockManager.Mode(txnID, pIdent); !ok || mode != txns.PageLockExclusive {
		return fmt.Errorf("%w: page %s, txn %s", ErrNotLockedExclusive, pIdent, txnID)
	}

	lockedPg.MarkDirty(txnID)
	m.txnStateAssumeLocked(txnID).dirty[pIdent] = struct{}{}
	return nil
}
