package bufferpool

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/petermattis/goid"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/pkg/utils"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

// acquireLock takes the page lock and applies the deadlock policy when the
// wait times out.
func (m *Manager) acquireLock(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode txns.PageLockMode,
) error {
	err := m.lockManager.Lock(txnID, pIdent, lockMode, m.lockTimeout)
	if err == nil || !errors.Is(err, txns.ErrLockTimeout) {
		return err
	}

	if m.policy == PolicyAbortOthers {
		m.abortOthers(txnID)
		if m.isAborted(txnID) {
			return ErrTxnAborted
		}

		err = m.lockManager.Lock(txnID, pIdent, lockMode, m.lockTimeout)
		if err == nil || !errors.Is(err, txns.ErrLockTimeout) {
			return err
		}
	}

	m.logger.Warnw(
		"aborting transaction on lock timeout",
		"goid", goid.Get(),
		"txn", txnID,
		"page", pIdent,
		"mode", lockMode,
		"policy", m.policy,
	)
	if abortErr := m.abortTxn(txnID); abortErr != nil {
		return errors.Join(err, abortErr)
	}
	return fmt.Errorf("%w: txn %s on page %s", err, txnID, pIdent)
}

// abortOthers rolls back every active transaction except txnID. Victims are
// marked so that their next call fails with ErrTxnAborted.
func (m *Manager) abortOthers(txnID common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isAborted(txnID) {
		return
	}

	for victim := range m.ActiveTransactions() {
		if victim == txnID {
			continue
		}

		m.txnMu.Lock()
		m.aborted[victim] = struct{}{}
		m.txnMu.Unlock()

		m.logger.Warnw("force-aborting transaction", "victim", victim, "requester", txnID)
		if err := m.abortAssumeLocked(victim); err != nil {
			m.logger.Errorw("failed to abort transaction", "txn", victim, "error", err)
		}
	}
}

// TransactionComplete commits or aborts txnID and releases all its locks.
// Committing a transaction that was force-aborted rolls it back and returns
// ErrTxnAborted.
func (m *Manager) TransactionComplete(txnID common.TxnID, commit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txnMu.Lock()
	_, aborted := m.aborted[txnID]
	delete(m.aborted, txnID)
	m.txnMu.Unlock()

	if aborted || !commit {
		err := m.abortAssumeLocked(txnID)
		if aborted && commit {
			return errors.Join(ErrTxnAborted, err)
		}
		return err
	}
	return m.commitAssumeLocked(txnID)
}

// hasPendingRollback reports whether some before-image of txnID still
// waits to be written back. Such a transaction keeps its locks.
func (m *Manager) hasPendingRollback(txnID common.TxnID) bool {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()

	for _, img := range m.stolen {
		if img.owner == txnID {
			return true
		}
	}
	return false
}

func (m *Manager) abortTxn(txnID common.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.abortAssumeLocked(txnID)
}

// commitAssumeLocked logs every resident page the transaction dirtied,
// forces the log and only then releases the locks. Pages stay dirty in the
// pool. Pages that were stolen were logged when they were written out.
func (m *Manager) commitAssumeLocked(txnID common.TxnID) error {
	var dirty []common.PageIdentity
	m.txnMu.Lock()
	if st, ok := m.txns[txnID]; ok {
		dirty = sortedPages(st.dirty)
	}
	m.txnMu.Unlock()

	var committed []*frame
	for _, pIdent := range dirty {
		frameID, ok := m.pageTable[pIdent]
		if !ok {
			continue
		}

		f := &m.frames[frameID]
		err := func() error {
			f.latch.RLock()
			defer f.latch.RUnlock()

			if f.page.Dirtier() != txnID {
				return nil
			}
			_, err := m.log.AppendUpdate(
				txnID,
				pIdent,
				f.page.BeforeImage(),
				utils.CloneBytes(f.page.GetData()),
			)
			if err != nil {
				return fmt.Errorf("failed to log page %s: %w", pIdent, err)
			}
			committed = append(committed, f)
			return nil
		}()
		if err != nil {
			return err
		}
	}

	if err := m.log.Flush(); err != nil {
		return fmt.Errorf("failed to force log on commit of %s: %w", txnID, err)
	}

	for _, f := range committed {
		f.latch.Lock()
		if f.page.Dirtier() == txnID {
			f.page.Commit()
		}
		f.latch.Unlock()
	}

	m.txnMu.Lock()
	delete(m.txns, txnID)
	for pIdent, img := range m.stolen {
		if img.owner == txnID {
			delete(m.stolen, pIdent)
		}
	}
	m.txnMu.Unlock()

	m.lockManager.UnlockAll(txnID)
	m.logger.Debugw("transaction committed", "txn", txnID, "pages", len(committed))
	return nil
}

// abortAssumeLocked restores the before-image of every page txnID dirtied.
// Resident pages are rolled back in memory. Pages whose uncommitted bytes
// reached the store get a compensating log record and the before-image is
// written back. When a write back fails the transaction keeps its locks and
// stays marked as aborted; aborting it again retries the pages left over.
func (m *Manager) abortAssumeLocked(txnID common.TxnID) error {
	pages := map[common.PageIdentity]struct{}{}
	stolen := map[common.PageIdentity]stolenImage{}

	m.txnMu.Lock()
	if st, ok := m.txns[txnID]; ok {
		for pIdent := range st.dirty {
			pages[pIdent] = struct{}{}
		}
		delete(m.txns, txnID)
	}
	for pIdent, img := range m.stolen {
		if img.owner == txnID {
			stolen[pIdent] = img
			pages[pIdent] = struct{}{}
		}
	}
	m.txnMu.Unlock()

	uncommitted := map[common.PageIdentity][]byte{}
	for _, pIdent := range sortedPages(pages) {
		frameID, ok := m.pageTable[pIdent]
		if !ok {
			continue
		}

		f := &m.frames[frameID]
		f.latch.Lock()
		if f.page.Dirtier() == txnID {
			if _, ok := stolen[pIdent]; ok {
				uncommitted[pIdent] = utils.CloneBytes(f.page.GetData())
			}
			f.page.Rollback()
		}
		f.latch.Unlock()
	}

	if err := m.restoreStolenAssumeLocked(txnID, stolen, uncommitted); err != nil {
		m.txnMu.Lock()
		m.aborted[txnID] = struct{}{}
		m.txnMu.Unlock()

		m.logger.Errorw("failed to roll back stolen pages", "txn", txnID, "error", err)
		return err
	}

	m.lockManager.UnlockAll(txnID)
	m.logger.Debugw(
		"transaction aborted",
		"txn", txnID,
		"pages", len(pages),
		"stolen", len(stolen),
	)
	return nil
}

// restoreStolenAssumeLocked writes the before-images back and forgets every
// page it restored.
func (m *Manager) restoreStolenAssumeLocked(
	txnID common.TxnID,
	stolen map[common.PageIdentity]stolenImage,
	uncommitted map[common.PageIdentity][]byte,
) error {
	if len(stolen) == 0 {
		return nil
	}

	order := sortedPages(stolen)
	stores := make(map[common.PageIdentity]common.PageStore, len(stolen))
	for _, pIdent := range order {
		store, err := m.catalog.ResolveStore(pIdent.FileID)
		if err != nil {
			return err
		}
		stores[pIdent] = store

		current, ok := uncommitted[pIdent]
		if !ok {
			current = make([]byte, store.PageSize())
			if err := store.ReadPage(pIdent.PageID, current); err != nil {
				return err
			}
		}

		if _, err := m.log.AppendUpdate(txnID, pIdent, current, stolen[pIdent].before); err != nil {
			return fmt.Errorf("failed to log rollback of page %s: %w", pIdent, err)
		}
	}

	if err := m.log.Flush(); err != nil {
		return fmt.Errorf("failed to force log on abort of %s: %w", txnID, err)
	}

	var err error
	for _, pIdent := range order {
		before := stolen[pIdent].before
		if writeErr := stores[pIdent].WritePage(pIdent.PageID, before); writeErr != nil {
			err = errors.Join(err, writeErr)
			continue
		}

		m.txnMu.Lock()
		if img, ok := m.stolen[pIdent]; ok && img.owner == txnID {
			delete(m.stolen, pIdent)
		}
		m.txnMu.Unlock()

		frameID, ok := m.pageTable[pIdent]
		if !ok {
			continue
		}
		f := &m.frames[frameID]
		f.latch.Lock()
		if f.page.Dirtier().IsNil() && bytes.Equal(f.page.GetData(), before) {
			f.page.MarkClean()
		}
		f.latch.Unlock()
	}
	return err
}
