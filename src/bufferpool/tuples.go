package bufferpool

import (
	"fmt"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/storage/page"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

// InsertTuple stores record in the first page of fileID that has room for
// it, appending a new page when none has.
func (m *Manager) InsertTuple(
	txnID common.TxnID,
	fileID common.FileID,
	record []byte,
) (common.RecordID, error) {
	if len(record) > page.MaxRecordSize(m.pageSize) {
		return common.RecordID{}, fmt.Errorf("%w: %d bytes", page.ErrRecordTooBig, len(record))
	}

	store, err := m.catalog.ResolveStore(fileID)
	if err != nil {
		return common.RecordID{}, err
	}

	numPages, err := store.NumPages()
	if err != nil {
		return common.RecordID{}, err
	}

	for pageID := range common.PageID(numPages) {
		pIdent := common.PageIdentity{FileID: fileID, PageID: pageID}
		rid, ok, err := m.tryInsert(txnID, pIdent, record)
		if err != nil || ok {
			return rid, err
		}
	}

	pageID, err := store.AllocatePage()
	if err != nil {
		return common.RecordID{}, err
	}
	m.logger.Debugw("allocated page", "txn", txnID, "file", fileID, "page", pageID)

	pIdent := common.PageIdentity{FileID: fileID, PageID: pageID}
	rid, ok, err := m.tryInsert(txnID, pIdent, record)
	if err != nil {
		return common.RecordID{}, err
	}
	if !ok {
		return common.RecordID{}, fmt.Errorf("%w: page %s is full right after allocation", page.ErrNoSpace, pIdent)
	}
	return rid, nil
}

// tryInsert checks the free space under a shared lock and only upgrades to
// an exclusive one when the record fits. A page that was not locked before
// and turned out to be full is released right away.
func (m *Manager) tryInsert(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	record []byte,
) (common.RecordID, bool, error) {
	heldBefore := m.HoldsLock(txnID, pIdent)

	fits := false
	err := m.WithPage(txnID, pIdent, txns.PageLockShared, func(h *Handle) error {
		return h.Read(func(lockedPage *page.SlottedPage) error {
			fits = lockedPage.CanFit(len(record))
			return nil
		})
	})
	if err != nil {
		return common.RecordID{}, false, err
	}

	if !fits {
		if !heldBefore {
			m.ReleasePage(txnID, pIdent)
		}
		return common.RecordID{}, false, nil
	}

	var slot common.SlotNum
	err = m.WithPage(txnID, pIdent, txns.PageLockExclusive, func(h *Handle) error {
		return h.Write(func(lockedPage *page.SlottedPage) error {
			var err error
			slot, err = lockedPage.Insert(record)
			return err
		})
	})
	if err != nil {
		return common.RecordID{}, false, err
	}

	return common.RecordID{PageIdentity: pIdent, SlotNum: slot}, true, nil
}

func (m *Manager) DeleteTuple(txnID common.TxnID, rid common.RecordID) error {
	return m.WithPage(txnID, rid.PageIdentity, txns.PageLockExclusive, func(h *Handle) error {
		return h.Write(func(lockedPage *page.SlottedPage) error {
			return lockedPage.Delete(rid.SlotNum)
		})
	})
}

// UpdateTuple overwrites the record rid points to with a record of the same
// length.
func (m *Manager) UpdateTuple(txnID common.TxnID, rid common.RecordID, record []byte) error {
	return m.WithPage(txnID, rid.PageIdentity, txns.PageLockExclusive, func(h *Handle) error {
		return h.Write(func(lockedPage *page.SlottedPage) error {
			return lockedPage.Update(rid.SlotNum, record)
		})
	})
}
