package scan

import (
	"errors"
	"iter"

	"github.com/Blackdeer1524/StorageCore/src/bufferpool"
	"github.com/Blackdeer1524/StorageCore/src/pkg/assert"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/pkg/utils"
	"github.com/Blackdeer1524/StorageCore/src/storage/page"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

var ErrNotOpened = errors.New("iterator is not opened")

type Record struct {
	RID  common.RecordID
	Data []byte
}

// Iterator walks every live record of a file in (PageID, SlotNum) order.
// Pages are locked in lockMode through the pool and stay locked until the
// transaction completes, so a rewound scan sees the same records.
type Iterator struct {
	pool     bufferpool.BufferPool
	catalog  common.Catalog
	txnID    common.TxnID
	fileID   common.FileID
	lockMode txns.PageLockMode

	opened   bool
	numPages uint64
	nextPage common.PageID
	buffered []Record
}

func New(
	pool bufferpool.BufferPool,
	catalog common.Catalog,
	txnID common.TxnID,
	fileID common.FileID,
	lockMode txns.PageLockMode,
) *Iterator {
	assert.Assert(!txnID.IsNil(), "scan of file %d without a transaction", fileID)

	return &Iterator{
		pool:     pool,
		catalog:  catalog,
		txnID:    txnID,
		fileID:   fileID,
		lockMode: lockMode,
	}
}

// Open fixes the number of pages to visit and locks the first one. Pages
// appended afterwards are picked up by Rewind.
func (it *Iterator) Open() error {
	store, err := it.catalog.ResolveStore(it.fileID)
	if err != nil {
		return err
	}

	numPages, err := store.NumPages()
	if err != nil {
		return err
	}

	it.opened = false
	it.numPages = numPages
	it.nextPage = 0
	it.buffered = nil

	if numPages > 0 {
		if err := it.loadPage(0); err != nil {
			return err
		}
		it.nextPage = 1
	}

	it.opened = true
	return nil
}

// Next returns the next record. ok is false once the file is exhausted.
func (it *Iterator) Next() (rid common.RecordID, data []byte, ok bool, err error) {
	if !it.opened {
		return common.RecordID{}, nil, false, ErrNotOpened
	}

	for len(it.buffered) == 0 {
		if uint64(it.nextPage) >= it.numPages {
			return common.RecordID{}, nil, false, nil
		}
		if err := it.loadPage(it.nextPage); err != nil {
			return common.RecordID{}, nil, false, err
		}
		it.nextPage++
	}

	r := it.buffered[0]
	it.buffered = it.buffered[1:]
	return r.RID, r.Data, true, nil
}

func (it *Iterator) loadPage(pageID common.PageID) error {
	pIdent := common.PageIdentity{FileID: it.fileID, PageID: pageID}

	var records []Record
	err := it.pool.WithPage(it.txnID, pIdent, it.lockMode, func(h *bufferpool.Handle) error {
		records = records[:0]
		return h.Read(func(lockedPage *page.SlottedPage) error {
			for _, slot := range lockedPage.LiveSlots() {
				data, err := lockedPage.Read(slot)
				if err != nil {
					return err
				}
				records = append(records, Record{
					RID:  common.RecordID{PageIdentity: pIdent, SlotNum: slot},
					Data: utils.CloneBytes(data),
				})
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	it.buffered = records
	return nil
}

func (it *Iterator) Rewind() error {
	if !it.opened {
		return ErrNotOpened
	}
	return it.Open()
}

// Close forgets the position. Locks are kept until the transaction ends.
func (it *Iterator) Close() {
	it.opened = false
	it.buffered = nil
}

// All opens the iterator and yields every record. The iteration stops after
// the first error.
func (it *Iterator) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := it.Open(); err != nil {
			yield(Record{}, err)
			return
		}
		defer it.Close()

		for {
			rid, data, ok, err := it.Next()
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(Record{RID: rid, Data: data}, nil) {
				return
			}
		}
	}
}
