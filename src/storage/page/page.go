package page

import (
	"github.com/Blackdeer1524/StorageCore/src/pkg/assert"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/pkg/utils"
)

const DefaultPageSize = 4096

// SlottedPage is the in-memory image of one fixed-size page.
//
// Besides the bytes it tracks two independent facts: whether the bytes differ
// from the store (dirty) and which uncommitted transaction, if any, owns the
// changes (dirtier). The before-image is the content the page had just before
// the dirtier's first write and is what an abort restores.
//
// SlottedPage has no latch of its own: the buffer pool guards every access
// with the latch of the frame the page lives in.
type SlottedPage struct {
	data []byte

	dirty   bool
	dirtier common.TxnID
	before  []byte
}

func NewSlottedPage(pageSize int) *SlottedPage {
	assert.Assert(
		pageSize >= MinPageSize && pageSize <= MaxPageSize,
		"invalid page size %d",
		pageSize,
	)

	return &SlottedPage{
		data:    make([]byte, pageSize),
		dirtier: common.NilTxnID,
	}
}

func (p *SlottedPage) GetData() []byte {
	return p.data
}

// SetData copies d into the page and resets all transactional state.
func (p *SlottedPage) SetData(d []byte) {
	assert.Assert(len(d) == len(p.data), "page size mismatch: %d != %d", len(d), len(p.data))

	copy(p.data, d)
	p.dirty = false
	p.dirtier = common.NilTxnID
	p.before = nil
}

func (p *SlottedPage) Size() int {
	return len(p.data)
}

func (p *SlottedPage) IsDirty() bool {
	return p.dirty
}

// Dirtier returns the uncommitted owner of the page changes.
func (p *SlottedPage) Dirtier() common.TxnID {
	return p.dirtier
}

// BeforeImage returns a copy of the content preceding the dirtier's first
// write. For pages without an owner it is the current content.
func (p *SlottedPage) BeforeImage() []byte {
	if p.before == nil {
		return utils.CloneBytes(p.data)
	}
	return utils.CloneBytes(p.before)
}

// MarkDirty must be called before txnID changes the page bytes. The first
// call by a new owner snapshots the before-image.
func (p *SlottedPage) MarkDirty(txnID common.TxnID) {
	assert.Assert(!txnID.IsNil(), "dirtying a page without a transaction")

	if p.dirtier != txnID {
		assert.Assert(
			p.dirtier.IsNil(),
			"page is already owned by %s, can't dirty it by %s",
			p.dirtier,
			txnID,
		)
		p.before = utils.CloneBytes(p.data)
		p.dirtier = txnID
	}
	p.dirty = true
}

// AttachOwner restores the ownership of a page that was written to the store
// while txnID was still running. The bytes are expected to match the store.
func (p *SlottedPage) AttachOwner(txnID common.TxnID, before []byte) {
	assert.Assert(len(before) == len(p.data), "before-image size mismatch")

	p.dirtier = txnID
	p.before = utils.CloneBytes(before)
}

// MarkClean records that the current bytes reached the store. Ownership is
// kept: the owner can still abort and needs the before-image for that.
func (p *SlottedPage) MarkClean() {
	p.dirty = false
}

// Commit makes the current bytes the new before-image. The page stays dirty
// until it is flushed.
func (p *SlottedPage) Commit() {
	p.before = nil
	p.dirtier = common.NilTxnID
}

// Rollback restores the before-image. The restored bytes may differ from the
// store, so the page is left dirty.
func (p *SlottedPage) Rollback() {
	if p.before != nil {
		copy(p.data, p.before)
	}
	p.before = nil
	p.dirtier = common.NilTxnID
	p.dirty = true
}
