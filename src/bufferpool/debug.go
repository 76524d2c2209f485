package bufferpool

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

// DebugBufferPool exposes consistency checks of the pool internals for tests
// and diagnostics.
type DebugBufferPool struct {
	*Manager
}

var _ BufferPool = &DebugBufferPool{}

func NewDebugBufferPool(m *Manager) *DebugBufferPool {
	return &DebugBufferPool{Manager: m}
}

// EnsureConsistent cross-checks the page table, the replacer order and the
// free frame list against each other, and page owners against the lock table.
func (d *DebugBufferPool) EnsureConsistent() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if uint64(len(d.pageTable)) > d.capacity {
		err = errors.Join(err, fmt.Errorf(
			"%d resident pages exceed capacity %d",
			len(d.pageTable),
			d.capacity,
		))
	}

	if got := uint64(len(d.pageTable) + len(d.emptyFrames)); got != d.capacity {
		err = errors.Join(err, fmt.Errorf(
			"%d used and %d free frames don't add up to capacity %d",
			len(d.pageTable),
			len(d.emptyFrames),
			d.capacity,
		))
	}

	order := d.replacer.Order()
	if uint64(len(order)) != d.replacer.GetSize() || len(order) != len(d.pageTable) {
		err = errors.Join(err, fmt.Errorf(
			"replacer tracks %d pages, page table has %d",
			len(order),
			len(d.pageTable),
		))
	}
	seen := map[common.PageIdentity]struct{}{}
	for _, pIdent := range order {
		if _, ok := seen[pIdent]; ok {
			err = errors.Join(err, fmt.Errorf("page %s is queued twice", pIdent))
		}
		seen[pIdent] = struct{}{}
		if _, ok := d.pageTable[pIdent]; !ok {
			err = errors.Join(err, fmt.Errorf("queued page %s is not resident", pIdent))
		}
	}

	free := map[uint64]struct{}{}
	for _, frameID := range d.emptyFrames {
		free[frameID] = struct{}{}
		f := &d.frames[frameID]
		f.latch.RLock()
		if f.inUse {
			err = errors.Join(err, fmt.Errorf("free frame %d is in use", frameID))
		}
		f.latch.RUnlock()
	}

	for pIdent, frameID := range d.pageTable {
		if _, ok := free[frameID]; ok {
			err = errors.Join(err, fmt.Errorf("frame %d of page %s is on the free list", frameID, pIdent))
		}

		f := &d.frames[frameID]
		f.latch.RLock()
		if !f.inUse || f.pIdent != pIdent {
			err = errors.Join(err, fmt.Errorf(
				"frame %d holds %s (in use: %t), page table says %s",
				frameID,
				f.pIdent,
				f.inUse,
				pIdent,
			))
		}

		owner := f.page.Dirtier()
		f.latch.RUnlock()

		if owner.IsNil() {
			continue
		}
		if mode, ok := d.lockManager.Mode(owner, pIdent); !ok || mode != txns.PageLockExclusive {
			err = errors.Join(err, fmt.Errorf(
				"page %s is owned by %s without an exclusive lock",
				pIdent,
				owner,
			))
		}
	}

	d.txnMu.Lock()
	for _, pIdent := range sortedPages(d.stolen) {
		owner := d.stolen[pIdent].owner
		if mode, ok := d.lockManager.Mode(owner, pIdent); !ok || mode != txns.PageLockExclusive {
			err = errors.Join(err, fmt.Errorf(
				"stolen page %s belongs to %s without an exclusive lock",
				pIdent,
				owner,
			))
		}
	}
	d.txnMu.Unlock()

	return err
}
