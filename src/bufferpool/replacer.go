package bufferpool

import (
	"container/list"
	"errors"

	"github.com/Blackdeer1524/StorageCore/src/pkg/assert"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

// Replacer orders resident pages for eviction. Implementations are not
// goroutine safe: the buffer pool calls them under its residency mutex.
type Replacer interface {
	Admit(pIdent common.PageIdentity)
	Remove(pIdent common.PageIdentity)
	ChooseVictim() (common.PageIdentity, error) // returns ErrNoVictimAvailable if no victim is available
	Order() []common.PageIdentity
	GetSize() uint64
}

var ErrNoVictimAvailable = errors.New("no victim available")

// FIFOReplacer evicts the page that was admitted first.
type FIFOReplacer struct {
	queue *list.List
	elems map[common.PageIdentity]*list.Element
}

var _ Replacer = &FIFOReplacer{}

func NewFIFOReplacer() *FIFOReplacer {
	return &FIFOReplacer{
		queue: list.New(),
		elems: map[common.PageIdentity]*list.Element{},
	}
}

func (r *FIFOReplacer) Admit(pIdent common.PageIdentity) {
	_, ok := r.elems[pIdent]
	assert.Assert(!ok, "page %s is already admitted", pIdent)

	r.elems[pIdent] = r.queue.PushBack(pIdent)
}

func (r *FIFOReplacer) Remove(pIdent common.PageIdentity) {
	elem, ok := r.elems[pIdent]
	if !ok {
		return
	}

	r.queue.Remove(elem)
	delete(r.elems, pIdent)
}

// ChooseVictim returns the head of the queue without removing it.
func (r *FIFOReplacer) ChooseVictim() (common.PageIdentity, error) {
	front := r.queue.Front()
	if front == nil {
		return common.PageIdentity{}, ErrNoVictimAvailable
	}
	return assert.Cast[common.PageIdentity](front.Value), nil
}

// Order lists the admitted pages from the oldest to the newest.
func (r *FIFOReplacer) Order() []common.PageIdentity {
	res := make([]common.PageIdentity, 0, r.queue.Len())
	for e := r.queue.Front(); e != nil; e = e.Next() {
		res = append(res, assert.Cast[common.PageIdentity](e.Value))
	}
	return res
}

func (r *FIFOReplacer) GetSize() uint64 {
	return uint64(r.queue.Len())
}
