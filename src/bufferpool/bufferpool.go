package bufferpool

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/StorageCore/src"
	"github.com/Blackdeer1524/StorageCore/src/pkg/assert"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/pkg/utils"
	"github.com/Blackdeer1524/StorageCore/src/storage/page"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

const noFrame = ^uint64(0)

// BufferPool is the surface query operators are allowed to use.
type BufferPool interface {
	GetPage(common.TxnID, common.PageIdentity, txns.PageLockMode) (*Handle, error)
	WithPage(common.TxnID, common.PageIdentity, txns.PageLockMode, func(*Handle) error) error
	ReleasePage(common.TxnID, common.PageIdentity)
	HoldsLock(common.TxnID, common.PageIdentity) bool
	InsertTuple(common.TxnID, common.FileID, []byte) (common.RecordID, error)
	DeleteTuple(common.TxnID, common.RecordID) error
	UpdateTuple(common.TxnID, common.RecordID, []byte) error
	TransactionComplete(txnID common.TxnID, commit bool) error
	FlushPage(common.PageIdentity) error
	FlushAllPages() error
	DiscardPage(common.PageIdentity)
}

type frame struct {
	// guards page bytes and the frame metadata below
	latch sync.RWMutex

	page       *page.SlottedPage
	pIdent     common.PageIdentity
	inUse      bool
	generation uint64
}

type txnState struct {
	touched map[common.PageIdentity]struct{}
	dirty   map[common.PageIdentity]struct{}
}

// stolenImage describes a page whose uncommitted bytes reached the store.
type stolenImage struct {
	owner  common.TxnID
	before []byte
}

// Manager is a fixed-capacity page cache with FIFO eviction that steals
// pages of running transactions.
//
// Locking order: mu -> frame latch -> txnMu -> LockManager. Lock waits
// happen before mu is taken.
type Manager struct {
	capacity uint64
	pageSize int

	mu          sync.Mutex
	pageTable   map[common.PageIdentity]uint64
	frames      []frame
	emptyFrames []uint64
	replacer    Replacer
	ioBuf       []byte

	txnMu   sync.Mutex
	txns    map[common.TxnID]*txnState
	stolen  map[common.PageIdentity]stolenImage
	aborted map[common.TxnID]struct{}

	lockManager *txns.LockManager
	lockTimeout time.Duration
	policy      DeadlockPolicy

	catalog common.Catalog
	log     common.RecoveryLog
	logger  src.Logger
}

var _ BufferPool = &Manager{}

func New(
	capacity uint64,
	catalog common.Catalog,
	log common.RecoveryLog,
	opts ...Option,
) *Manager {
	assert.Assert(capacity > 0, "pool size must be greater than zero")

	m := &Manager{
		capacity:    capacity,
		pageSize:    page.DefaultPageSize,
		mu:          sync.Mutex{},
		pageTable:   map[common.PageIdentity]uint64{},
		txns:        map[common.TxnID]*txnState{},
		stolen:      map[common.PageIdentity]stolenImage{},
		aborted:     map[common.TxnID]struct{}{},
		lockTimeout: DefaultLockTimeout,
		policy:      PolicySelfAbort,
		catalog:     catalog,
		log:         log,
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = common.NoLogs()
	}
	if m.lockManager == nil {
		m.lockManager = txns.NewLockManager(m.logger)
	}
	if m.replacer == nil {
		m.replacer = NewFIFOReplacer()
	}

	m.frames = make([]frame, capacity)
	m.emptyFrames = make([]uint64, capacity)
	for i := range capacity {
		m.frames[i].page = page.NewSlottedPage(m.pageSize)
		m.emptyFrames[i] = capacity - 1 - i
	}
	m.ioBuf = make([]byte, m.pageSize)

	return m
}

func (m *Manager) LockManager() *txns.LockManager {
	return m.lockManager
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

// GetPage locks pIdent in lockMode on behalf of txnID and makes the page
// resident. The handle stays valid until the page leaves the pool.
func (m *Manager) GetPage(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode txns.PageLockMode,
) (*Handle, error) {
	assert.Assert(!txnID.IsNil(), "getting page %s without a transaction", pIdent)

	if m.isAborted(txnID) {
		return nil, ErrTxnAborted
	}
	if err := m.acquireLock(txnID, pIdent, lockMode); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// force-aborts run under mu, the flag can't change from here on
	if m.isAborted(txnID) {
		if !m.hasPendingRollback(txnID) {
			m.lockManager.UnlockAll(txnID)
		}
		return nil, ErrTxnAborted
	}

	frameID, err := m.fetchAssumeLocked(pIdent)
	if err != nil {
		return nil, err
	}

	m.txnMu.Lock()
	m.txnStateAssumeLocked(txnID).touched[pIdent] = struct{}{}
	m.txnMu.Unlock()

	return &Handle{
		pool:       m,
		txnID:      txnID,
		pIdent:     pIdent,
		frameID:    frameID,
		generation: m.frames[frameID].generation,
	}, nil
}

const maxStaleRetries = 8

// WithPage runs fn over a freshly obtained handle and starts over when the
// page got evicted in between.
func (m *Manager) WithPage(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode txns.PageLockMode,
	fn func(h *Handle) error,
) error {
	for attempt := 0; ; attempt++ {
		h, err := m.GetPage(txnID, pIdent, lockMode)
		if err != nil {
			return err
		}

		err = fn(h)
		if !errors.Is(err, ErrStaleHandle) || attempt == maxStaleRetries {
			return err
		}
		m.logger.Debugw("retrying on a stale handle", "txn", txnID, "page", pIdent)
	}
}

// ReleasePage drops the lock of txnID on pIdent before the transaction ends.
// It breaks two-phase locking and is reserved for pages the transaction has
// only looked at.
func (m *Manager) ReleasePage(txnID common.TxnID, pIdent common.PageIdentity) {
	m.txnMu.Lock()
	if st, ok := m.txns[txnID]; ok {
		_, dirtied := st.dirty[pIdent]
		assert.Assert(!dirtied, "releasing page %s dirtied by %s", pIdent, txnID)
		delete(st.touched, pIdent)
	}
	m.txnMu.Unlock()

	m.lockManager.Unlock(txnID, pIdent)
}

func (m *Manager) HoldsLock(txnID common.TxnID, pIdent common.PageIdentity) bool {
	return m.lockManager.Holds(txnID, pIdent)
}

func (m *Manager) fetchAssumeLocked(pIdent common.PageIdentity) (uint64, error) {
	if frameID, ok := m.pageTable[pIdent]; ok {
		return frameID, nil
	}

	store, err := m.catalog.ResolveStore(pIdent.FileID)
	if err != nil {
		return noFrame, err
	}
	if store.PageSize() != m.pageSize {
		return noFrame, fmt.Errorf(
			"%w: file %d uses %d byte pages, the pool uses %d",
			common.ErrStorageFault,
			pIdent.FileID,
			store.PageSize(),
			m.pageSize,
		)
	}

	frameID := m.reserveFrame()
	if frameID == noFrame {
		if err := m.evictPageAssumeLocked(); err != nil {
			return noFrame, err
		}
		frameID = m.reserveFrame()
		assert.Assert(frameID != noFrame, "eviction didn't free a frame")
	}

	if err := store.ReadPage(pIdent.PageID, m.ioBuf); err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return noFrame, err
	}

	f := &m.frames[frameID]
	f.latch.Lock()
	f.page.SetData(m.ioBuf)
	f.pIdent = pIdent
	f.inUse = true
	f.generation++

	m.txnMu.Lock()
	if img, ok := m.stolen[pIdent]; ok {
		// only an owner that still locks the page can roll it back
		if mode, held := m.lockManager.Mode(img.owner, pIdent); held && mode == txns.PageLockExclusive {
			f.page.AttachOwner(img.owner, img.before)
		} else {
			delete(m.stolen, pIdent)
			m.logger.Warnw("dropping before-image of an unlocked page", "page", pIdent, "owner", img.owner)
		}
	}
	m.txnMu.Unlock()
	f.latch.Unlock()

	m.pageTable[pIdent] = frameID
	m.replacer.Admit(pIdent)
	return frameID, nil
}

func (m *Manager) reserveFrame() uint64 {
	if len(m.emptyFrames) > 0 {
		id := m.emptyFrames[len(m.emptyFrames)-1]
		m.emptyFrames = m.emptyFrames[:len(m.emptyFrames)-1]
		return id
	}

	return noFrame
}

// WARN: expects **BOTH** mu and the frame latch to be locked
func (m *Manager) releaseFrameAssumeLocked(frameID uint64) {
	f := &m.frames[frameID]
	assert.Assert(f.inUse, "releasing free frame %d", frameID)

	delete(m.pageTable, f.pIdent)
	m.replacer.Remove(f.pIdent)
	m.emptyFrames = append(m.emptyFrames, frameID)

	f.inUse = false
	f.generation++
}

func (m *Manager) evictPage() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.evictPageAssumeLocked()
}

// evictPageAssumeLocked drops the oldest resident page, writing it out first
// if it is dirty. Locks on the page survive the eviction.
func (m *Manager) evictPageAssumeLocked() error {
	victim, err := m.replacer.ChooseVictim()
	if errors.Is(err, ErrNoVictimAvailable) {
		return ErrNoPagesToEvict
	}
	if err != nil {
		return err
	}

	frameID, ok := m.pageTable[victim]
	assert.Assert(ok, "victim page %s not found", victim)

	f := &m.frames[frameID]
	f.latch.Lock()
	defer f.latch.Unlock()

	if err := m.flushPageAssumeLatched(victim, f.page); err != nil {
		m.logger.Errorw("failed to evict page", "page", victim, "error", err)
		return err
	}

	m.logger.Debugw(
		"page evicted",
		"page", victim,
		"frame", frameID,
		"owner", f.page.Dirtier(),
	)
	m.releaseFrameAssumeLocked(frameID)
	return nil
}

// flushPageAssumeLatched writes a dirty page to its store. Uncommitted
// changes are logged and forced first; the owner keeps the before-image so
// that an abort can put it back into the store.
func (m *Manager) flushPageAssumeLatched(
	pIdent common.PageIdentity,
	lockedPg *page.SlottedPage,
) error {
	if !lockedPg.IsDirty() {
		return nil
	}

	store, err := m.catalog.ResolveStore(pIdent.FileID)
	if err != nil {
		return err
	}

	owner := lockedPg.Dirtier()
	var before []byte
	if !owner.IsNil() {
		before = lockedPg.BeforeImage()
		_, err := m.log.AppendUpdate(owner, pIdent, before, utils.CloneBytes(lockedPg.GetData()))
		if err != nil {
			return fmt.Errorf("failed to log page %s: %w", pIdent, err)
		}
		if err := m.log.Flush(); err != nil {
			return fmt.Errorf("failed to force log before writing page %s: %w", pIdent, err)
		}
	}

	if err := store.WritePage(pIdent.PageID, lockedPg.GetData()); err != nil {
		return err
	}
	lockedPg.MarkClean()

	if !owner.IsNil() {
		m.txnMu.Lock()
		if _, ok := m.stolen[pIdent]; !ok {
			m.stolen[pIdent] = stolenImage{owner: owner, before: before}
		}
		m.txnMu.Unlock()
	}
	return nil
}

func (m *Manager) FlushPage(pIdent common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageTable[pIdent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotResident, pIdent)
	}

	f := &m.frames[frameID]
	f.latch.Lock()
	defer f.latch.Unlock()

	return m.flushPageAssumeLatched(pIdent, f.page)
}

// FlushAllPages writes every dirty resident page. All uncommitted changes
// are covered by a single log force, page writes then run in parallel and
// every store written to is synced.
func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type flushJob struct {
		pIdent common.PageIdentity
		frame  *frame
		store  common.PageStore
		before []byte
	}

	var jobs []flushJob
	defer func() {
		for _, job := range jobs {
			job.frame.latch.Unlock()
		}
	}()

	logged := false
	for _, pIdent := range m.replacer.Order() {
		f := &m.frames[m.pageTable[pIdent]]
		f.latch.Lock()
		if !f.page.IsDirty() {
			f.latch.Unlock()
			continue
		}

		store, err := m.catalog.ResolveStore(pIdent.FileID)
		if err != nil {
			f.latch.Unlock()
			return err
		}

		job := flushJob{pIdent: pIdent, frame: f, store: store}
		owner := f.page.Dirtier()
		if !owner.IsNil() {
			job.before = f.page.BeforeImage()
		}
		jobs = append(jobs, job)

		if owner.IsNil() {
			continue
		}
		_, err = m.log.AppendUpdate(owner, pIdent, job.before, utils.CloneBytes(f.page.GetData()))
		if err != nil {
			return fmt.Errorf("failed to log page %s: %w", pIdent, err)
		}
		logged = true
	}

	if len(jobs) == 0 {
		return nil
	}
	if logged {
		if err := m.log.Flush(); err != nil {
			return fmt.Errorf("failed to force log: %w", err)
		}
	}

	g := errgroup.Group{}
	for _, job := range jobs {
		g.Go(func() error {
			return job.store.WritePage(job.pIdent.PageID, job.frame.page.GetData())
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stores := map[common.FileID]common.PageStore{}
	m.txnMu.Lock()
	for _, job := range jobs {
		stores[job.pIdent.FileID] = job.store

		owner := job.frame.page.Dirtier()
		job.frame.page.MarkClean()
		if owner.IsNil() {
			continue
		}
		if _, ok := m.stolen[job.pIdent]; !ok {
			m.stolen[job.pIdent] = stolenImage{owner: owner, before: job.before}
		}
	}
	m.txnMu.Unlock()

	var err error
	for _, fileID := range slices.Sorted(maps.Keys(stores)) {
		err = errors.Join(err, stores[fileID].Sync())
	}

	m.logger.Debugw("flushed all pages", "pages", len(jobs), "files", len(stores))
	return err
}

// DiscardPage drops pIdent from the pool without writing it and releases
// every lock held on it. Uncommitted bytes that were already stolen into the
// store are replaced by the owner's before-image, so the page reads as its
// last committed state afterwards.
func (m *Manager) DiscardPage(pIdent common.PageIdentity) {
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.txnMu.Lock()
		img, stolen := m.stolen[pIdent]
		m.txnMu.Unlock()

		uncommitted := map[common.PageIdentity][]byte{}
		if frameID, ok := m.pageTable[pIdent]; ok {
			f := &m.frames[frameID]
			f.latch.Lock()
			if stolen && f.page.Dirtier() == img.owner {
				uncommitted[pIdent] = utils.CloneBytes(f.page.GetData())
			}
			m.releaseFrameAssumeLocked(frameID)
			f.latch.Unlock()
		}

		m.txnMu.Lock()
		for _, st := range m.txns {
			delete(st.touched, pIdent)
			delete(st.dirty, pIdent)
		}
		m.txnMu.Unlock()

		if !stolen {
			return
		}

		err := m.restoreStolenAssumeLocked(
			img.owner,
			map[common.PageIdentity]stolenImage{pIdent: img},
			uncommitted,
		)
		if err != nil {
			m.logger.Errorw(
				"failed to restore discarded page",
				"page", pIdent,
				"owner", img.owner,
				"error", err,
			)
		}

		// the owner loses its lock below and can't undo the page anymore
		m.txnMu.Lock()
		delete(m.stolen, pIdent)
		m.txnMu.Unlock()
	}()

	m.lockManager.UnlockAllHolders(pIdent)
}

func (m *Manager) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return uint64(len(m.pageTable))
}

func (m *Manager) Capacity() uint64 {
	return m.capacity
}

// ResidentPages lists the resident pages in eviction order.
func (m *Manager) ResidentPages() []common.PageIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.replacer.Order()
}

func (m *Manager) ActiveTransactions() map[common.TxnID]struct{} {
	m.txnMu.Lock()
	res := make(map[common.TxnID]struct{}, len(m.txns))
	for txnID := range m.txns {
		res[txnID] = struct{}{}
	}
	m.txnMu.Unlock()

	for txnID := range m.lockManager.GetActiveTransactions() {
		res[txnID] = struct{}{}
	}
	return res
}

func (m *Manager) txnStateAssumeLocked(txnID common.TxnID) *txnState {
	st, ok := m.txns[txnID]
	if !ok {
		st = &txnState{
			touched: map[common.PageIdentity]struct{}{},
			dirty:   map[common.PageIdentity]struct{}{},
		}
		m.txns[txnID] = st
	}
	return st
}

func (m *Manager) isAborted(txnID common.TxnID) bool {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()

	_, ok := m.aborted[txnID]
	return ok
}

func comparePageIdents(a, b common.PageIdentity) int {
	if c := cmp.Compare(a.FileID, b.FileID); c != 0 {
		return c
	}
	return cmp.Compare(a.PageID, b.PageID)
}

func sortedPages[V any](set map[common.PageIdentity]V) []common.PageIdentity {
	res := slices.Collect(maps.Keys(set))
	slices.SortFunc(res, comparePageIdents)
	return res
}
