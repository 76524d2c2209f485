package scan

import (
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/StorageCore/src/bufferpool"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/storage/disk"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

const (
	testPageSize = 128
	testFileID   = common.FileID(1)
)

func newTestPool(t *testing.T, capacity uint64) (*bufferpool.Manager, *disk.Manager) {
	t.Helper()

	catalog := disk.New(
		afero.NewMemMapFs(),
		testPageSize,
		map[common.FileID]string{testFileID: "/data/table"},
	)
	pool := bufferpool.New(
		capacity,
		catalog,
		nil,
		bufferpool.WithPageSize(testPageSize),
		bufferpool.WithLockTimeout(50*time.Millisecond),
	)

	t.Cleanup(func() {
		assert.NoError(t, bufferpool.NewDebugBufferPool(pool).EnsureConsistent())
	})
	return pool, catalog
}

func insertRecords(t *testing.T, pool *bufferpool.Manager, n int) []common.RecordID {
	t.Helper()

	txnID := common.NewTxnID()
	rids := make([]common.RecordID, 0, n)
	for i := range n {
		rid, err := pool.InsertTuple(txnID, testFileID, fmt.Appendf(nil, "record-%02d", i))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	require.NoError(t, pool.TransactionComplete(txnID, true))
	return rids
}

func collect(t *testing.T, it *Iterator) ([]common.RecordID, []string) {
	t.Helper()

	var (
		rids []common.RecordID
		data []string
	)
	for {
		rid, d, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return rids, data
		}
		rids = append(rids, rid)
		data = append(data, string(d))
	}
}

func TestScanEmptyFile(t *testing.T) {
	pool, catalog := newTestPool(t, 2)

	txnID := common.NewTxnID()
	it := New(pool, catalog, txnID, testFileID, txns.PageLockShared)

	_, _, _, err := it.Next()
	require.ErrorIs(t, err, ErrNotOpened)

	require.NoError(t, it.Open())
	_, _, ok, err := it.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	it.Close()
	require.NoError(t, pool.TransactionComplete(txnID, true))
}

func TestScanVisitsRecordsInOrder(t *testing.T) {
	// a 128 byte page holds 9 of these records, so 20 of them span 3 pages
	// while the pool keeps only 2
	pool, catalog := newTestPool(t, 2)
	rids := insertRecords(t, pool, 20)
	require.Equal(t, common.PageID(2), rids[len(rids)-1].PageID)

	txnID := common.NewTxnID()
	it := New(pool, catalog, txnID, testFileID, txns.PageLockShared)
	require.NoError(t, it.Open())

	gotRIDs, gotData := collect(t, it)
	assert.Equal(t, rids, gotRIDs)
	for i, d := range gotData {
		assert.Equal(t, fmt.Sprintf("record-%02d", i), d)
	}

	for pageID := range common.PageID(3) {
		assert.True(t, pool.HoldsLock(txnID, common.PageIdentity{FileID: testFileID, PageID: pageID}))
	}

	it.Close()
	require.NoError(t, pool.TransactionComplete(txnID, true))
}

func TestScanSkipsDeletedRecords(t *testing.T) {
	pool, catalog := newTestPool(t, 4)
	rids := insertRecords(t, pool, 5)

	writer := common.NewTxnID()
	require.NoError(t, pool.DeleteTuple(writer, rids[1]))
	require.NoError(t, pool.DeleteTuple(writer, rids[3]))

	it := New(pool, catalog, writer, testFileID, txns.PageLockShared)
	require.NoError(t, it.Open())
	gotRIDs, _ := collect(t, it)
	assert.Equal(t, []common.RecordID{rids[0], rids[2], rids[4]}, gotRIDs)
	it.Close()

	require.NoError(t, pool.TransactionComplete(writer, false))

	reader := common.NewTxnID()
	it = New(pool, catalog, reader, testFileID, txns.PageLockShared)
	require.NoError(t, it.Open())
	gotRIDs, _ = collect(t, it)
	assert.Equal(t, rids, gotRIDs)
	it.Close()
	require.NoError(t, pool.TransactionComplete(reader, true))
}

func TestScanRewind(t *testing.T) {
	pool, catalog := newTestPool(t, 2)
	rids := insertRecords(t, pool, 10)

	txnID := common.NewTxnID()
	it := New(pool, catalog, txnID, testFileID, txns.PageLockShared)
	require.ErrorIs(t, it.Rewind(), ErrNotOpened)
	require.NoError(t, it.Open())

	rid, _, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rids[0], rid)

	require.NoError(t, it.Rewind())
	gotRIDs, _ := collect(t, it)
	assert.Equal(t, rids, gotRIDs)

	it.Close()
	require.NoError(t, pool.TransactionComplete(txnID, true))
}

func TestScanRecordsDoNotAliasPages(t *testing.T) {
	pool, catalog := newTestPool(t, 2)
	insertRecords(t, pool, 1)

	txnID := common.NewTxnID()
	it := New(pool, catalog, txnID, testFileID, txns.PageLockExclusive)
	require.NoError(t, it.Open())
	_, data, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	data[0] = 'X'

	require.NoError(t, it.Rewind())
	_, data, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "record-00", string(data))

	it.Close()
	require.NoError(t, pool.TransactionComplete(txnID, true))
}

func TestScanAll(t *testing.T) {
	pool, catalog := newTestPool(t, 3)
	rids := insertRecords(t, pool, 12)

	txnID := common.NewTxnID()
	it := New(pool, catalog, txnID, testFileID, txns.PageLockShared)

	var got []common.RecordID
	for r, err := range it.All() {
		require.NoError(t, err)
		got = append(got, r.RID)
		if len(got) == 4 {
			break
		}
	}
	assert.Equal(t, rids[:4], got)

	got = got[:0]
	for r, err := range it.All() {
		require.NoError(t, err)
		got = append(got, r.RID)
	}
	assert.Equal(t, rids, got)

	require.NoError(t, pool.TransactionComplete(txnID, true))
}

func TestScanBlockedByWriter(t *testing.T) {
	pool, catalog := newTestPool(t, 2)
	rids := insertRecords(t, pool, 1)

	writer := common.NewTxnID()
	require.NoError(t, pool.DeleteTuple(writer, rids[0]))

	reader := common.NewTxnID()
	it := New(pool, catalog, reader, testFileID, txns.PageLockShared)
	err := it.Open()
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))

	_, _, _, err = it.Next()
	require.ErrorIs(t, err, ErrNotOpened)

	require.NoError(t, pool.TransactionComplete(reader, false))
	require.NoError(t, pool.TransactionComplete(writer, true))
}

func TestScanOpenLocksFirstPage(t *testing.T) {
	pool, catalog := newTestPool(t, 2)
	rids := insertRecords(t, pool, 20)

	txnID := common.NewTxnID()
	it := New(pool, catalog, txnID, testFileID, txns.PageLockShared)
	require.NoError(t, it.Open())

	assert.True(t, pool.HoldsLock(txnID, common.PageIdentity{FileID: testFileID, PageID: 0}))
	assert.False(t, pool.HoldsLock(txnID, common.PageIdentity{FileID: testFileID, PageID: 1}))

	gotRIDs, _ := collect(t, it)
	assert.Equal(t, rids, gotRIDs)

	it.Close()
	require.NoError(t, pool.TransactionComplete(txnID, true))
}
