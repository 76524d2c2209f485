package txns

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

func pageIdent(pageID common.PageID) common.PageIdentity {
	return common.PageIdentity{FileID: 1, PageID: pageID}
}

// lockAsync starts Lock in a goroutine and returns a channel carrying its
// result.
func lockAsync(
	m *LockManager,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode PageLockMode,
	timeout time.Duration,
) <-chan error {
	res := make(chan error, 1)
	go func() {
		res <- m.Lock(txnID, pIdent, lockMode, timeout)
	}()
	return res
}

func expectGranted(t *testing.T, res <-chan error, msg string) {
	t.Helper()

	select {
	case err := <-res:
		require.NoError(t, err, msg)
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

func expectBlocked(t *testing.T, res <-chan error, msg string) {
	t.Helper()

	select {
	case err := <-res:
		t.Fatalf("%s: lock returned %v", msg, err)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestManagerBasicOperation(t *testing.T) {
	m := NewLockManager(nil)
	txnID := common.NewTxnID()

	require.NoError(t, m.Lock(txnID, pageIdent(100), PageLockShared, time.Second))
	assert.True(t, m.Holds(txnID, pageIdent(100)))
	assert.ElementsMatch(t, []common.PageIdentity{pageIdent(100)}, m.LockedPages(txnID))

	m.Unlock(txnID, pageIdent(100))
	assert.False(t, m.Holds(txnID, pageIdent(100)))

	// the entry is dropped with its last holder
	m.mu.Lock()
	_, exists := m.locks[pageIdent(100)]
	m.mu.Unlock()
	assert.False(t, exists)
	assert.True(t, m.AreAllQueuesEmpty())

	// unlocking twice is harmless
	m.Unlock(txnID, pageIdent(100))
}

func TestManagerSharedIsReentrantForExclusiveHolder(t *testing.T) {
	m := NewLockManager(nil)
	txnID := common.NewTxnID()

	require.NoError(t, m.Lock(txnID, pageIdent(1), PageLockExclusive, time.Second))
	require.NoError(t, m.Lock(txnID, pageIdent(1), PageLockShared, time.Second))

	mode, ok := m.Mode(txnID, pageIdent(1))
	require.True(t, ok)
	assert.Equal(t, PageLockExclusive, mode)
}

func TestManagerConcurrentSharedAccess(t *testing.T) {
	m := NewLockManager(nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			txnID := common.NewTxnID()
			pIdent := pageIdent(common.PageID(id & 1)) //nolint:gosec
			assert.NoError(t, m.Lock(txnID, pIdent, PageLockShared, time.Second))
			m.Unlock(txnID, pIdent)
		}(i)
	}
	wg.Wait()

	assert.True(t, m.AreAllQueuesEmpty())
}

func TestManagerLockContention(t *testing.T) {
	m := NewLockManager(nil)
	pIdent := pageIdent(300)

	t1, t2, t3 := common.NewTxnID(), common.NewTxnID(), common.NewTxnID()

	expectGranted(t, lockAsync(m, t1, pIdent, PageLockExclusive, time.Second), "first exclusive lock should be granted")

	res2 := lockAsync(m, t2, pIdent, PageLockExclusive, time.Second)
	expectBlocked(t, res2, "second exclusive lock should block")

	res3 := lockAsync(m, t3, pIdent, PageLockShared, time.Second)
	expectBlocked(t, res3, "shared lock should block behind exclusive")

	m.Unlock(t1, pIdent)

	// exactly one of the waiters wins
	select {
	case err := <-res2:
		require.NoError(t, err)
		expectBlocked(t, res3, "shared lock should block behind the new exclusive holder")
		m.Unlock(t2, pIdent)
		expectGranted(t, res3, "shared lock should be granted after exclusives")
	case err := <-res3:
		require.NoError(t, err)
		expectBlocked(t, res2, "exclusive lock should block behind the shared holder")
		m.Unlock(t3, pIdent)
		expectGranted(t, res2, "exclusive lock should be granted after the shared one")
	case <-time.After(time.Second):
		t.Fatal("no waiter was woken")
	}
}

func TestManagerUpgrade(t *testing.T) {
	t.Run("SoleHolder", func(t *testing.T) {
		m := NewLockManager(nil)
		txnID := common.NewTxnID()

		require.NoError(t, m.Lock(txnID, pageIdent(1), PageLockShared, time.Hour))
		start := time.Now()
		require.NoError(t, m.Lock(txnID, pageIdent(1), PageLockExclusive, time.Hour))
		assert.Less(t, time.Since(start), 100*time.Millisecond)

		mode, ok := m.Mode(txnID, pageIdent(1))
		require.True(t, ok)
		assert.Equal(t, PageLockExclusive, mode)
		assert.Len(t, m.Holders(pageIdent(1)), 1)
	})

	t.Run("SharedWithOthers", func(t *testing.T) {
		m := NewLockManager(nil)
		t1, t2 := common.NewTxnID(), common.NewTxnID()

		require.NoError(t, m.Lock(t1, pageIdent(1), PageLockShared, time.Second))
		require.NoError(t, m.Lock(t2, pageIdent(1), PageLockShared, time.Second))

		res := lockAsync(m, t1, pageIdent(1), PageLockExclusive, time.Second)
		expectBlocked(t, res, "upgrade must wait for the other reader")

		m.Unlock(t2, pageIdent(1))
		expectGranted(t, res, "upgrade should succeed once t1 is the sole holder")

		mode, _ := m.Mode(t1, pageIdent(1))
		assert.Equal(t, PageLockExclusive, mode)
	})

	t.Run("TimesOut", func(t *testing.T) {
		m := NewLockManager(nil)
		t1, t2 := common.NewTxnID(), common.NewTxnID()

		require.NoError(t, m.Lock(t1, pageIdent(1), PageLockShared, time.Second))
		require.NoError(t, m.Lock(t2, pageIdent(1), PageLockShared, time.Second))

		err := m.Lock(t1, pageIdent(1), PageLockExclusive, 20*time.Millisecond)
		require.ErrorIs(t, err, ErrLockTimeout)
		assert.True(t, common.IsRetryable(err))

		// a failed upgrade keeps the shared lock
		mode, ok := m.Mode(t1, pageIdent(1))
		require.True(t, ok)
		assert.Equal(t, PageLockShared, mode)
	})
}

func TestManagerUnlockAll(t *testing.T) {
	m := NewLockManager(nil)

	waitingTxn := common.NewTxnID()
	runningTxn := common.NewTxnID()

	require.NoError(t, m.Lock(runningTxn, pageIdent(1), PageLockExclusive, time.Second))
	require.NoError(t, m.Lock(runningTxn, pageIdent(2), PageLockShared, time.Second))

	res := lockAsync(m, waitingTxn, pageIdent(1), PageLockShared, time.Second)
	expectBlocked(t, res, "waiting txn should be enqueued on page 1")
	assert.Contains(t, m.GetActiveTransactions(), waitingTxn)

	m.UnlockAll(runningTxn)
	expectGranted(t, res, "waiting txn should get the lock after the running one has finished")

	assert.Empty(t, m.LockedPages(runningTxn))
	assert.NotContains(t, m.GetActiveTransactions(), runningTxn)

	m.UnlockAll(waitingTxn)
	assert.True(t, m.AreAllQueuesEmpty())
}

func TestManagerUnlockAllHolders(t *testing.T) {
	m := NewLockManager(nil)
	t1, t2 := common.NewTxnID(), common.NewTxnID()

	require.NoError(t, m.Lock(t1, pageIdent(1), PageLockShared, time.Second))
	require.NoError(t, m.Lock(t2, pageIdent(1), PageLockShared, time.Second))
	require.NoError(t, m.Lock(t2, pageIdent(2), PageLockShared, time.Second))

	m.UnlockAllHolders(pageIdent(1))

	assert.Empty(t, m.Holders(pageIdent(1)))
	assert.False(t, m.Holds(t1, pageIdent(1)))
	assert.True(t, m.Holds(t2, pageIdent(2)))
	assert.NotContains(t, m.GetActiveTransactions(), t1)
}

func TestManagerTimeoutCleansUpWaiter(t *testing.T) {
	m := NewLockManager(nil)
	t1, t2 := common.NewTxnID(), common.NewTxnID()

	require.NoError(t, m.Lock(t1, pageIdent(1), PageLockExclusive, time.Second))

	start := time.Now()
	err := m.Lock(t2, pageIdent(1), PageLockShared, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.NotContains(t, m.GetActiveTransactions(), t2)
	assert.Empty(t, m.GetGraphSnaphot())

	m.Unlock(t1, pageIdent(1))
	assert.True(t, m.AreAllQueuesEmpty())
}

func TestManagerDeadlockGraph(t *testing.T) {
	m := NewLockManager(nil)
	t1, t2 := common.NewTxnID(), common.NewTxnID()

	require.NoError(t, m.Lock(t1, pageIdent(1), PageLockExclusive, time.Second))
	require.NoError(t, m.Lock(t2, pageIdent(2), PageLockExclusive, time.Second))

	res1 := lockAsync(m, t1, pageIdent(2), PageLockShared, time.Second)
	res2 := lockAsync(m, t2, pageIdent(1), PageLockExclusive, time.Second)
	expectBlocked(t, res1, "t1 waits for t2")
	expectBlocked(t, res2, "t2 waits for t1")

	graph := m.GetGraphSnaphot()
	assert.True(t, graph.IsCyclic())

	dump := graph.Dump()
	assert.True(t, strings.HasPrefix(dump, "digraph TransactionDependencyGraph {"))
	assert.Contains(t, dump, `"`+t1.String()+`" -> "`+t2.String()+`"`)
	assert.Contains(t, dump, `"`+t2.String()+`" -> "`+t1.String()+`"`)

	m.UnlockAll(t2)
	expectGranted(t, res1, "t1 should get page 2 once t2 is gone")
	m.UnlockAll(t1)
	expectGranted(t, res2, "t2 should get page 1 once t1 is gone")
	m.UnlockAll(t2)

	assert.False(t, m.GetGraphSnaphot().IsCyclic())
	assert.True(t, m.AreAllQueuesEmpty())
}

func TestManagerTryLock(t *testing.T) {
	m := NewLockManager(nil)
	t1, t2 := common.NewTxnID(), common.NewTxnID()

	assert.True(t, m.TryLock(t1, pageIdent(1), PageLockShared))
	assert.True(t, m.TryLock(t2, pageIdent(1), PageLockShared))
	assert.False(t, m.TryLock(t2, pageIdent(1), PageLockExclusive))

	m.Unlock(t1, pageIdent(1))
	assert.True(t, m.TryLock(t2, pageIdent(1), PageLockExclusive))
	assert.False(t, m.TryLock(t1, pageIdent(1), PageLockShared))
}

func TestManagerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping slow test in short mode")
	}

	m := NewLockManager(nil)

	numTxns := 50
	numObjects := 10
	opsPerTxn := 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failed    int
		holdersMu sync.Mutex
	)

	// every grant is checked against the compatibility matrix
	checkExclusivity := func(pIdent common.PageIdentity) {
		holdersMu.Lock()
		defer holdersMu.Unlock()

		holders := m.Holders(pIdent)
		exclusive := 0
		for _, mode := range holders {
			if mode == PageLockExclusive {
				exclusive++
			}
		}
		if exclusive > 1 || (exclusive == 1 && len(holders) > 1) {
			t.Errorf("incompatible holders on %s: %v", pIdent, holders)
		}
	}

	lockModes := []PageLockMode{PageLockShared, PageLockExclusive}
	for i := range numTxns {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			txnID := common.NewTxnID()
			defer m.UnlockAll(txnID)

			for range opsPerTxn {
				//nolint:gosec
				pIdent := pageIdent(common.PageID(rand.Intn(numObjects)))
				lockMode := lockModes[rand.Intn(len(lockModes))] //nolint:gosec

				if err := m.Lock(txnID, pIdent, lockMode, 20*time.Millisecond); err != nil {
					assert.ErrorIs(t, err, ErrLockTimeout)
					mu.Lock()
					failed++
					mu.Unlock()
					return
				}
				checkExclusivity(pIdent)

				time.Sleep(time.Millisecond * time.Duration(i%3))
			}
		}(i)
	}
	wg.Wait()

	t.Logf("Concurrency test completed. Failed transactions: %d/%d", failed, numTxns)

	assert.True(t, m.AreAllQueuesEmpty(), "Some locks are still held after all transactions completed")
	assert.Empty(t, m.GetActiveTransactions())
}

func TestParsePageLockMode(t *testing.T) {
	mode, err := ParsePageLockMode("x")
	require.NoError(t, err)
	assert.Equal(t, PageLockExclusive, mode)

	mode, err = ParsePageLockMode("shared")
	require.NoError(t, err)
	assert.Equal(t, PageLockShared, mode)

	_, err = ParsePageLockMode("intention")
	require.Error(t, err)
}

func TestPageLockModeMatrix(t *testing.T) {
	assert.True(t, PageLockShared.Compatible(PageLockShared))
	assert.False(t, PageLockShared.Compatible(PageLockExclusive))
	assert.False(t, PageLockExclusive.Compatible(PageLockShared))
	assert.False(t, PageLockExclusive.Compatible(PageLockExclusive))

	assert.Equal(t, PageLockExclusive, PageLockShared.Combine(PageLockExclusive))
	assert.True(t, PageLockShared.WeakerOrEqual(PageLockExclusive))
	assert.False(t, PageLockExclusive.WeakerOrEqual(PageLockShared))
}
