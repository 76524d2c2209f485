package disk

import (
	"bytes"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

const testPageSize = 64

func TestStoreReadPastEndIsZeroed(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/data/t", testPageSize)

	n, err := s.NumPages()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	dst := bytes.Repeat([]byte{0xFF}, testPageSize)
	require.NoError(t, s.ReadPage(3, dst))
	assert.Equal(t, make([]byte, testPageSize), dst)
}

func TestStoreWriteRead(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/data/t", testPageSize)

	img := bytes.Repeat([]byte{7}, testPageSize)
	require.NoError(t, s.WritePage(2, img))

	n, err := s.NumPages()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	dst := make([]byte, testPageSize)
	require.NoError(t, s.ReadPage(2, dst))
	assert.Equal(t, img, dst)

	// the gap before page 2 reads as empty pages
	require.NoError(t, s.ReadPage(0, dst))
	assert.Equal(t, make([]byte, testPageSize), dst)

	raw, err := afero.ReadFile(fs, "/data/t")
	require.NoError(t, err)
	assert.Equal(t, img, raw[2*testPageSize:])

	err = s.WritePage(0, img[:10])
	require.ErrorIs(t, err, common.ErrStorageFault)
}

func TestStoreShortTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/t", bytes.Repeat([]byte{1}, testPageSize+5), 0o600))

	s := NewStore(fs, "/data/t", testPageSize)
	n, err := s.NumPages()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	dst := make([]byte, testPageSize)
	require.NoError(t, s.ReadPage(1, dst))
	assert.Equal(t, bytes.Repeat([]byte{1}, 5), dst[:5])
	assert.Equal(t, make([]byte, testPageSize-5), dst[5:])
}

func TestStoreAllocatePageConcurrently(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/data/t", testPageSize)

	const workers = 16

	var wg sync.WaitGroup
	ids := make(chan common.PageID, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pageID, err := s.AllocatePage()
			assert.NoError(t, err)
			ids <- pageID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[common.PageID]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, workers)

	n, err := s.NumPages()
	require.NoError(t, err)
	assert.Equal(t, uint64(workers), n)
}

func TestStoreSync(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/data/t", testPageSize)

	require.NoError(t, s.Sync())
	_, err := fs.Stat("/data/t")
	require.NoError(t, err)
}

func TestStoreFaultsAreWrapped(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	s := NewStore(fs, "/data/t", testPageSize)

	err := s.WritePage(0, make([]byte, testPageSize))
	require.ErrorIs(t, err, common.ErrStorageFault)
	assert.Equal(t, common.KindStorageFault, common.KindOf(err))

	_, err = s.AllocatePage()
	require.ErrorIs(t, err, common.ErrStorageFault)
}

func TestManagerResolveStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := New(fs, testPageSize, map[common.FileID]string{1: "/data/a"})

	s1, err := m.ResolveStore(1)
	require.NoError(t, err)
	s2, err := m.ResolveStore(1)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, testPageSize, s1.PageSize())

	_, err = m.ResolveStore(2)
	require.ErrorIs(t, err, common.ErrStorageFault)

	m.InsertToFileMap(2, "/data/b")
	s, err := m.Store(2)
	require.NoError(t, err)
	assert.Equal(t, "/data/b", s.Path())
	assert.ElementsMatch(t, []common.FileID{1, 2}, m.FileIDs())

	m.UpdateFileMap(map[common.FileID]string{3: "/data/c"})
	_, err = m.ResolveStore(1)
	require.ErrorIs(t, err, common.ErrStorageFault)
	assert.Equal(t, []common.FileID{3}, m.FileIDs())
}
