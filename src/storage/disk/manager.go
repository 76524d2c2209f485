package disk

import (
	"fmt"
	"maps"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

// Manager is the catalog of page stores: it resolves a table's FileID to the
// Store of the file the table lives in.
type Manager struct {
	fs       afero.Fs
	pageSize int

	mu           sync.RWMutex
	fileIDToPath map[common.FileID]string
	stores       map[common.FileID]*Store
}

var _ common.Catalog = &Manager{}

func New(
	fs afero.Fs,
	pageSize int,
	fileIDToPath map[common.FileID]string,
) *Manager {
	if fileIDToPath == nil {
		fileIDToPath = map[common.FileID]string{}
	}

	return &Manager{
		fs:           fs,
		pageSize:     pageSize,
		fileIDToPath: maps.Clone(fileIDToPath),
		stores:       map[common.FileID]*Store{},
	}
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

func (m *Manager) ResolveStore(fileID common.FileID) (common.PageStore, error) {
	return m.Store(fileID)
}

// Store is ResolveStore with the concrete type.
func (m *Manager) Store(fileID common.FileID) (*Store, error) {
	m.mu.RLock()
	s, ok := m.stores[fileID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[fileID]; ok {
		return s, nil
	}

	path, ok := m.fileIDToPath[fileID]
	if !ok {
		return nil, fmt.Errorf(
			"%w: fileID %d not found in path map",
			common.ErrStorageFault,
			fileID,
		)
	}

	s = NewStore(m.fs, path, m.pageSize)
	m.stores[fileID] = s
	return s, nil
}

func (m *Manager) UpdateFileMap(mp map[common.FileID]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileIDToPath = maps.Clone(mp)
	m.stores = map[common.FileID]*Store{}
}

func (m *Manager) InsertToFileMap(id common.FileID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileIDToPath[id] = path
	delete(m.stores, id)
}

// FileIDs returns every registered table id.
func (m *Manager) FileIDs() []common.FileID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]common.FileID, 0, len(m.fileIDToPath))
	for id := range m.fileIDToPath {
		res = append(res, id)
	}
	return res
}
