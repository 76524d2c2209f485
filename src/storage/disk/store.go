package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/StorageCore/src/pkg/assert"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

// Store maps page numbers to fixed-size regions of one file: page n lives at
// [n*pageSize, (n+1)*pageSize). Every call opens the file, so a Store keeps no
// descriptors between calls.
type Store struct {
	fs       afero.Fs
	path     string
	pageSize int

	// serialises AllocatePage so two callers never get the same page
	allocMu sync.Mutex
}

var _ common.PageStore = &Store{}

func NewStore(fs afero.Fs, path string, pageSize int) *Store {
	assert.Assert(pageSize > 0, "page size must be positive")

	return &Store{
		fs:       fs,
		path:     filepath.Clean(path),
		pageSize: pageSize,
	}
}

func (s *Store) PageSize() int {
	return s.pageSize
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) offset(pageID common.PageID) int64 {
	//nolint:gosec
	return int64(pageID) * int64(s.pageSize)
}

func (s *Store) ReadPage(pageID common.PageID, dst []byte) error {
	assert.Assert(len(dst) == s.pageSize, "buffer size %d != page size %d", len(dst), s.pageSize)

	file, err := s.fs.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		clear(dst)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %w", common.ErrStorageFault, s.path, err)
	}
	defer file.Close()

	n, err := file.ReadAt(dst, s.offset(pageID))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf(
			"%w: failed to read page %d of %s: %w",
			common.ErrStorageFault,
			pageID,
			s.path,
			err,
		)
	}

	// the page is allocated lazily: whatever lies past the end reads as zeroes
	clear(dst[n:])
	return nil
}

func (s *Store) WritePage(pageID common.PageID, data []byte) error {
	if len(data) != s.pageSize {
		return fmt.Errorf(
			"%w: page image is %d bytes, expected %d",
			common.ErrStorageFault,
			len(data),
			s.pageSize,
		)
	}

	file, err := s.fs.OpenFile(s.path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %w", common.ErrStorageFault, s.path, err)
	}
	defer file.Close()

	if _, err = file.WriteAt(data, s.offset(pageID)); err != nil {
		return fmt.Errorf(
			"%w: failed to write page %d of %s: %w",
			common.ErrStorageFault,
			pageID,
			s.path,
			err,
		)
	}
	return nil
}

func (s *Store) NumPages() (uint64, error) {
	info, err := s.fs.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to stat %s: %w", common.ErrStorageFault, s.path, err)
	}

	size := uint64(info.Size())     //nolint:gosec
	pageSize := uint64(s.pageSize) //nolint:gosec
	return (size + pageSize - 1) / pageSize, nil
}

func (s *Store) AllocatePage() (common.PageID, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	n, err := s.NumPages()
	if err != nil {
		return 0, err
	}

	pageID := common.PageID(n)
	if err := s.WritePage(pageID, make([]byte, s.pageSize)); err != nil {
		return 0, err
	}
	return pageID, nil
}

func (s *Store) Sync() error {
	file, err := s.fs.OpenFile(s.path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %w", common.ErrStorageFault, s.path, err)
	}
	defer file.Close()

	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync %s: %w", common.ErrStorageFault, s.path, err)
	}
	return nil
}
