package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/StorageCore/src"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/pkg/utils"
)

// TxnLogger is an append-only write-ahead log kept in a single file.
// AppendUpdate only buffers the record; Flush writes the buffered records and
// fsyncs the file, after which they survive a crash.
type TxnLogger struct {
	fs   afero.Fs
	path string

	// лок на запись логов: порядок номеров записей совпадает с порядком на диске
	seqMu      sync.Mutex
	pending    []byte
	nextLSN    common.LSN
	flushedLSN common.LSN

	logger src.Logger
}

var _ common.RecoveryLog = &TxnLogger{}

// Open opens the log at path, creating it if needed. A torn record at the
// end of the file (a crash in the middle of Flush) is cut off.
func Open(fs afero.Fs, path string, logger src.Logger) (*TxnLogger, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	l := &TxnLogger{
		fs:      fs,
		path:    filepath.Clean(path),
		nextLSN: 1,
		logger:  logger,
	}

	data, err := afero.ReadFile(fs, l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to read log %s: %w", common.ErrStorageFault, l.path, err)
	}

	validEnd := 0
	for validEnd < len(data) {
		r, n, err := decodeRecord(data[validEnd:])
		if err != nil {
			logger.Warnw(
				"truncating log tail",
				"path", l.path,
				"offset", validEnd,
				"size", len(data),
				"reason", err,
			)
			break
		}
		l.nextLSN = r.LSN + 1
		validEnd += n
	}
	l.flushedLSN = l.nextLSN - 1

	if validEnd < len(data) {
		if err := l.truncate(int64(validEnd)); err != nil {
			return nil, err
		}
	}

	logger.Infow("log opened", "path", l.path, "next_lsn", l.nextLSN)
	return l, nil
}

func (l *TxnLogger) truncate(size int64) error {
	file, err := l.fs.OpenFile(l.path, os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: failed to open log %s: %w", common.ErrStorageFault, l.path, err)
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("%w: failed to truncate log %s: %w", common.ErrStorageFault, l.path, err)
	}
	return nil
}

func (l *TxnLogger) AppendUpdate(
	txnID common.TxnID,
	pageIdent common.PageIdentity,
	before []byte,
	after []byte,
) (common.LSN, error) {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	r := UpdateLogRecord{
		LSN:       l.nextLSN,
		TxnID:     txnID,
		PageIdent: pageIdent,
		Before:    before,
		After:     after,
	}
	l.pending = r.appendBinary(l.pending)
	l.nextLSN++

	return r.LSN, nil
}

func (l *TxnLogger) Flush() error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if len(l.pending) == 0 {
		return nil
	}

	file, err := l.fs.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("%w: failed to open log %s: %w", common.ErrStorageFault, l.path, err)
	}
	defer file.Close()

	if _, err := file.Write(l.pending); err != nil {
		return fmt.Errorf("%w: failed to append to log %s: %w", common.ErrStorageFault, l.path, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync log %s: %w", common.ErrStorageFault, l.path, err)
	}

	l.logger.Debugw(
		"log flushed",
		"bytes", len(l.pending),
		"flushed_lsn", l.nextLSN-1,
	)
	l.pending = l.pending[:0]
	l.flushedLSN = l.nextLSN - 1
	return nil
}

// FlushedLSN is the LSN of the last durable record.
func (l *TxnLogger) FlushedLSN() common.LSN {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	return l.flushedLSN
}

// LastLSN is the LSN of the last appended record, durable or not.
func (l *TxnLogger) LastLSN() common.LSN {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	return l.nextLSN - 1
}

// LogRecordsIter walks the durable part of the log in LSN order.
type LogRecordsIter struct {
	data   []byte
	offset int
}

func (l *TxnLogger) Iter() (*LogRecordsIter, error) {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	return ReadLog(l.fs, l.path)
}

// ReadLog opens an iterator over the log file at path without opening it
// for writing.
func ReadLog(fs afero.Fs, path string) (*LogRecordsIter, error) {
	data, err := afero.ReadFile(fs, filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return &LogRecordsIter{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read log %s: %w", common.ErrStorageFault, path, err)
	}

	return &LogRecordsIter{data: utils.CloneBytes(data)}, nil
}

// Next returns the next record; ok is false at the end of the log. A torn
// tail ends the iteration, a checksum mismatch is an error.
func (it *LogRecordsIter) Next() (r UpdateLogRecord, ok bool, err error) {
	if it.offset >= len(it.data) {
		return UpdateLogRecord{}, false, nil
	}

	r, n, err := decodeRecord(it.data[it.offset:])
	if errors.Is(err, errShortRecord) {
		it.offset = len(it.data)
		return UpdateLogRecord{}, false, nil
	}
	if err != nil {
		return UpdateLogRecord{}, false, err
	}

	it.offset += n
	return r, true, nil
}
