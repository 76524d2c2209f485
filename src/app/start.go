package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/StorageCore/src"
	"github.com/Blackdeer1524/StorageCore/src/bufferpool"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/pkg/utils"
	"github.com/Blackdeer1524/StorageCore/src/recovery"
	"github.com/Blackdeer1524/StorageCore/src/storage/disk"
)

// Entrypoint owns the engine components of one process: the table catalog,
// the recovery log and the buffer pool on top of them.
type Entrypoint struct {
	ConfigPath string
	Env        envVars

	fs      afero.Fs
	catalog *disk.Manager
	txnLog  *recovery.TxnLogger
	pool    *bufferpool.Manager
	log     src.Logger
}

func (e *Entrypoint) Init(_ context.Context) error {
	e.Env = mustLoadEnv(e.ConfigPath)

	var log src.Logger
	if e.Env.Environment == EnvDev {
		log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		log = utils.Must(zap.NewProduction()).Sugar()
	}
	e.log = log

	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	return e.build()
}

// LoadEnv only reads the configuration, no component is created.
func (e *Entrypoint) LoadEnv() (err error) {
	e.Env, err = loadEnv(e.ConfigPath)
	return err
}

func (e *Entrypoint) build() error {
	policy, err := bufferpool.ParseDeadlockPolicy(e.Env.DeadlockPolicy)
	if err != nil {
		return err
	}

	if err := e.fs.MkdirAll(e.Env.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", e.Env.DataDir, err)
	}

	e.catalog = disk.New(e.fs, e.Env.PageSize, nil)

	e.txnLog, err = recovery.Open(e.fs, e.LogPath(), e.log)
	if err != nil {
		return err
	}

	e.pool = bufferpool.New(
		e.Env.PoolCapacity,
		e.catalog,
		e.txnLog,
		bufferpool.WithLogger(e.log),
		bufferpool.WithPageSize(e.Env.PageSize),
		bufferpool.WithLockTimeout(e.Env.LockTimeout),
		bufferpool.WithDeadlockPolicy(policy),
	)

	e.log.Infow(
		"storage engine initialized",
		"data_dir", e.Env.DataDir,
		"page_size", e.Env.PageSize,
		"capacity", e.Env.PoolCapacity,
		"lock_timeout", e.Env.LockTimeout,
		"deadlock_policy", policy,
	)
	return nil
}

// LogPath is the location of the recovery log file.
func (e *Entrypoint) LogPath() string {
	if filepath.IsAbs(e.Env.LogFile) {
		return e.Env.LogFile
	}
	return filepath.Join(e.Env.DataDir, e.Env.LogFile)
}

// TablePath is the file table fileID is stored in.
func (e *Entrypoint) TablePath(fileID common.FileID) string {
	return filepath.Join(e.Env.DataDir, fmt.Sprintf("table_%d.dat", fileID))
}

// RegisterTable makes fileID resolvable through the catalog.
func (e *Entrypoint) RegisterTable(fileID common.FileID) {
	e.catalog.InsertToFileMap(fileID, e.TablePath(fileID))
}

func (e *Entrypoint) Pool() *bufferpool.Manager {
	return e.pool
}

func (e *Entrypoint) Catalog() *disk.Manager {
	return e.catalog
}

func (e *Entrypoint) TxnLog() *recovery.TxnLogger {
	return e.txnLog
}

func (e *Entrypoint) Fs() afero.Fs {
	return e.fs
}

func (e *Entrypoint) Logger() src.Logger {
	return e.log
}

// Close writes every dirty page back and syncs the logger.
func (e *Entrypoint) Close() (err error) {
	if e.pool != nil {
		err = e.pool.FlushAllPages()
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("failed to flush buffer pool", zap.Error(err))
		}

		// syncing stderr fails with EINVAL on linux terminals
		if logErr := e.log.Sync(); logErr != nil {
			e.log.Debugw("failed to sync logger", zap.Error(logErr))
		}
	}

	return
}
