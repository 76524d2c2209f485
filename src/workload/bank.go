package workload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/StorageCore/src"
	"github.com/Blackdeer1524/StorageCore/src/bufferpool"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/storage/page"
	"github.com/Blackdeer1524/StorageCore/src/storage/scan"
	"github.com/Blackdeer1524/StorageCore/src/txns"
)

const accountSize = 8

var ErrInsufficientFunds = errors.New("insufficient funds")

// Bank keeps one account balance per record of a table and moves money
// between accounts in concurrent transactions. The total amount of money
// never changes, whatever transactions abort.
type Bank struct {
	pool    bufferpool.BufferPool
	catalog common.Catalog
	fileID  common.FileID
	logger  src.Logger

	accounts []common.RecordID
}

func NewBank(
	pool bufferpool.BufferPool,
	catalog common.Catalog,
	fileID common.FileID,
	logger src.Logger,
) *Bank {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Bank{
		pool:    pool,
		catalog: catalog,
		fileID:  fileID,
		logger:  logger,
	}
}

func encodeBalance(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func decodeBalance(b []byte) (uint64, error) {
	if len(b) != accountSize {
		return 0, fmt.Errorf("%w: account record of %d bytes", page.ErrSizeMismatch, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Open creates accountsCount accounts holding startBalance each in a single
// transaction.
func (b *Bank) Open(accountsCount int, startBalance uint64) error {
	txnID := common.NewTxnID()

	accounts := make([]common.RecordID, 0, accountsCount)
	for range accountsCount {
		rid, err := b.pool.InsertTuple(txnID, b.fileID, encodeBalance(startBalance))
		if err != nil {
			return errors.Join(err, b.pool.TransactionComplete(txnID, false))
		}
		accounts = append(accounts, rid)
	}

	if err := b.pool.TransactionComplete(txnID, true); err != nil {
		return err
	}
	b.accounts = append(b.accounts, accounts...)
	return nil
}

// Load picks up the accounts already stored in the table.
func (b *Bank) Load() error {
	txnID := common.NewTxnID()

	var accounts []common.RecordID
	it := scan.New(b.pool, b.catalog, txnID, b.fileID, txns.PageLockShared)
	for r, err := range it.All() {
		if err != nil {
			return errors.Join(err, b.pool.TransactionComplete(txnID, false))
		}
		accounts = append(accounts, r.RID)
	}

	if err := b.pool.TransactionComplete(txnID, true); err != nil {
		return err
	}
	b.accounts = accounts
	return nil
}

func (b *Bank) Accounts() []common.RecordID {
	return b.accounts
}

func (b *Bank) balance(txnID common.TxnID, rid common.RecordID) (uint64, error) {
	var res uint64
	err := b.pool.WithPage(txnID, rid.PageIdentity, txns.PageLockShared, func(h *bufferpool.Handle) error {
		return h.Read(func(lockedPage *page.SlottedPage) error {
			data, err := lockedPage.Read(rid.SlotNum)
			if err != nil {
				return err
			}
			res, err = decodeBalance(data)
			return err
		})
	})
	return res, err
}

func (b *Bank) add(txnID common.TxnID, rid common.RecordID, delta int64) error {
	return b.pool.WithPage(txnID, rid.PageIdentity, txns.PageLockExclusive, func(h *bufferpool.Handle) error {
		return h.Write(func(lockedPage *page.SlottedPage) error {
			data, err := lockedPage.Read(rid.SlotNum)
			if err != nil {
				return err
			}
			cur, err := decodeBalance(data)
			if err != nil {
				return err
			}
			//nolint:gosec
			return lockedPage.Update(rid.SlotNum, encodeBalance(uint64(int64(cur)+delta)))
		})
	})
}

// Transfer moves amount from one account to another inside txnID. The
// caller completes the transaction.
func (b *Bank) Transfer(txnID common.TxnID, from, to common.RecordID, amount uint64) error {
	fromBalance, err := b.balance(txnID, from)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, fromBalance, amount)
	}

	//nolint:gosec
	if err := b.add(txnID, from, -int64(amount)); err != nil {
		return err
	}
	//nolint:gosec
	return b.add(txnID, to, int64(amount))
}

// Total sums up every balance in one read-only transaction.
func (b *Bank) Total() (uint64, error) {
	txnID := common.NewTxnID()

	total := uint64(0)
	it := scan.New(b.pool, b.catalog, txnID, b.fileID, txns.PageLockShared)
	for r, err := range it.All() {
		if err != nil {
			return 0, errors.Join(err, b.pool.TransactionComplete(txnID, false))
		}
		v, err := decodeBalance(r.Data)
		if err != nil {
			return 0, errors.Join(err, b.pool.TransactionComplete(txnID, false))
		}
		total += v
	}
	return total, b.pool.TransactionComplete(txnID, true)
}

type Config struct {
	Transactions int
	Workers      int
	MaxAmount    uint64
	MaxRetries   int
	// upper bound of the random pause before a retry
	RetryJitter time.Duration
}

type Stats struct {
	Committed    uint64
	Aborted      uint64
	Retries      uint64
	Insufficient uint64
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"committed=%d aborted=%d retries=%d insufficient=%d",
		s.Committed,
		s.Aborted,
		s.Retries,
		s.Insufficient,
	)
}

type counters struct {
	committed    atomic.Uint64
	aborted      atomic.Uint64
	retries      atomic.Uint64
	insufficient atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Committed:    c.committed.Load(),
		Aborted:      c.aborted.Load(),
		Retries:      c.retries.Load(),
		Insufficient: c.insufficient.Load(),
	}
}

// Run executes cfg.Transactions random transfers on a pool of cfg.Workers
// goroutines. Transfers aborted by the deadlock policy are retried up to
// cfg.MaxRetries times. Only non-retryable engine failures are returned.
func (b *Bank) Run(ctx context.Context, cfg Config) (Stats, error) {
	if len(b.accounts) < 2 {
		return Stats{}, fmt.Errorf("need at least 2 accounts, have %d", len(b.accounts))
	}
	if cfg.MaxAmount == 0 {
		cfg.MaxAmount = 1
	}

	workerPool, err := ants.NewPool(max(cfg.Workers, 1))
	if err != nil {
		return Stats{}, err
	}
	defer workerPool.Release()

	var (
		wg  sync.WaitGroup
		cnt counters

		errMu  sync.Mutex
		runErr error
	)

	for i := range cfg.Transactions {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		err := workerPool.Submit(func() {
			defer wg.Done()

			if err := b.transferWithRetries(ctx, cfg, &cnt); err != nil {
				errMu.Lock()
				runErr = errors.Join(runErr, err)
				errMu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			return cnt.stats(), fmt.Errorf("failed to submit transfer %d: %w", i, err)
		}
	}
	wg.Wait()

	stats := cnt.stats()
	b.logger.Infow("workload finished", "stats", stats.String())
	if runErr == nil {
		runErr = ctx.Err()
	}
	return stats, runErr
}

func (b *Bank) transferWithRetries(ctx context.Context, cfg Config, cnt *counters) error {
	from, to := b.pickPair()
	amount := rand.Uint64N(cfg.MaxAmount) + 1 //nolint:gosec

	for attempt := 0; ; attempt++ {
		txnID := common.NewTxnID()

		err := b.Transfer(txnID, from, to, amount)
		if err == nil {
			err = b.pool.TransactionComplete(txnID, true)
			if err == nil {
				cnt.committed.Add(1)
				return nil
			}
		} else if abortErr := b.pool.TransactionComplete(txnID, false); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		cnt.aborted.Add(1)

		switch {
		case errors.Is(err, ErrInsufficientFunds):
			cnt.insufficient.Add(1)
			return nil
		case !common.IsRetryable(err):
			return err
		case attempt >= cfg.MaxRetries || ctx.Err() != nil:
			b.logger.Debugw("giving up on transfer", "from", from, "to", to, "error", err)
			return nil
		}

		cnt.retries.Add(1)
		if cfg.RetryJitter > 0 {
			time.Sleep(rand.N(cfg.RetryJitter)) //nolint:gosec
		}
	}
}

func (b *Bank) pickPair() (common.RecordID, common.RecordID) {
	n := len(b.accounts)
	i := rand.IntN(n)     //nolint:gosec
	j := rand.IntN(n - 1) //nolint:gosec
	if j >= i {
		j++
	}
	return b.accounts[i], b.accounts[j]
}
