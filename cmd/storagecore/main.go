package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/StorageCore/src/app"
	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
	"github.com/Blackdeer1524/StorageCore/src/recovery"
	"github.com/Blackdeer1524/StorageCore/src/storage/scan"
	"github.com/Blackdeer1524/StorageCore/src/txns"
	"github.com/Blackdeer1524/StorageCore/src/workload"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "storagecore",
		Short:         "Transactional page cache playground",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", ".env", "dotenv file with STORAGE_* variables")

	root.AddCommand(workloadCmd(), inspectCmd(), dumpLogCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func withEngine(ctx context.Context, fn func(e *app.Entrypoint) error) (err error) {
	e := &app.Entrypoint{ConfigPath: configPath}
	if err := e.Init(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.Close())
	}()

	return fn(e)
}

func workloadCmd() *cobra.Command {
	var (
		table    uint64
		accounts int
		balance  uint64
		cfg      workload.Config
	)

	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Run random money transfers between accounts of a table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), func(e *app.Entrypoint) error {
				fileID := common.FileID(table)
				e.RegisterTable(fileID)

				bank := workload.NewBank(e.Pool(), e.Catalog(), fileID, e.Logger())
				if err := bank.Load(); err != nil {
					return err
				}
				if len(bank.Accounts()) == 0 {
					if err := bank.Open(accounts, balance); err != nil {
						return err
					}
				}

				before, err := bank.Total()
				if err != nil {
					return err
				}

				stats, err := bank.Run(cmd.Context(), cfg)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}

				after, err := bank.Total()
				if err != nil {
					return err
				}

				cmd.Printf("%s\n", stats)
				cmd.Printf("accounts=%d total before=%d after=%d\n", len(bank.Accounts()), before, after)
				if before != after {
					return fmt.Errorf("total changed from %d to %d", before, after)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.Uint64Var(&table, "table", 1, "table id")
	flags.IntVar(&accounts, "accounts", 100, "number of accounts to create in an empty table")
	flags.Uint64Var(&balance, "balance", 1000, "start balance of a created account")
	flags.IntVar(&cfg.Transactions, "txns", 1000, "number of transfers")
	flags.IntVar(&cfg.Workers, "workers", 16, "number of concurrent transactions")
	flags.Uint64Var(&cfg.MaxAmount, "max-amount", 100, "upper bound of a transferred amount")
	flags.IntVar(&cfg.MaxRetries, "retries", 3, "retries of a transfer aborted on a deadlock")
	flags.DurationVar(&cfg.RetryJitter, "retry-jitter", 0, "upper bound of the pause before a retry")
	return cmd
}

func inspectCmd() *cobra.Command {
	var (
		table   uint64
		records bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print page and record counts of a table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), func(e *app.Entrypoint) error {
				fileID := common.FileID(table)
				e.RegisterTable(fileID)

				store, err := e.Catalog().Store(fileID)
				if err != nil {
					return err
				}
				numPages, err := store.NumPages()
				if err != nil {
					return err
				}

				txnID := common.NewTxnID()
				count, size := 0, 0
				it := scan.New(e.Pool(), e.Catalog(), txnID, fileID, txns.PageLockShared)
				for r, err := range it.All() {
					if err != nil {
						return errors.Join(err, e.Pool().TransactionComplete(txnID, false))
					}
					count++
					size += len(r.Data)
					if records {
						cmd.Printf("%s\t%x\n", r.RID, r.Data)
					}
				}
				if err := e.Pool().TransactionComplete(txnID, true); err != nil {
					return err
				}

				cmd.Printf(
					"table=%d path=%s pages=%d records=%d bytes=%d resident=%d/%d\n",
					fileID,
					store.Path(),
					numPages,
					count,
					size,
					e.Pool().Size(),
					e.Pool().Capacity(),
				)
				return nil
			})
		},
	}

	cmd.Flags().Uint64Var(&table, "table", 1, "table id")
	cmd.Flags().BoolVar(&records, "records", false, "print every record")
	return cmd
}

func dumpLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-log",
		Short: "Print the records of the recovery log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := &app.Entrypoint{ConfigPath: configPath}
			if err := e.LoadEnv(); err != nil {
				return err
			}

			it, err := recovery.ReadLog(afero.NewOsFs(), e.LogPath())
			if err != nil {
				return err
			}

			n := 0
			for {
				r, ok, err := it.Next()
				if err != nil {
					return fmt.Errorf("record #%d: %w", n, err)
				}
				if !ok {
					break
				}
				cmd.Println(r.String())
				n++
			}
			cmd.Printf("%d records\n", n)
			return nil
		},
	}
}
