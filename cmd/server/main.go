/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the dues engine. Wires configuration, logging,
  the SQLite store, metrics and the ledger services, then runs one of:

COMMANDS:
  serve                                   Ops server plus monthly scheduler
  generate --tenant T --period 2025-03    One billing run, printed as a report
  credit balance --unit U                 Current credit balance
  credit history --unit U [--limit N]     Credit entries, newest first
  credit verify --unit U                  Replay entries against the balance
  summary --tenant T [--from D --to D]    Posted income and expense by category

CONFIGURATION:
  --config points at an optional TOML file. A .env file in the working
  directory and DUES_* environment variables override it (see config/).

EXAMPLES:
  # Serve with an in-memory database
  DUES_DB_PATH=":memory:" ./server serve

  # Bill one tenant for March
  ./server generate --tenant hoa-1 --period 2025-03

SEE ALSO:
  - api/server.go: Ops router
  - api/scheduler.go: Monthly scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/observability"
	"github.com/warp/dues-engine/store/sqlite"
	"github.com/warp/dues-engine/tasks"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Multi-tenant dues ledger and billing engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is every long-lived dependency, built once per command.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *sqlite.Store
	metrics    *observability.Metrics
	credit     *ledger.CreditAccounts
	ledger     *ledger.TransactionLedger
	billing    *ledger.BillingCycleGenerator
	registry   *tasks.Registry
	dispatcher *tasks.LocalDispatcher
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	metrics := observability.NewMetrics()
	opts := ledger.Options{
		Logger:           logger,
		Metrics:          metrics,
		DefaultGraceDays: cfg.Billing.DefaultGraceDays,
	}

	credit := ledger.NewCreditAccounts(store, opts)
	billing := ledger.NewBillingCycleGenerator(store, store, store, credit, opts)
	billing.SetConcurrency(cfg.Billing.Concurrency)

	registry := tasks.NewRegistry()
	dispatcher := tasks.NewLocalDispatcher(registry, logger, cfg.Billing.Concurrency)
	dispatcher.Recorder = metrics
	billingTasks := &tasks.BillingTasks{
		Generator:  billing,
		Units:      store,
		Dispatcher: dispatcher,
		Logger:     logger,
	}
	if err := billingTasks.Register(registry); err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		metrics:    metrics,
		credit:     credit,
		ledger:     ledger.NewTransactionLedger(store, store, store, credit, opts),
		billing:    billing,
		registry:   registry,
		dispatcher: dispatcher,
	}, nil
}

func (a *app) close() {
	a.dispatcher.Wait()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) opsHandler() *api.Handler {
	return &api.Handler{
		Store:      a.store,
		Registry:   a.registry,
		Dispatcher: a.dispatcher,
		Credit:     a.credit,
		Gatherer:   a.metrics.Registry,
		Logger:     a.logger,
	}
}
