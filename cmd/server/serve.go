package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/ledger"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server and the monthly billing scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	scheduler := api.NewBillingScheduler(a.store, a.dispatcher, a.logger)
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	scheduler.CheckInterval = a.cfg.Scheduler.CheckInterval
	scheduler.RunDay = a.cfg.Scheduler.RunDay

	handler := a.opsHandler()
	handler.Now = func() ledger.Period { return ledger.PeriodOf(time.Now().UTC()) }

	server := &http.Server{
		Addr:         a.cfg.Ops.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops server starting", zap.String("addr", a.cfg.Ops.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
		a.logger.Error("ops server failed", zap.Error(serveErr))
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Error("ops server forced to shutdown", zap.Error(err))
	}

	a.logger.Info("server stopped")
	return serveErr
}
