/**
 * @description
 * Entry point for the payout settlement service.
 *
 * Commands:
 * - serve (default): HTTP API plus the cron scheduler.
 * - run: a single settlement run, report printed as JSON.
 * - reconcile: a single reconciliation pass over stuck payouts.
 * - migrate: apply the payout schema.
 */
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/beatnyk77/vibepe/internal/api"
	"github.com/beatnyk77/vibepe/internal/app"
	"github.com/beatnyk77/vibepe/internal/config"
	"github.com/beatnyk77/vibepe/internal/store"
	"github.com/beatnyk77/vibepe/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vibepe",
		Short:         "Payout settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), serve)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP API and the job scheduler",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), serve)
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Run one settlement pass and print the report",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), runOnce)
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Resolve payouts stuck in processing against provider state",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), reconcileOnce)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the payout schema to the ledger database",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), migrate)
			},
		},
	)
	return root
}

// withRuntime loads configuration, builds the service graph and runs fn with a
// context that is cancelled on SIGINT or SIGTERM.
func withRuntime(parent context.Context, fn func(context.Context, *runtime) error) error {
	if parent == nil {
		parent = context.Background()
	}
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise service", "error", err)
		return err
	}
	defer rt.Close()

	if err := fn(ctx, rt); err != nil {
		logger.Error("command failed", "error", err)
		return err
	}
	return nil
}

func serve(ctx context.Context, rt *runtime) error {
	logger := rt.logger

	scheduler := app.NewScheduler(rt.jobs, logger, *rt.cfg)
	scheduler.Start(ctx)

	handler := api.NewHandler(rt.jobs, rt.repo, rt.metrics, logger)
	router := api.NewRouter(handler, rt.cfg.InternalAPIKey, rt.cfg.CORSOrigins(), rt.metrics.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", rt.cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", rt.cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed to start", "error", err)
			<-scheduler.Stop().Done()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Wait for an in-flight run to finish its current groups.
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(rt.cfg.RunLockTTL):
		logger.Warn("scheduler did not stop before the run lock expired")
	}

	logger.Info("server stopped")
	return nil
}

func runOnce(ctx context.Context, rt *runtime) error {
	report, err := rt.jobs.RunSettlement(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func reconcileOnce(ctx context.Context, rt *runtime) error {
	report, err := rt.jobs.Reconcile(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func migrate(ctx context.Context, rt *runtime) error {
	applied, err := store.Migrate(ctx, rt.pool)
	if err != nil {
		return err
	}
	rt.logger.Info("payout schema applied", "files", applied)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
