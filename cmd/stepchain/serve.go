package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/stepchain/internal/api"
	"github.com/mpataki/stepchain/internal/orchestrator"
	"github.com/mpataki/stepchain/internal/scripts"
	"github.com/mpataki/stepchain/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				cfg.Addr = v
			}
			if v, _ := cmd.Flags().GetString("script"); v != "" {
				cfg.Script = v
			}
			logger := newLogger(cfg)

			if err := cfg.EnsureDataDir(); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			runtime, err := scripts.Open(cfg.Script, cfg.ScriptDirs(), logger)
			if err != nil {
				return fmt.Errorf("failed to load script: %w", err)
			}

			ctx, stop := signalContext()
			defer stop()

			live := scripts.NewLive(runtime)
			if reload, _ := cmd.Flags().GetBool("reload"); reload && runtime.Path() != "" {
				w, err := scripts.NewWatcher(live, runtime.Path(), logger)
				if err != nil {
					return err
				}
				if err := w.Start(ctx); err != nil {
					return err
				}
				defer w.Stop()
			}

			orch := orchestrator.New(store, live, logger)
			recovered, err := orch.RecoverInterrupted()
			if err != nil {
				return fmt.Errorf("failed to recover runs: %w", err)
			}
			if recovered > 0 {
				logger.Warn("failed runs interrupted by a restart", "count", recovered)
			}

			srv := &http.Server{
				Addr: cfg.Addr,
				Handler: (&api.Server{
					Logger:    logger,
					Runs:      orch,
					KeepAlive: cfg.KeepAlive,
				}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", cfg.Addr, "script", runtime.Name())
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					shutdownRuns(orch)
					return err
				}
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			// Open streams end once their runs do, so runs stop first.
			runErr := orch.Shutdown(shutdownCtx)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "err", err)
				srv.Close()
			}
			if runErr != nil {
				logger.Warn("runs did not finish before shutdown", "err", runErr)
			}
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	cmd.Flags().String("script", "", "Script name or path (default: built-in)")
	cmd.Flags().Bool("reload", true, "Reload the script when its file changes; running runs keep the version they started with")
	return cmd
}

func shutdownRuns(orch *orchestrator.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = orch.Shutdown(ctx)
}
