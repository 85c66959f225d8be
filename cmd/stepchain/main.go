package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/stepchain/internal/client"
	"github.com/mpataki/stepchain/internal/config"
	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/reducer"
	"github.com/mpataki/stepchain/internal/resilience"
	"github.com/mpataki/stepchain/internal/scripts"
	"github.com/mpataki/stepchain/internal/storage"
	"github.com/mpataki/stepchain/internal/stream"
	"github.com/mpataki/stepchain/internal/tui"
	"github.com/mpataki/stepchain/internal/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "stepchain",
		Short:         "Plan, execute and verify multi-step runs",
		Long:          "stepchain runs problems through a plan/execute/verify loop and streams their progress as events.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runTUI,
	}

	rootCmd.PersistentFlags().String("server", "", "Coordinator URL (default from config)")
	rootCmd.PersistentFlags().String("transport", "", "Stream transport: sse or ws (default from config)")
	rootCmd.Flags().String("watch", "", "Open the live view of a run")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newSchemaCommand())
	rootCmd.AddCommand(newScriptsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Transport = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// remote bundles what the client-side commands need.
type remote struct {
	cfg     *config.Config
	client  *client.Client
	dialer  stream.Dialer
	streams *stream.Manager
}

func newRemote(cmd *cobra.Command) (*remote, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	c := client.New(cfg.ServerURL)
	dialer, err := c.Dialer(cfg.Transport)
	if err != nil {
		return nil, err
	}
	return &remote{
		cfg:     cfg,
		client:  c,
		dialer:  dialer,
		streams: stream.NewManager(dialer, logger),
	}, nil
}

func (r *remote) retryConfig() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxRetries = r.cfg.ReconnectRetries
	return rc
}

// follow prints a run's events until it ends and returns an error unless it
// completed.
func (r *remote) follow(ctx context.Context, runID string, quiet bool) error {
	p := newPrinter(os.Stdout, quiet)
	state, err := r.streams.Follow(ctx, runID, stream.Callbacks{
		OnEvent: p.event,
		OnTransportError: func(err error, _ models.RunState) {
			fmt.Fprintf(os.Stderr, "stream interrupted: %v\n", err)
		},
	}, r.retryConfig())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Detached from run %s; it keeps running.\n", runID)
			return nil
		}
		return fmt.Errorf("stream for run %s ended without an outcome (the run may still be in progress): %w", runID, err)
	}
	p.summary(state)
	if state.Status == models.RunStatusFailed {
		return fmt.Errorf("run %s failed", runID)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTUI(cmd *cobra.Command, args []string) error {
	r, err := newRemote(cmd)
	if err != nil {
		return err
	}

	// Logging to stderr would tear the alternate screen.
	streams := stream.NewManager(r.dialer, slog.New(slog.DiscardHandler))

	app := tui.NewApp(r.client, streams)
	if runID, _ := cmd.Flags().GetString("watch"); runID != "" {
		app.Open(runID)
	}
	p := tea.NewProgram(app, tea.WithAltScreen())
	app.Attach(p)

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <problem>",
		Short: "Start a new run and follow it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detach, _ := cmd.Flags().GetBool("detach")
			quiet, _ := cmd.Flags().GetBool("quiet")

			r, err := newRemote(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			runID, err := r.client.CreateRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to create run: %w", err)
			}

			fmt.Printf("Created run %s\n", runID)
			if detach {
				return nil
			}
			return r.follow(ctx, runID, quiet)
		},
	}

	cmd.Flags().BoolP("detach", "d", false, "Print the run id and exit without following")
	cmd.Flags().BoolP("quiet", "q", false, "Only print the outcome")
	return cmd
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's events until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quiet, _ := cmd.Flags().GetBool("quiet")

			r, err := newRemote(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return r.follow(ctx, args[0], quiet)
		},
	}

	cmd.Flags().BoolP("quiet", "q", false, "Only print the outcome")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRemote(cmd)
			if err != nil {
				return err
			}

			resp, err := r.client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			run := resp.Run
			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Problem: %s\n", run.Problem)
			if run.TotalSteps > 0 {
				fmt.Printf("Progress: %d/%d\n", min(run.CurrentStepIndex, run.TotalSteps), run.TotalSteps)
			}
			fmt.Printf("Created: %s\n", storage.FormatTimeAgo(run.CreatedAt))
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}

			if len(resp.State.Steps) > 0 {
				fmt.Println("\nSteps:")
				for _, step := range resp.State.Steps {
					fmt.Printf("  %d. %s [%s]\n", step.StepNumber, step.Description, step.Verification)
					if step.VerificationReason != "" {
						fmt.Printf("     %s\n", step.VerificationReason)
					}
				}
			}
			if run.FinalOutput != "" {
				fmt.Printf("\nFinal output:\n%s\n", run.FinalOutput)
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			r, err := newRemote(cmd)
			if err != nil {
				return err
			}

			runs, err := r.client.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s [%s] %s  %s\n",
					run.ID, run.Status, storage.FormatTimeAgo(run.CreatedAt),
					truncate(run.Problem, 50))
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Maximum number of runs")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRemote(cmd)
			if err != nil {
				return err
			}
			if err := r.client.CancelRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to cancel run: %w", err)
			}
			fmt.Printf("Cancelled run %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRemote(cmd)
			if err != nil {
				return err
			}
			if err := r.client.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}
			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	}
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a run's record and event log to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.ExportsDir()
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			run, err := store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			evs, err := store.EventsAfter(run.ID, 0)
			if err != nil {
				return err
			}
			state := reducer.Replay(models.NewRunState(run.ID), evs...)

			w, err := workspace.Export(dir, run, state, evs)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d events to %s\n", len(evs), w.Path)
			return nil
		},
	}

	cmd.Flags().String("dir", "", "Export directory (default $STEPCHAIN_DATA_DIR/exports)")
	return cmd
}

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <events.ndjson>",
		Short: "Fold a recorded event log and print the resulting state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := workspace.ReadEventsFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}

			state := models.NewRunState("")
			for _, ev := range evs {
				var out reducer.Outcome
				state, out = reducer.Apply(state, ev)
				if out.Kind != reducer.Applied || out.Reason != "" {
					fmt.Fprintf(os.Stderr, "event %d (%s): %s %s\n", ev.Seq, ev.Type, out.Kind, out.Reason)
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of every event payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(events.Schemas())
		},
	}
}

func newScriptsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scripts",
		Short: "List available run scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			found, err := scripts.LoadAll(cfg.ScriptDirs())
			if err != nil {
				return fmt.Errorf("failed to load scripts: %w", err)
			}

			fmt.Println("default (built in)")
			for _, s := range found {
				fmt.Printf("%s  %s\n", s.Name, s.Path)
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
