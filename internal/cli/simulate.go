package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wholehead-labs/wholehead-cli/internal/config"
	"github.com/wholehead-labs/wholehead-cli/internal/events"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
	"github.com/wholehead-labs/wholehead-cli/internal/runqueue"
)

// newSimulateCmd creates the 'simulate' command: run a field-simulation
// batch against a finished segmentation session, one task at a time.
func newSimulateCmd() *cobra.Command {
	var (
		modelsFlag  string
		solversFlag string
	)

	cmd := &cobra.Command{
		Use:   "simulate <session-id>",
		Short: "Run field simulations over a session's models, serialized",
		Long: `Run field simulations against a finished segmentation session.

The batch is the Cartesian product of --models and --solvers. The backend
hosts a single solver engine, so tasks run strictly one at a time in a
fixed model-major order. A failed task is recorded and skipped; the rest
of the batch still runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjects := splitList(modelsFlag)
			variants := splitList(solversFlag)
			if len(subjects) == 0 || len(variants) == 0 {
				return fmt.Errorf("--models and --solvers must both be non-empty")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runSimulate(cmd.Context(), cfg, args[0], subjects, variants)
		},
	}

	cmd.Flags().StringVarP(&modelsFlag, "models", "m", "", "Segmentation models to simulate, comma-separated (e.g. grace-native,domino-native)")
	cmd.Flags().StringVar(&solversFlag, "solvers", "", "Solvers to run per model, comma-separated (e.g. fem,bem)")
	_ = cmd.MarkFlagRequired("models")
	_ = cmd.MarkFlagRequired("solvers")

	return cmd
}

func splitList(flag string) []string {
	var out []string
	for _, entry := range strings.Split(flag, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func runSimulate(ctx context.Context, cfg *config.Config, sessionID string, subjects, variants []string) error {
	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}
	scfg, err := newStreamConfig(cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus(0)
	defer bus.Close()
	watch := bus.SubscribeAll()

	scheduler := runqueue.New(sessionID, client, newMinter(cfg), newRunDialer(scfg), bus,
		runqueue.Options{
			BackoffBase:   cfg.BackoffBase(),
			BackoffCap:    cfg.BackoffCap(),
			MaxReconnects: cfg.Client.MaxReconnects,
		})
	defer scheduler.Close()

	if err := scheduler.EnqueueAll(subjects, variants); err != nil {
		return err
	}
	fmt.Printf("Batch of %d simulation(s) queued for session %s\n", len(subjects)*len(variants), sessionID)
	scheduler.Advance(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watch:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case *events.RunTaskEvent:
				printRunTask(e.Task)
			case *events.BatchDoneEvent:
				fmt.Printf("\nBatch done: %d completed, %d failed (%d%% aggregate)\n",
					e.Completed, e.Failed, scheduler.Aggregate())
				if e.Failed > 0 {
					return fmt.Errorf("%d simulation(s) failed", e.Failed)
				}
				return nil
			case *events.ReconnectEvent:
				fmt.Printf("connection lost, retrying in %s (attempt %d)\n", e.Delay, e.Attempt)
			}

		case <-ticker.C:
			if scheduler.Done() {
				// The done notice was published before we subscribed or
				// got dropped; settle from the snapshot.
				completed, failed := tally(scheduler.Snapshot())
				fmt.Printf("\nBatch done: %d completed, %d failed (%d%% aggregate)\n",
					completed, failed, scheduler.Aggregate())
				if failed > 0 {
					return fmt.Errorf("%d simulation(s) failed", failed)
				}
				return nil
			}
		}
	}
}

func printRunTask(task models.RunTask) {
	switch task.Status {
	case models.RunRunning:
		if task.Step != "" {
			fmt.Printf("%-24s %3d%%  %s\n", task.Key, task.Progress, task.Step)
		} else {
			fmt.Printf("%-24s started\n", task.Key)
		}
	case models.RunComplete:
		fmt.Printf("%-24s complete\n", task.Key)
	case models.RunError:
		fmt.Printf("%-24s failed: %s\n", task.Key, task.Err)
	}
}

func tally(tasks []models.RunTask) (completed, failed int) {
	for _, task := range tasks {
		switch task.Status {
		case models.RunComplete:
			completed++
		case models.RunError:
			failed++
		}
	}
	return completed, failed
}
