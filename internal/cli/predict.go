package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wholehead-labs/wholehead-cli/internal/api"
	"github.com/wholehead-labs/wholehead-cli/internal/config"
	"github.com/wholehead-labs/wholehead-cli/internal/events"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
	"github.com/wholehead-labs/wholehead-cli/internal/progress"
	"github.com/wholehead-labs/wholehead-cli/internal/session"
)

// newPredictCmd creates the 'predict' command: submit a scan and watch it
// through to completion.
func newPredictCmd() *cobra.Command {
	var (
		modelsFlag string
		spaceFlag  string
		outputDir  string
		noWatch    bool
	)

	cmd := &cobra.Command{
		Use:   "predict <scan.nii.gz>",
		Short: "Submit an MRI scan for segmentation and watch progress",
		Long: `Submit an MRI scan to the segmentation backend.

The scan is uploaded, one task per selected model family is queued, and
progress is followed live over the backend's push channel. Finished label
volumes are downloaded into the output directory as they complete.

Model families: grace, domino, dominopp (or "all").
Spaces: native (scanner space) or fs (FreeSurfer-conformed).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selection, err := parseModelSelection(modelsFlag)
			if err != nil {
				return err
			}
			space, err := models.ParseSpace(spaceFlag)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = cfg.Client.OutputDir
			}
			if outputDir == "" {
				outputDir = "."
			}

			return runPredict(cmd.Context(), cfg, args[0], selection, space, outputDir, noWatch)
		},
	}

	cmd.Flags().StringVarP(&modelsFlag, "models", "m", "all", "Model families to run: comma-separated or 'all'")
	cmd.Flags().StringVarP(&spaceFlag, "space", "s", "native", "Processing space: native or fs")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for result volumes (default from config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Submit and print the session ID without watching")

	return cmd
}

// parseModelSelection turns the --models flag into a task selection.
func parseModelSelection(flag string) (models.TaskSelection, error) {
	var sel models.TaskSelection
	for _, name := range strings.Split(flag, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "all":
			return models.TaskSelection{Grace: true, Domino: true, DominoPP: true}, nil
		case "grace":
			sel.Grace = true
		case "domino":
			sel.Domino = true
		case "dominopp":
			sel.DominoPP = true
		case "":
		default:
			return sel, fmt.Errorf("unknown model family %q (expected grace, domino, dominopp or all)", name)
		}
	}
	if sel.Empty() {
		return sel, fmt.Errorf("no model families selected")
	}
	return sel, nil
}

func runPredict(ctx context.Context, cfg *config.Config, scanPath string, sel models.TaskSelection, space models.Space, outputDir string, noWatch bool) error {
	file, err := os.Open(scanPath)
	if err != nil {
		return fmt.Errorf("failed to open scan: %w", err)
	}
	defer file.Close()

	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}
	scfg, err := newStreamConfig(cfg)
	if err != nil {
		return err
	}
	minter := newMinter(cfg)

	bus := events.NewBus(0)
	defer bus.Close()
	watch := bus.SubscribeAll()

	var machine *session.Machine
	onResult := func(task string, data []byte) error {
		return writeResult(outputDir, machine.Snapshot().ID, task, data)
	}
	machine = session.New(client, client, minter, newSessionDialer(scfg), bus,
		session.Options{
			BackoffBase:   cfg.BackoffBase(),
			BackoffCap:    cfg.BackoffCap(),
			MaxReconnects: cfg.Client.MaxReconnects,
		},
		onResult, api.IsResultNotReady)
	defer machine.Close()

	if err := machine.Start(ctx, file, filepath.Base(scanPath), sel, space); err != nil {
		return err
	}

	snap := machine.Snapshot()
	fmt.Printf("Session %s queued: %s\n", snap.ID, strings.Join(snap.Tasks, ", "))
	if snap.QueuePosition > 0 {
		fmt.Printf("Queue position: %d\n", snap.QueuePosition)
	}
	if noWatch {
		fmt.Printf("Fetch results later with: wholehead results %s\n", snap.ID)
		return nil
	}

	return watchJob(ctx, machine, watch, outputDir)
}

// watchJob renders the event stream until the job is terminal and every
// completed task's artifact has been written.
func watchJob(ctx context.Context, machine *session.Machine, watch <-chan events.Event, outputDir string) error {
	snap := machine.Snapshot()
	ui := progress.NewJobUI(snap.Tasks)
	defer ui.Shutdown()

	results := make(map[string]bool, len(snap.Tasks))
	ticker := time.NewTicker(500 * time.Millisecond)
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
			case *events.TaskProgressEvent:
				ui.Update(e.Task, e.Percent, e.Message, e.GPU)
			case *events.TaskErrorEvent:
				ui.FailTask(e.Task, e.Detail)
			case *events.ResultEvent:
				results[e.Task] = true
				if e.Err != nil {
					fmt.Fprintf(ui.Writer(), "%s: result retrieval failed: %v\n", e.Task, e.Err)
				} else {
					ui.CompleteTask(e.Task)
					fmt.Fprintf(ui.Writer(), "%s: saved to %s\n", e.Task,
						filepath.Join(outputDir, machine.Snapshot().ID, e.Task+".nii.gz"))
				}
			case *events.ReconnectEvent:
				fmt.Fprintf(ui.Writer(), "connection lost, retrying in %s (attempt %d)\n", e.Delay, e.Attempt)
			case *events.JobStateEvent:
				if e.NewStatus == models.StatusError {
					fmt.Fprintf(ui.Writer(), "job failed: %s\n", e.Detail)
				}
			}

		case <-ticker.C:
		}

		snap = machine.Snapshot()
		switch snap.Status() {
		case models.StatusError:
			return fmt.Errorf("job failed: %s", snap.Failed)
		case models.StatusComplete:
			if outstandingResults(snap, results) == 0 {
				printSummary(snap)
				return nil
			}
		}
	}
}

// outstandingResults counts finished tasks whose fetch has not settled yet.
func outstandingResults(snap models.Job, settled map[string]bool) int {
	n := 0
	for _, task := range snap.Tasks {
		if snap.Progress[task] >= 100 && !settled[task] {
			n++
		}
	}
	return n
}

func printSummary(snap models.Job) {
	fmt.Printf("\nSession %s complete (%d%%)\n", snap.ID, snap.AggregateProgress())
	for _, task := range snap.Tasks {
		switch {
		case snap.TaskErrors[task] != "":
			fmt.Printf("  %-18s failed: %s\n", task, snap.TaskErrors[task])
		case snap.FetchErrors[task] != "":
			fmt.Printf("  %-18s done, fetch failed: %s\n", task, snap.FetchErrors[task])
		default:
			fmt.Printf("  %-18s done\n", task)
		}
	}
}
