package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wholehead-labs/wholehead-cli/internal/api"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
	"github.com/wholehead-labs/wholehead-cli/internal/progress"
)

// newResultsCmd creates the 'results' command: download finished label
// volumes for a session.
func newResultsCmd() *cobra.Command {
	var (
		outputDir string
		tasksFlag string
		spaceFlag string
	)

	cmd := &cobra.Command{
		Use:   "results <session-id>",
		Short: "Download result volumes for a finished session",
		Long: `Download segmentation results for a session.

By default all six task artifacts are attempted; tasks whose result is not
ready yet are reported and skipped. Use --tasks to restrict the download,
either as full task names (grace-native) or model families combined with
--space.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			tasks, err := resolveTasks(tasksFlag, spaceFlag)
			if err != nil {
				return err
			}

			client, err := newAPIClient(cfg)
			if err != nil {
				return err
			}
			minter := newMinter(cfg)
			sessionID := args[0]

			var failures int
			for _, task := range tasks {
				credential, err := minter.Mint()
				if err != nil {
					return err
				}
				data, err := client.FetchResult(cmd.Context(), sessionID, task, credential)
				switch {
				case api.IsResultNotReady(err):
					fmt.Printf("%s: not ready\n", task)
					continue
				case err != nil:
					fmt.Fprintf(os.Stderr, "%s: %v\n", task, err)
					failures++
					continue
				}

				bar := progress.NewDownloadReporter(int64(len(data)), task)
				if _, err := bar.Write(data); err != nil {
					return err
				}
				bar.Finish()

				if err := writeResult(outputDir, sessionID, task, data); err != nil {
					return err
				}
				fmt.Printf("%s: saved to %s\n", task, filepath.Join(outputDir, sessionID, task+".nii.gz"))
			}

			if failures > 0 {
				return fmt.Errorf("%d download(s) failed", failures)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for result volumes (default from config)")
	cmd.Flags().StringVarP(&tasksFlag, "tasks", "t", "all", "Tasks or model families to download, comma-separated")
	cmd.Flags().StringVarP(&spaceFlag, "space", "s", "", "Restrict family downloads to one space (native or fs)")

	return cmd
}

// resolveTasks expands the --tasks flag into concrete task names. Entries
// already carrying a space suffix pass through unchanged; bare family names
// expand across the requested spaces.
func resolveTasks(flag, space string) ([]string, error) {
	spaces := []string{"native", "fs"}
	if space != "" {
		parsed, err := models.ParseSpace(space)
		if err != nil {
			return nil, err
		}
		spaces = []string{string(parsed)}
	}

	families := []string{"grace", "domino", "dominopp"}
	var tasks []string
	for _, entry := range strings.Split(flag, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
		case entry == "all":
			tasks = tasks[:0]
			for _, f := range families {
				for _, sp := range spaces {
					tasks = append(tasks, f+"-"+sp)
				}
			}
			return tasks, nil
		case strings.Contains(entry, "-"):
			tasks = append(tasks, entry)
		default:
			known := false
			for _, f := range families {
				if entry == f {
					known = true
					break
				}
			}
			if !known {
				return nil, fmt.Errorf("unknown model family %q", entry)
			}
			for _, sp := range spaces {
				tasks = append(tasks, entry+"-"+sp)
			}
		}
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks selected")
	}
	return tasks, nil
}
