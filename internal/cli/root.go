// Package cli provides the command-line interface for wholehead.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wholehead-labs/wholehead-cli/internal/logging"
)

var (
	// Global flags
	cfgFile   string
	serverURL string
	verbose   bool
	debug     bool

	// Global logger
	logger *logging.Logger
)

// Version information - set by main package at startup
var (
	Version   = "v1.3.0-dev"
	BuildTime = "2026-08-26"
)

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wholehead",
		Short: "WholeHead - client for the WholeHead segmentation platform",
		Long: `WholeHead ` + Version + ` - Built: ` + BuildTime + `
Client for the WholeHead Segmentator backend.

Submit an MRI scan for segmentation, follow per-model progress live,
download the resulting label volumes, and drive field-simulation batches
(model x solver) against a finished session.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultLogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server-url", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = Version + " (" + BuildTime + ")"

	rootCmd.AddCommand(newPredictCmd())
	rootCmd.AddCommand(newResultsCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

// GetLogger returns the process logger, initializing it if a command is
// invoked without the root's PersistentPreRun (tests).
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return logger
}

// Execute runs the root command with interrupt handling: Ctrl-C cancels
// the command context so in-flight jobs tear down their streams.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
