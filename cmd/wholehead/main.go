// WholeHead - CLI client for the WholeHead segmentation platform.
package main

import (
	"os"

	"github.com/wholehead-labs/wholehead-cli/internal/cli"
)

// Version information - injected via LDFLAGS on release builds.
var (
	Version   = "v1.3.0"
	BuildTime = "2026-08-26"
)

func main() {
	cli.Version = Version
	cli.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
