package progress

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
)

// DownloadReporter shows a single artifact download as a byte bar. A total
// of -1 renders a spinner, for responses without a length.
type DownloadReporter struct {
	bar *progressbar.ProgressBar
}

// NewDownloadReporter starts the bar.
func NewDownloadReporter(total int64, description string) *DownloadReporter {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &DownloadReporter{bar: bar}
}

// Write lets the reporter sit in an io.MultiWriter next to the file.
func (r *DownloadReporter) Write(p []byte) (int, error) {
	return r.bar.Write(p)
}

// Finish completes the bar.
func (r *DownloadReporter) Finish() {
	_ = r.bar.Finish()
}
