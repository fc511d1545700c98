// Package progress renders job and batch progress in the terminal: one bar
// per task while watching, a plain byte bar for artifact downloads. Falls
// back to line output when stderr is not a TTY.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// JobUI manages one progress bar per task of a watched job.
type JobUI struct {
	progress   *mpb.Progress
	isTerminal bool

	mu   sync.Mutex
	bars map[string]*TaskBar
}

// TaskBar is a single task's progress bar.
type TaskBar struct {
	ui   *JobUI
	task string
	bar  *mpb.Bar

	mu      sync.Mutex
	message string
	gpu     int
	done    bool
}

// NewJobUI creates the multi-bar renderer for a task list.
func NewJobUI(tasks []string) *JobUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(80),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	ui := &JobUI{
		progress:   p,
		isTerminal: isTerminal,
		bars:       make(map[string]*TaskBar, len(tasks)),
	}
	for _, task := range tasks {
		ui.bars[task] = ui.newTaskBar(task)
	}
	return ui
}

func (u *JobUI) newTaskBar(task string) *TaskBar {
	tb := &TaskBar{ui: u, task: task, gpu: -1}
	if !u.isTerminal {
		return tb
	}
	tb.bar = u.progress.New(100,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				tb.mu.Lock()
				defer tb.mu.Unlock()
				label := task
				if tb.gpu >= 0 {
					label = fmt.Sprintf("%s (gpu %d)", task, tb.gpu)
				}
				if tb.message != "" {
					label = fmt.Sprintf("%s  %s", label, tb.message)
				}
				return label
			}, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
		),
	)
	return tb
}

// Update moves a task's bar. Percent is the already-reconciled value, so
// the bar simply mirrors it.
func (u *JobUI) Update(task string, percent int, message string, gpu int) {
	tb := u.taskBar(task)
	if tb == nil {
		return
	}
	tb.mu.Lock()
	if message != "" {
		tb.message = message
	}
	if gpu >= 0 {
		tb.gpu = gpu
	}
	done := tb.done
	tb.mu.Unlock()
	if done {
		return
	}
	if tb.bar != nil {
		tb.bar.SetCurrent(int64(percent))
	} else {
		fmt.Fprintf(os.Stderr, "%s: %d%% %s\n", task, percent, message)
	}
}

// FailTask marks a task's bar aborted with its error detail.
func (u *JobUI) FailTask(task, detail string) {
	tb := u.taskBar(task)
	if tb == nil {
		return
	}
	tb.mu.Lock()
	tb.done = true
	tb.message = "failed: " + detail
	tb.mu.Unlock()
	if tb.bar != nil {
		tb.bar.Abort(false)
	} else {
		fmt.Fprintf(os.Stderr, "%s: failed: %s\n", task, detail)
	}
}

// CompleteTask fills a task's bar.
func (u *JobUI) CompleteTask(task string) {
	tb := u.taskBar(task)
	if tb == nil {
		return
	}
	tb.mu.Lock()
	tb.done = true
	tb.mu.Unlock()
	if tb.bar != nil {
		tb.bar.SetCurrent(100)
	} else {
		fmt.Fprintf(os.Stderr, "%s: complete\n", task)
	}
}

func (u *JobUI) taskBar(task string) *TaskBar {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bars[task]
}

// Writer returns a sink that prints above the live bars.
func (u *JobUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

// Shutdown aborts any unfinished bars and waits for the renderer.
func (u *JobUI) Shutdown() {
	u.mu.Lock()
	for _, tb := range u.bars {
		if tb.bar != nil && !tb.bar.Completed() && !tb.bar.Aborted() {
			tb.bar.Abort(true)
		}
	}
	u.mu.Unlock()
	u.progress.Wait()
}
