// Package stream implements the server-push event channel consumer.
//
// The consumer is a pure I/O boundary: it parses incoming events and
// invokes the caller's callbacks, but never mutates shared job state and
// never retries on its own. Reconnection policy belongs to the caller.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wholehead-labs/wholehead-cli/internal/models"
)

// OnEvent is invoked for each parsed event, including heartbeats.
type OnEvent func(models.StreamEvent)

// OnDisconnect fires exactly once per involuntary closure: network drop,
// server close, or stall-watchdog expiry before the caller closed the
// connection. Voluntary Close suppresses it.
type OnDisconnect func(err error)

// ErrStalled is reported when the stall watchdog killed a quiet connection.
var ErrStalled = errors.New("push channel stalled")

// maxFrameSize bounds a single SSE data frame.
const maxFrameSize = 1 << 20

// Config carries the connection parameters shared by every stream a
// client opens.
type Config struct {
	BaseURL      string
	HTTPClient   *nethttp.Client
	StreamSecret string
	// StallTimeout kills a connection that delivered nothing for this
	// long. The backend heartbeats every few seconds, so this only
	// fires on a genuinely dead transport. Zero disables the watchdog.
	StallTimeout time.Duration
}

// Conn is one live push-channel connection.
type Conn struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// stalled marks that the watchdog, not the caller, cancelled the
	// request, so the closure is involuntary.
	stalled bool
}

// StreamPath builds the endpoint path: the boolean task selection followed
// by the signed credential.
func StreamPath(jobID string, sel models.TaskSelection, credential string) string {
	return fmt.Sprintf("/stream/%s/%s/%s/%s/%s",
		jobID,
		strconv.FormatBool(sel.Grace),
		strconv.FormatBool(sel.Domino),
		strconv.FormatBool(sel.DominoPP),
		credential,
	)
}

// Connect opens one push channel scoped to a job. The credential must be
// unexpired; the consumer does not refresh it. The returned Conn must be
// closed by the caller once a terminal state is reached.
func Connect(ctx context.Context, cfg Config, jobID string, sel models.TaskSelection, credential string, onEvent OnEvent, onDisconnect OnDisconnect) (*Conn, error) {
	if jobID == "" {
		return nil, errors.New("job id must not be empty")
	}
	if credential == "" {
		return nil, errors.New("credential must not be empty")
	}

	reqCtx, cancel := context.WithCancel(ctx)

	url := strings.TrimSuffix(cfg.BaseURL, "/") + StreamPath(jobID, sel, credential)
	req, err := nethttp.NewRequestWithContext(reqCtx, "GET", url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := cfg.HTTPClient
	if client == nil {
		client = nethttp.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open push channel: %w", err)
	}
	if resp.StatusCode != nethttp.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("push channel refused: status %d", resp.StatusCode)
	}

	conn := &Conn{cancel: cancel}

	var watchdog *time.Timer
	if cfg.StallTimeout > 0 {
		watchdog = time.AfterFunc(cfg.StallTimeout, func() {
			conn.mu.Lock()
			if !conn.closed {
				conn.stalled = true
			}
			conn.mu.Unlock()
			cancel()
		})
	}

	go conn.readLoop(resp.Body, cfg, jobID, watchdog, onEvent, onDisconnect)

	return conn, nil
}

// Close shuts the connection down voluntarily, suppressing onDisconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *Conn) readLoop(body io.ReadCloser, cfg Config, jobID string, watchdog *time.Timer, onEvent OnEvent, onDisconnect OnDisconnect) {
	defer body.Close()
	if watchdog != nil {
		defer watchdog.Stop()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()

		if watchdog != nil {
			watchdog.Reset(cfg.StallTimeout)
		}

		switch {
		case line == "":
			// Blank line terminates one SSE frame.
			if len(data) > 0 {
				onEvent(ParseEvent(data, cfg.StreamSecret))
				data = nil
			}
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		default:
			// Comment lines and fields we don't use (event:, id:,
			// retry:) still count as liveness.
		}
	}

	// Flush a trailing frame the server sent without a final blank line.
	if len(data) > 0 {
		onEvent(ParseEvent(data, cfg.StreamSecret))
	}

	c.mu.Lock()
	voluntary := c.closed
	stalled := c.stalled
	c.closed = true
	c.mu.Unlock()

	if voluntary {
		return
	}

	err := scanner.Err()
	if stalled {
		err = ErrStalled
	}
	if err == nil {
		err = io.EOF
	}

	log.Debug().Err(err).Str("job_id", jobID).Msg("push channel closed")
	if onDisconnect != nil {
		onDisconnect(err)
	}
}

// ReconnectDelay computes the capped linear backoff used after a
// disconnect: min(base*(attempt+1), cap), attempt counted from zero.
func ReconnectDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base * time.Duration(attempt+1)
	if d > cap {
		d = cap
	}
	return d
}
