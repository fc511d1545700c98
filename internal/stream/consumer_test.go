package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wholehead-labs/wholehead-cli/internal/models"
)

func sseHandler(t *testing.T, frames []string, hold chan struct{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("test server does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
			}
		}
	}
}

// TestConnectDeliversEvents verifies frames arrive parsed and in order.
func TestConnectDeliversEvents(t *testing.T) {
	frames := []string{
		`{"model":"grace-native","progress":10}`,
		`{"model":"grace-native","progress":55}`,
		`{"model":"grace-native","complete":true}`,
	}
	srv := httptest.NewServer(sseHandler(t, frames, nil))
	defer srv.Close()

	events := make(chan models.StreamEvent, 8)
	conn, err := Connect(context.Background(), Config{BaseURL: srv.URL},
		"sess-1", models.TaskSelection{Grace: true}, "cred",
		func(ev models.StreamEvent) { events <- ev },
		func(error) {})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	want := []struct {
		kind    models.EventKind
		percent int
	}{
		{models.EventProgress, 10},
		{models.EventProgress, 55},
		{models.EventComplete, 0},
	}
	for i, w := range want {
		select {
		case ev := <-events:
			if ev.Kind != w.kind {
				t.Fatalf("event %d: expected %s, got %s", i, w.kind, ev.Kind)
			}
			if w.kind == models.EventProgress && ev.Percent != w.percent {
				t.Fatalf("event %d: expected %d%%, got %d", i, w.percent, ev.Percent)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

// TestConnectRejectsEmptyJobID verifies validation happens before any dial.
func TestConnectRejectsEmptyJobID(t *testing.T) {
	_, err := Connect(context.Background(), Config{BaseURL: "http://localhost:1"},
		"", models.TaskSelection{Grace: true}, "cred", func(models.StreamEvent) {}, nil)
	if err == nil {
		t.Fatal("expected error for empty job id")
	}
}

// TestServerDropFiresDisconnectOnce verifies an involuntary closure invokes
// the disconnect callback exactly once.
func TestServerDropFiresDisconnectOnce(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{`{"message":"hello"}`}, nil))

	var fired atomic.Int32
	done := make(chan struct{})
	conn, err := Connect(context.Background(), Config{BaseURL: srv.URL},
		"sess-1", models.TaskSelection{Grace: true}, "cred",
		func(models.StreamEvent) {},
		func(error) {
			if fired.Add(1) == 1 {
				close(done)
			}
		})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	srv.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("disconnect fired %d times", n)
	}
}

// TestCloseSuppressesDisconnect verifies a voluntary Close never reports a
// disconnect.
func TestCloseSuppressesDisconnect(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	srv := httptest.NewServer(sseHandler(t, []string{`{"message":"hello"}`}, hold))
	defer srv.Close()

	events := make(chan models.StreamEvent, 1)
	var fired atomic.Int32
	conn, err := Connect(context.Background(), Config{BaseURL: srv.URL},
		"sess-1", models.TaskSelection{Grace: true}, "cred",
		func(ev models.StreamEvent) { events <- ev },
		func(error) { fired.Add(1) })
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("never received first event")
	}

	conn.Close()
	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("disconnect fired %d times after voluntary close", n)
	}
}

// TestStallWatchdogKillsQuietConnection verifies a connection that stops
// delivering frames is torn down as stalled.
func TestStallWatchdogKillsQuietConnection(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	srv := httptest.NewServer(sseHandler(t, []string{`{"message":"hello"}`}, hold))
	defer srv.Close()

	errCh := make(chan error, 1)
	conn, err := Connect(context.Background(),
		Config{BaseURL: srv.URL, StallTimeout: 100 * time.Millisecond},
		"sess-1", models.TaskSelection{Grace: true}, "cred",
		func(models.StreamEvent) {},
		func(err error) { errCh <- err })
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case err := <-errCh:
		if err != ErrStalled {
			t.Fatalf("expected ErrStalled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

// TestStreamPath verifies the endpoint layout including the boolean task
// selection segments.
func TestStreamPath(t *testing.T) {
	got := StreamPath("abc", models.TaskSelection{Grace: true, DominoPP: true}, "tok")
	want := "/stream/abc/true/false/true/tok"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

// TestReconnectDelaySequence verifies the capped linear backoff with the
// default base and cap.
func TestReconnectDelaySequence(t *testing.T) {
	base := 2000 * time.Millisecond
	capd := 16000 * time.Millisecond
	want := []time.Duration{2000, 4000, 6000, 8000, 10000, 12000, 14000, 16000, 16000, 16000}
	for i, w := range want {
		got := ReconnectDelay(i, base, capd)
		if got != w*time.Millisecond {
			t.Fatalf("attempt %d: expected %v, got %v", i, w*time.Millisecond, got)
		}
	}
}
