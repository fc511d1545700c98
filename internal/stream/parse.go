package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/wholehead-labs/wholehead-cli/internal/auth"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
)

// envelope is the signed wrapper the backend puts around each event.
type envelope struct {
	Event json.RawMessage `json:"event"`
	Sig   string          `json:"sig"`
}

// wirePayload is the raw event shape. Every field is optional; absence of
// "model" means the event applies to all outstanding tasks.
type wirePayload struct {
	Event    *string `json:"event"`
	Model    *string `json:"model"`
	Message  *string `json:"message"`
	Progress *int    `json:"progress"`
	Complete *bool   `json:"complete"`
	Error    *string `json:"error"`
	GPU      *int    `json:"gpu"`
}

// ParseEvent reconciles one SSE data frame into a StreamEvent. Malformed
// payloads never return an error: they degrade to an EventStatus that
// carries the raw payload for diagnostics (a broken frame must not kill
// the connection or the job). When streamSecret is non-empty, signed
// envelopes are verified and signature mismatches degrade the same way.
func ParseEvent(data []byte, streamSecret string) models.StreamEvent {
	raw := strings.TrimSpace(string(data))

	// Keep-alives may arrive as bare strings rather than JSON.
	if raw == "keep-alive" || raw == "ping" {
		return models.StreamEvent{Kind: models.EventHeartbeat}
	}

	payload := []byte(raw)

	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Event) > 0 && env.Sig != "" {
		if streamSecret != "" {
			// UseNumber keeps the wire spelling of numbers for the
			// canonical re-encoding the signature is computed over.
			dec := json.NewDecoder(bytes.NewReader(env.Event))
			dec.UseNumber()
			var eventMap map[string]any
			if err := dec.Decode(&eventMap); err != nil ||
				!auth.VerifyEventSignature(streamSecret, eventMap, env.Sig) {
				return models.StreamEvent{
					Kind:    models.EventStatus,
					Target:  models.TargetAllTasks(),
					Message: "event signature mismatch",
					Detail:  raw,
				}
			}
		}
		payload = env.Event
	}

	var wire wirePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return models.StreamEvent{
			Kind:    models.EventStatus,
			Target:  models.TargetAllTasks(),
			Message: raw,
			Detail:  raw,
		}
	}

	target := models.TargetAllTasks()
	if wire.Model != nil && *wire.Model != "" {
		target = models.TargetTask(*wire.Model)
	}

	gpu := -1
	if wire.GPU != nil {
		gpu = *wire.GPU
	}

	message := ""
	if wire.Message != nil {
		message = *wire.Message
	}

	name := ""
	if wire.Event != nil {
		name = *wire.Event
	}

	switch {
	case name == "heartbeat" || name == "stream_end" || name == "queued":
		// Liveness and queue confirmations carry no task state.
		return models.StreamEvent{Kind: models.EventHeartbeat, Message: message}

	case name == "job_failed" || wire.Error != nil:
		detail := message
		if wire.Error != nil {
			detail = *wire.Error
		}
		return models.StreamEvent{
			Kind:   models.EventError,
			Target: target,
			Detail: detail,
		}

	case name == "job_complete" || (wire.Complete != nil && *wire.Complete):
		return models.StreamEvent{
			Kind:    models.EventComplete,
			Target:  target,
			Message: message,
		}

	default:
		percent := 0
		if wire.Progress != nil {
			percent = *wire.Progress
		}
		return models.StreamEvent{
			Kind:    models.EventProgress,
			Target:  target,
			Message: message,
			Percent: percent,
			GPU:     gpu,
		}
	}
}
