package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/wholehead-labs/wholehead-cli/internal/config"
	httpx "github.com/wholehead-labs/wholehead-cli/internal/http"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
)

// retryLogger forwards retryablehttp's warnings to zerolog. Info and
// debug chatter is dropped to keep CLI output usable.
type retryLogger struct{}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Error().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warn().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

func fieldMap(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			fields[k] = keysAndValues[i+1]
		}
	}
	return fields
}

// Client is the REST client for the segmentation backend.
type Client struct {
	httpClient *nethttp.Client
	baseURL    string
}

// NewClient creates an API client with retry and proxy support.
func NewClient(cfg *config.Config) (*Client, error) {
	base, err := httpx.ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = base
	retryClient.RetryMax = 4
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 15 * time.Second
	retryClient.Logger = &retryLogger{}

	return &Client{
		httpClient: retryClient.StandardClient(),
		baseURL:    strings.TrimSuffix(cfg.PlatformURL, "/"),
	}, nil
}

// NewClientWithHTTP wires an explicit HTTP client; used by tests.
func NewClientWithHTTP(baseURL string, httpClient *nethttp.Client) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// BaseURL returns the configured platform URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Predict submits a segmentation job: the scan as a multipart file plus
// the selected model list and processing space. On success the backend
// returns the session identifier, the expanded task list, and the queue
// position.
func (c *Client) Predict(ctx context.Context, file io.Reader, filename string, tasks []string, space models.Space, credential string) (*models.Submission, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	if err := writer.WriteField("models", strings.Join(tasks, ",")); err != nil {
		return nil, fmt.Errorf("failed to write models field: %w", err)
	}
	if err := writer.WriteField("space", string(space)); err != nil {
		return nil, fmt.Errorf("failed to write space field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := nethttp.NewRequestWithContext(ctx, "POST", c.baseURL+"/predict", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusUnauthorized || resp.StatusCode == nethttp.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != nethttp.StatusOK && resp.StatusCode != nethttp.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrSubmissionFailed, resp.StatusCode, string(respBody))
	}

	var sub models.Submission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode submission response: %w", err)
	}
	if sub.SessionID == "" {
		return nil, fmt.Errorf("%w: backend returned no session id", ErrSubmissionFailed)
	}

	return &sub, nil
}

// FetchResult retrieves one task's finished artifact as raw bytes. The
// content type is opaque to this client.
func (c *Client) FetchResult(ctx context.Context, sessionID, task, credential string) ([]byte, error) {
	path := fmt.Sprintf("/results/%s/%s", sessionID, task)

	req, err := nethttp.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("result fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case nethttp.StatusOK:
	case nethttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %s/%s", ErrResultNotReady, sessionID, task)
	case nethttp.StatusUnauthorized, nethttp.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("result fetch failed: status %d: %s", resp.StatusCode, string(respBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// StartSimulation asks the backend to run one field-simulation pass for a
// completed session: one segmentation model output through one solver.
func (c *Client) StartSimulation(ctx context.Context, sessionID string, key models.RunKey, credential string) error {
	payload, err := json.Marshal(map[string]string{
		"model":  key.Model,
		"solver": key.Solver,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal simulation request: %w", err)
	}

	path := fmt.Sprintf("/simulate/%s", sessionID)
	req, err := nethttp.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("simulation start failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK && resp.StatusCode != nethttp.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("simulation start failed: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Health retrieves the backend health snapshot (queue length, GPU usage).
func (c *Client) Health(ctx context.Context) (*models.Health, error) {
	req, err := nethttp.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, string(respBody))
	}

	var health models.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}
