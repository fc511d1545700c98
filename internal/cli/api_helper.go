package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wholehead-labs/wholehead-cli/internal/api"
	"github.com/wholehead-labs/wholehead-cli/internal/auth"
	"github.com/wholehead-labs/wholehead-cli/internal/config"
	httpx "github.com/wholehead-labs/wholehead-cli/internal/http"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
	"github.com/wholehead-labs/wholehead-cli/internal/runqueue"
	"github.com/wholehead-labs/wholehead-cli/internal/session"
	"github.com/wholehead-labs/wholehead-cli/internal/stream"
)

// loadConfig loads the config file (or defaults) and applies flag overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.PlatformURL = serverURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if httpx.NeedsProxyPassword(cfg) {
		password, err := promptSecret(fmt.Sprintf("Proxy password for %s", cfg.Proxy.User))
		if err != nil {
			return nil, err
		}
		cfg.Proxy.Password = password
	}
	return cfg, nil
}

// newStreamConfig builds the shared stream connection parameters.
func newStreamConfig(cfg *config.Config) (stream.Config, error) {
	client, err := httpx.NewStreamingClient(cfg)
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		BaseURL:      cfg.PlatformURL,
		HTTPClient:   client,
		StreamSecret: cfg.StreamSecret,
		StallTimeout: cfg.StallTimeout(),
	}, nil
}

// newSessionDialer adapts stream.Connect to the state machine's dialer.
func newSessionDialer(scfg stream.Config) session.Dialer {
	return func(ctx context.Context, jobID string, sel models.TaskSelection, credential string, onEvent stream.OnEvent, onDisconnect stream.OnDisconnect) (session.Conn, error) {
		conn, err := stream.Connect(ctx, scfg, jobID, sel, credential, onEvent, onDisconnect)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// newRunDialer adapts stream.Connect to the run queue's dialer.
func newRunDialer(scfg stream.Config) runqueue.Dialer {
	return func(ctx context.Context, jobID string, sel models.TaskSelection, credential string, onEvent stream.OnEvent, onDisconnect stream.OnDisconnect) (runqueue.Conn, error) {
		conn, err := stream.Connect(ctx, scfg, jobID, sel, credential, onEvent, onDisconnect)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// writeResult persists one task's artifact under the output directory.
func writeResult(outputDir, sessionID, task string, data []byte) error {
	dir := filepath.Join(outputDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, task+".nii.gz")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

// newAPIClient builds the REST client from config.
func newAPIClient(cfg *config.Config) (*api.Client, error) {
	return api.NewClient(cfg)
}

// newMinter builds the credential minter from config.
func newMinter(cfg *config.Config) *auth.Minter {
	return auth.NewMinter(cfg.StreamSecret, cfg.TokenSecret)
}
