// Package config provides configuration management for the wholehead CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the client configuration, stored as an INI file.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\wholehead\config
//   - Unix: ~/.config/wholehead/config
//
// INI format:
//
//	[server]
//	platform_url = https://segment.wholehead.io
//	stream_secret = <hmac secret for event signatures>
//	token_secret = <signing secret for the credential envelope>
//
//	[client]
//	backoff_base_ms = 2000
//	backoff_cap_ms = 16000
//	max_reconnects = 30
//	stall_timeout_seconds = 90
//	output_dir = ~/wholehead-results
//
//	[proxy]
//	mode = no-proxy
//	host =
//	port = 8080
//	user =
//	password =
//	no_proxy =
type Config struct {
	// Server connection settings
	PlatformURL string `ini:"platform_url"`

	// StreamSecret MACs the credential's issue timestamp and verifies
	// event signatures. TokenSecret signs the credential envelope.
	// Two secrets so a leaked envelope key alone cannot forge events.
	StreamSecret string `ini:"stream_secret"`
	TokenSecret  string `ini:"token_secret"`

	Client ClientConfig
	Proxy  ProxyConfig
}

// ClientConfig holds orchestration tuning knobs.
type ClientConfig struct {
	// BackoffBaseMS is the base reconnect delay in milliseconds. The
	// n-th reconnect waits min(base*(n+1), cap).
	BackoffBaseMS int `ini:"backoff_base_ms"`

	// BackoffCapMS bounds the reconnect delay in milliseconds.
	BackoffCapMS int `ini:"backoff_cap_ms"`

	// MaxReconnects bounds consecutive reconnect attempts per job.
	// The backend enforces no cap; the client does.
	MaxReconnects int `ini:"max_reconnects"`

	// StallTimeoutSeconds is the client-side read deadline on the push
	// channel. The backend heartbeats every 5s, so a quiet connection
	// longer than this is treated as dead.
	StallTimeoutSeconds int `ini:"stall_timeout_seconds"`

	// OutputDir is where result artifacts are written.
	OutputDir string `ini:"output_dir"`
}

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	// Mode is one of "no-proxy", "system", "basic", "ntlm".
	Mode     string `ini:"mode"`
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
	// NoProxy is a comma-separated bypass list (hosts or CIDRs).
	NoProxy string `ini:"no_proxy"`
}

// Validation errors
var (
	ErrMissingPlatformURL = errors.New("platform_url is required")
	ErrInvalidBackoffBase = errors.New("backoff_base_ms must be positive")
	ErrInvalidBackoffCap  = errors.New("backoff_cap_ms must be >= backoff_base_ms")
	ErrInvalidReconnects  = errors.New("max_reconnects must be between 1 and 1000")
	ErrInvalidStall       = errors.New("stall_timeout_seconds must be between 10 and 3600")
	ErrInvalidProxyMode   = errors.New("proxy mode must be one of: no-proxy, system, basic, ntlm")
)

// DefaultConfigPath returns the default path for the config file.
func DefaultConfigPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		configDir = filepath.Join(userProfile, ".config", "wholehead")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "wholehead")
	}

	return filepath.Join(configDir, "config"), nil
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		PlatformURL: "https://segment.wholehead.io",
		Client: ClientConfig{
			BackoffBaseMS:       2000,
			BackoffCapMS:        16000,
			MaxReconnects:       30,
			StallTimeoutSeconds: 90,
			OutputDir:           "wholehead-results",
		},
		Proxy: ProxyConfig{
			Mode: "no-proxy",
			Port: 8080,
		},
	}
}

// Load reads configuration from an INI file. A missing file returns
// defaults without error; an unreadable file is an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	server := iniFile.Section("server")
	cfg.PlatformURL = server.Key("platform_url").MustString(cfg.PlatformURL)
	cfg.StreamSecret = server.Key("stream_secret").String()
	cfg.TokenSecret = server.Key("token_secret").String()

	client := iniFile.Section("client")
	cfg.Client.BackoffBaseMS = client.Key("backoff_base_ms").MustInt(cfg.Client.BackoffBaseMS)
	cfg.Client.BackoffCapMS = client.Key("backoff_cap_ms").MustInt(cfg.Client.BackoffCapMS)
	cfg.Client.MaxReconnects = client.Key("max_reconnects").MustInt(cfg.Client.MaxReconnects)
	cfg.Client.StallTimeoutSeconds = client.Key("stall_timeout_seconds").MustInt(cfg.Client.StallTimeoutSeconds)
	cfg.Client.OutputDir = client.Key("output_dir").MustString(cfg.Client.OutputDir)

	proxy := iniFile.Section("proxy")
	cfg.Proxy.Mode = proxy.Key("mode").MustString(cfg.Proxy.Mode)
	cfg.Proxy.Host = proxy.Key("host").String()
	cfg.Proxy.Port = proxy.Key("port").MustInt(cfg.Proxy.Port)
	cfg.Proxy.User = proxy.Key("user").String()
	cfg.Proxy.Password = proxy.Key("password").String()
	cfg.Proxy.NoProxy = proxy.Key("no_proxy").String()

	return cfg, nil
}

// Save writes the configuration to an INI file, creating parent
// directories as needed. Secrets live in this file, so it is written
// with user-only permissions via a temp file and atomic rename.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	server, err := iniFile.NewSection("server")
	if err != nil {
		return fmt.Errorf("failed to create server section: %w", err)
	}
	server.Key("platform_url").SetValue(cfg.PlatformURL)
	server.Key("stream_secret").SetValue(cfg.StreamSecret)
	server.Key("token_secret").SetValue(cfg.TokenSecret)

	client, err := iniFile.NewSection("client")
	if err != nil {
		return fmt.Errorf("failed to create client section: %w", err)
	}
	client.Key("backoff_base_ms").SetValue(fmt.Sprintf("%d", cfg.Client.BackoffBaseMS))
	client.Key("backoff_cap_ms").SetValue(fmt.Sprintf("%d", cfg.Client.BackoffCapMS))
	client.Key("max_reconnects").SetValue(fmt.Sprintf("%d", cfg.Client.MaxReconnects))
	client.Key("stall_timeout_seconds").SetValue(fmt.Sprintf("%d", cfg.Client.StallTimeoutSeconds))
	client.Key("output_dir").SetValue(cfg.Client.OutputDir)

	proxy, err := iniFile.NewSection("proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	proxy.Key("mode").SetValue(cfg.Proxy.Mode)
	proxy.Key("host").SetValue(cfg.Proxy.Host)
	proxy.Key("port").SetValue(fmt.Sprintf("%d", cfg.Proxy.Port))
	proxy.Key("user").SetValue(cfg.Proxy.User)
	proxy.Key("password").SetValue(cfg.Proxy.Password)
	proxy.Key("no_proxy").SetValue(cfg.Proxy.NoProxy)

	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks the configuration for use by the orchestration core.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.PlatformURL) == "" {
		return ErrMissingPlatformURL
	}
	if cfg.Client.BackoffBaseMS <= 0 {
		return ErrInvalidBackoffBase
	}
	if cfg.Client.BackoffCapMS < cfg.Client.BackoffBaseMS {
		return ErrInvalidBackoffCap
	}
	if cfg.Client.MaxReconnects < 1 || cfg.Client.MaxReconnects > 1000 {
		return ErrInvalidReconnects
	}
	if cfg.Client.StallTimeoutSeconds < 10 || cfg.Client.StallTimeoutSeconds > 3600 {
		return ErrInvalidStall
	}
	switch strings.ToLower(cfg.Proxy.Mode) {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return ErrInvalidProxyMode
	}
	return nil
}

// BackoffBase returns the reconnect base delay as a duration.
func (cfg *Config) BackoffBase() time.Duration {
	return time.Duration(cfg.Client.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the reconnect delay cap as a duration.
func (cfg *Config) BackoffCap() time.Duration {
	return time.Duration(cfg.Client.BackoffCapMS) * time.Millisecond
}

// StallTimeout returns the push-channel read deadline as a duration.
func (cfg *Config) StallTimeout() time.Duration {
	return time.Duration(cfg.Client.StallTimeoutSeconds) * time.Second
}
