package http

import (
	nethttp "net/http"
	"testing"

	"github.com/wholehead-labs/wholehead-cli/internal/config"
)

// TestBuildProxyURL verifies host, default port, and credential embedding.
func TestBuildProxyURL(t *testing.T) {
	cfg := config.New()
	cfg.Proxy.Host = "proxy.example.com"
	cfg.Proxy.Port = 0

	u := buildProxyURL(cfg)
	if u.Host != "proxy.example.com:8080" {
		t.Errorf("expected default port 8080, got %s", u.Host)
	}
	if u.User != nil {
		t.Error("expected no credentials without user and password")
	}

	cfg.Proxy.User = "alice"
	u = buildProxyURL(cfg)
	if u.User != nil {
		t.Error("user without password must not be embedded")
	}

	cfg.Proxy.Password = "hunter2"
	u = buildProxyURL(cfg)
	if u.User == nil || u.User.Username() != "alice" {
		t.Error("expected embedded credentials")
	}
}

// TestProxyFuncWithBypass verifies bypass-list hosts connect directly.
func TestProxyFuncWithBypass(t *testing.T) {
	cfg := config.New()
	cfg.Proxy.Host = "proxy.example.com"
	cfg.Proxy.Port = 3128
	proxyURL := buildProxyURL(cfg)

	fn := proxyFuncWithBypass(proxyURL, "internal.example.com")

	req, _ := nethttp.NewRequest("GET", "http://internal.example.com/health", nil)
	got, err := fn(req)
	if err != nil {
		t.Fatalf("proxy func failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected direct connection for bypassed host, got %v", got)
	}

	req, _ = nethttp.NewRequest("GET", "http://segment.wholehead.io/predict", nil)
	got, err = fn(req)
	if err != nil {
		t.Fatalf("proxy func failed: %v", err)
	}
	if got == nil || got.Host != "proxy.example.com:3128" {
		t.Errorf("expected proxied connection, got %v", got)
	}
}

// TestConfigureHTTPClient_Modes verifies each proxy mode produces a client.
func TestConfigureHTTPClient_Modes(t *testing.T) {
	for _, mode := range []string{"no-proxy", "system", "basic", "ntlm"} {
		cfg := config.New()
		cfg.Proxy.Mode = mode
		cfg.Proxy.Host = "proxy.example.com"

		client, err := ConfigureHTTPClient(cfg)
		if err != nil {
			t.Errorf("mode %s: unexpected error: %v", mode, err)
		}
		if client == nil {
			t.Errorf("mode %s: nil client", mode)
		}
	}

	cfg := config.New()
	cfg.Proxy.Mode = "socks5"
	if _, err := ConfigureHTTPClient(cfg); err == nil {
		t.Error("expected error for unsupported proxy mode")
	}
}

// TestNewStreamingClient_NoTimeout verifies the push-channel client has no
// client-level timeout.
func TestNewStreamingClient_NoTimeout(t *testing.T) {
	client, err := NewStreamingClient(config.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Timeout != 0 {
		t.Errorf("expected zero timeout for streaming client, got %v", client.Timeout)
	}
}

// TestNeedsProxyPassword verifies prompt detection logic.
func TestNeedsProxyPassword(t *testing.T) {
	cfg := config.New()
	if NeedsProxyPassword(cfg) {
		t.Error("no-proxy mode never needs a password")
	}

	cfg.Proxy.Mode = "ntlm"
	cfg.Proxy.User = "alice"
	if !NeedsProxyPassword(cfg) {
		t.Error("ntlm with user and no password needs a prompt")
	}

	cfg.Proxy.Password = "hunter2"
	if NeedsProxyPassword(cfg) {
		t.Error("complete credentials need no prompt")
	}
}
