// Package http builds proxy-aware HTTP clients shared by the REST and
// streaming layers.
package http

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http2"

	"github.com/wholehead-labs/wholehead-cli/internal/config"
)

const (
	dialTimeout           = 30 * time.Second
	dialKeepAlive         = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 30 * time.Second
	expectContinueTimeout = 1 * time.Second

	// requestTimeout bounds ordinary REST calls. Streaming connections
	// use NewStreamingClient, which has no client-level timeout.
	requestTimeout = 300 * time.Second
)

// ConfigureHTTPClient builds an HTTP client honouring the configured
// proxy mode, for REST calls.
func ConfigureHTTPClient(cfg *config.Config) (*nethttp.Client, error) {
	return newClient(cfg, requestTimeout)
}

// NewStreamingClient builds a client for the long-lived push channel.
// It has no client-level timeout; liveness is enforced by the consumer's
// stall watchdog instead.
func NewStreamingClient(cfg *config.Config) (*nethttp.Client, error) {
	return newClient(cfg, 0)
}

func newClient(cfg *config.Config, timeout time.Duration) (*nethttp.Client, error) {
	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to enable http2: %w", err)
	}

	mode := strings.ToLower(cfg.Proxy.Mode)
	switch mode {
	case "no-proxy", "":
		transport.Proxy = nil

	case "system":
		transport.Proxy = nethttp.ProxyFromEnvironment

	case "ntlm":
		if cfg.Proxy.Host == "" {
			// Incomplete saved config; fall back so the CLI can start
			// and the user can reconfigure.
			transport.Proxy = nil
			break
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.Proxy.NoProxy)
		return &nethttp.Client{
			Transport: ntlmssp.Negotiator{RoundTripper: transport},
			Timeout:   timeout,
		}, nil

	case "basic":
		if cfg.Proxy.Host == "" {
			transport.Proxy = nil
			break
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.Proxy.NoProxy)

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.Proxy.Mode)
	}

	return &nethttp.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
