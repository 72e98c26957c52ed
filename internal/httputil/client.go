// Package httputil builds the pooled HTTP client used to talk to the admin API.
package httputil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Default transport configuration for connection pooling.
const (
	DefaultTimeout             = 2 * time.Minute
	DefaultMaxIdleConnsPerHost = 4
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// ClientConfig holds configuration options for creating an HTTP client.
type ClientConfig struct {
	// TLSConfig specifies the TLS configuration to use.
	// If nil, the default configuration is used.
	TLSConfig *tls.Config

	// Timeout bounds a whole request, including waiting for the command
	// slot and the command itself. Zero means no timeout.
	Timeout time.Duration

	// MaxIdleConnsPerHost controls the idle (keep-alive) connections kept
	// to the daemon. Zero means DefaultMaxIdleConnsPerHost.
	MaxIdleConnsPerHost int

	// SkipTLSVerify, if true, disables TLS certificate verification.
	SkipTLSVerify bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             DefaultTimeout,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
	}
}

// NewClient creates a new HTTP client with connection pooling.
// If cfg is nil, DefaultConfig() is used.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}

	// Clone user-provided config to avoid mutation
	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	if cfg.SkipTLSVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		TLSClientConfig:     tlsConfig,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
