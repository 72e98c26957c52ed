package httputil_test

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/internal/httputil"
)

func transportOf(t *testing.T, c *http.Client) *http.Transport {
	t.Helper()

	transport, ok := c.Transport.(*http.Transport)
	require.True(t, ok)

	return transport
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	client := httputil.NewClient(nil)

	assert.Equal(t, httputil.DefaultTimeout, client.Timeout)

	transport := transportOf(t, client)
	assert.Equal(t, httputil.DefaultMaxIdleConnsPerHost, transport.MaxIdleConnsPerHost)
	assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
	assert.False(t, transport.TLSClientConfig.InsecureSkipVerify)
}

func TestNewClientCustom(t *testing.T) {
	t.Parallel()

	client := httputil.NewClient(&httputil.ClientConfig{
		Timeout:             5 * time.Second,
		MaxIdleConnsPerHost: 1,
		SkipTLSVerify:       true,
	})

	assert.Equal(t, 5*time.Second, client.Timeout)

	transport := transportOf(t, client)
	assert.Equal(t, 1, transport.MaxIdleConnsPerHost)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}

func TestNewClientDoesNotMutateTLSConfig(t *testing.T) {
	t.Parallel()

	orig := &tls.Config{MinVersion: tls.VersionTLS13}

	client := httputil.NewClient(&httputil.ClientConfig{TLSConfig: orig, SkipTLSVerify: true})

	assert.False(t, orig.InsecureSkipVerify)
	assert.True(t, transportOf(t, client).TLSClientConfig.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS13), transportOf(t, client).TLSClientConfig.MinVersion)
}
