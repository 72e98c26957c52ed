package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/internal/config"
	"github.com/piwi3910/mptpass/internal/dma"
	"github.com/piwi3910/mptpass/pkg/ptapi"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		LogLevel: "info",
		Admin:    config.AdminConfig{Address: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Passthrough: config.PassthroughConfig{
			MinTimeout:      100 * time.Millisecond,
			PELAbortTimeout: time.Second,
		},
		DMA:     dma.DefaultConfig(),
		LogData: config.LogDataConfig{Backend: backend},
		Adapters: []adapter.Config{
			{ID: 0, Name: "adapter0"},
			{ID: 1, Name: "adapter1"},
		},
	}
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *ptapi.Client, func()) {
	t.Helper()

	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- srv.Start(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer addrCancel()

	addr, err := srv.Addr(addrCtx)
	require.NoError(t, err)

	stop := func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")
		}
	}

	return srv, ptapi.NewClient("http://"+addr.String(), http.DefaultClient), stop
}

func TestServerLifecycle(t *testing.T) {
	srv, client, stop := startServer(t, testConfig(config.LogDataMemory))

	list, err := client.ListAdapters(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "adapter1", list[1].Name)

	stop()

	for _, a := range srv.Registry().List() {
		assert.True(t, a.Blocked(), "adapters are blocked on shutdown")
	}
}

func TestServerBadgerLogData(t *testing.T) {
	cfg := testConfig(config.LogDataBadger)
	cfg.LogData.Dir = t.TempDir()

	srv, client, stop := startServer(t, cfg)
	defer stop()

	require.NotNil(t, srv.db)

	geom, err := client.EnableLogData(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 400, geom.MaxEntries)
}

func TestServerDuplicateAdapter(t *testing.T) {
	cfg := testConfig(config.LogDataMemory)
	cfg.Adapters[1].ID = 0

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestServerListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(config.LogDataMemory)
	cfg.Admin.Address = busy.Addr().String()

	srv, err := New(cfg)
	require.NoError(t, err)

	assert.Error(t, srv.Start(context.Background()))
}
