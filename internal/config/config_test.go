package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/internal/dma"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mptpass.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), Options{})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9310", cfg.Admin.Address)
	assert.Equal(t, 10*time.Second, cfg.Passthrough.MinTimeout)
	assert.Equal(t, adapter.DefaultPELAbortTimeout, cfg.Passthrough.PELAbortTimeout)
	assert.Equal(t, dma.DefaultConfig(), cfg.DMA)
	assert.Equal(t, LogDataMemory, cfg.LogData.Backend)
	require.Len(t, cfg.Adapters, 1, "a default adapter is synthesized")
	assert.Equal(t, "adapter0", cfg.Adapters[0].Name)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
admin:
  allowed_origins: ["http://localhost:3000"]
passthrough:
  min_timeout: 2s
logdata:
  backend: badger
adapters:
  - id: 3
    name: ioc3
    reply_size: 96
    sge_modifier: {mask: 15, value: 8, shift: 0}
    firmware: {latency: 1ms, queue_depth: 8}
    targets:
      - {handle: 16, persistent_id: 1, exposed: true, target_id: 2}
      - {handle: 17, page_size_exp: 12}
`)

	cfg, err := Load(path, Options{AdminAddress: ":9999"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9999", cfg.Admin.Address, "flag override wins")
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Admin.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.Passthrough.MinTimeout)
	assert.Equal(t, LogDataBadger, cfg.LogData.Backend)

	require.Len(t, cfg.Adapters, 1)
	a := cfg.Adapters[0]
	assert.Equal(t, 3, a.ID)
	assert.Equal(t, 96, a.ReplySize)
	assert.Equal(t, adapter.SGEModifier{Mask: 15, Value: 8}, a.SGEModifier)
	assert.Equal(t, time.Millisecond, a.Firmware.Latency)
	require.Len(t, a.Targets, 2)
	assert.Equal(t, uint8(12), a.Targets[1].PageSizeExp)
	assert.True(t, a.Targets[0].Exposed)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("MPTPASS_PASSTHROUGH_MIN_TIMEOUT", "30s")

	cfg, err := Load(writeConfig(t, "{}\n"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Passthrough.MinTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			LogLevel:    "info",
			Passthrough: PassthroughConfig{MinTimeout: time.Second, PELAbortTimeout: time.Second},
			DMA:         dma.DefaultConfig(),
			LogData:     LogDataConfig{Backend: LogDataMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "invalid log_level"},
		{name: "zero min timeout", mutate: func(c *Config) { c.Passthrough.MinTimeout = 0 }, wantErr: "min_timeout"},
		{name: "alignment", mutate: func(c *Config) { c.DMA.Alignment = 3000 }, wantErr: "power of two"},
		{name: "backend", mutate: func(c *Config) { c.LogData.Backend = "redis" }, wantErr: "logdata.backend"},
		{
			name:    "duplicate adapter",
			mutate:  func(c *Config) { c.Adapters = []adapter.Config{{ID: 1}, {ID: 1}} },
			wantErr: "duplicate adapter id: 1",
		},
		{
			name:    "reply size",
			mutate:  func(c *Config) { c.Adapters = []adapter.Config{{ReplySize: 30}} },
			wantErr: "reply_size",
		},
		{
			name: "duplicate target",
			mutate: func(c *Config) {
				c.Adapters = []adapter.Config{{Targets: []adapter.Target{{Handle: 5}, {Handle: 5}}}}
			},
			wantErr: "duplicate target handle: 0x0005",
		},
		{
			name: "page size",
			mutate: func(c *Config) {
				c.Adapters = []adapter.Config{{Targets: []adapter.Target{{Handle: 5, PageSizeExp: 9}}}}
			},
			wantErr: "page_size_exp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)

			err := c.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
