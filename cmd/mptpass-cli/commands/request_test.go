package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/pkg/ptapi"
)

func TestParseRequest(t *testing.T) {
	doc := `
command: "00 00 00 20 00 00 00 00"
timeout: 45s
non_blocking: true
buffers:
  - type: data_out
    data: "de:ad:be:ef"
  - type: data_in
    length: 512
  - type: reply
    length: 80
`

	req, err := ParseRequest([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0, 0, 0x20, 0, 0, 0, 0}, req.Command)
	assert.Equal(t, ptapi.Duration(45*time.Second), req.Timeout)
	assert.True(t, req.NonBlocking)

	require.Len(t, req.Buffers, 3)
	assert.Equal(t, ptapi.Buffer{Type: "data_out", Data: []byte{0xde, 0xad, 0xbe, 0xef}, Length: 4}, req.Buffers[0])
	assert.Equal(t, uint32(512), req.Buffers[1].Length)
	assert.Nil(t, req.Buffers[1].Data)
}

func TestParseRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing command", "buffers: []"},
		{"bad hex", `command: "zz"`},
		{"odd hex", `command: "123"`},
		{"bad timeout", "command: \"00\"\ntimeout: soon"},
		{"bad buffer", "command: \"00\"\nbuffers:\n  - type: data_out\n    data: \"0g\""},
		{"not yaml", "command: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.yaml")
	require.NoError(t, os.WriteFile(path, []byte("command: \"0x0000000a\"\n"), 0o600))

	req, err := LoadRequestFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0x0a}, req.Command)

	_, err = LoadRequestFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MPTPASS_CLI_CONFIG", filepath.Join(t.TempDir(), "cli.yaml"))
	t.Setenv("MPTPASS_ENDPOINT", "http://10.0.0.1:9310")
	t.Setenv("MPTPASS_SKIP_VERIFY", "yes")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:9310", cfg.Endpoint)
	assert.True(t, cfg.SkipVerify)
}

func TestSaveAndLoadConfig(t *testing.T) {
	t.Setenv("MPTPASS_CLI_CONFIG", filepath.Join(t.TempDir(), "nested", "cli.yaml"))

	require.NoError(t, SaveConfig(&ClientConfig{Endpoint: "https://host:9443", Timeout: "5m"}))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://host:9443", cfg.Endpoint)
	assert.Equal(t, "5m", cfg.Timeout)
}

func TestParseOpcode(t *testing.T) {
	op, err := parseOpcode("changecount")
	require.NoError(t, err)
	assert.Equal(t, uint8(5), op)

	op, err = parseOpcode("0x08")
	require.NoError(t, err)
	assert.Equal(t, uint8(8), op)

	_, err = parseOpcode("bogus")
	assert.Error(t, err)
}
