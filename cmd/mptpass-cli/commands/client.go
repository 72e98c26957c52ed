package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/mptpass/internal/httputil"
	"github.com/piwi3910/mptpass/pkg/ptapi"
)

// File permission constants.
const (
	dirPermissions  = 0700
	filePermissions = 0600
)

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Timeout    string `yaml:"timeout,omitempty"`
	SkipVerify bool   `yaml:"skip_verify"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint: "http://127.0.0.1:9310",
	}
}

// configPath returns the path to the config file.
func configPath() string {
	if p := os.Getenv("MPTPASS_CLI_CONFIG"); p != "" {
		return p
	}

	home, _ := os.UserHomeDir()

	return filepath.Join(home, ".mptpass", "cli.yaml")
}

// LoadConfig loads the configuration from file or environment.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath())
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	if endpoint := os.Getenv("MPTPASS_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}

	if skip := os.Getenv("MPTPASS_SKIP_VERIFY"); skip != "" {
		cfg.SkipVerify = parseBool(skip)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to file.
func SaveConfig(cfg *ClientConfig) error {
	path := configPath()

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// NewAPIClient creates an admin API client from the configuration.
func NewAPIClient() (*ptapi.Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	httpCfg := httputil.DefaultConfig()
	httpCfg.SkipTLSVerify = cfg.SkipVerify

	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}

		httpCfg.Timeout = d
	}

	return ptapi.NewClient(cfg.Endpoint, httputil.NewClient(httpCfg)), nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1" || v == "yes"
}

func parseAdapterID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid adapter id: %s", arg)
	}

	return id, nil
}

// wantJSON reports whether --json was given.
func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
