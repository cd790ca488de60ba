// Package config loads and validates the cratesync YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// SpotifyToken is the OAuth access token used against the Spotify Web
	// API. Leave empty to run without an account: the library stays empty
	// and no polling happens.
	SpotifyToken string `yaml:"spotify_token"`

	// PollInterval controls how often the library is checked for changes.
	// Minimum 10s, maximum 10m. Defaults to 1m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PageSize is the number of items requested per library page.
	// Between 1 and 50 (the API maximum). Defaults to 50 if unset.
	PageSize int `yaml:"page_size"`

	// DBPath is the location of the SQLite cache. Defaults to
	// ~/.local/share/cratesync/library.db if unset.
	DBPath string `yaml:"db_path"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "cratesync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/cratesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cratesync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all fields are well-formed and fills in defaults.
func (c *Config) validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = time.Minute
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > 10*time.Minute {
		return fmt.Errorf("poll_interval %v is too long (maximum 10m)", c.PollInterval)
	}

	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.PageSize < 1 || c.PageSize > 50 {
		return fmt.Errorf("page_size %d is out of range (1-50)", c.PageSize)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
