// Package config holds the immutable configuration value constructed once at
// startup and passed explicitly into every component. There is no global
// settings lookup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level dyngate configuration.
type Config struct {
	D365    D365Config    `yaml:"d365"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// D365Config identifies the Finance & Operations environment and the Azure AD
// app registration used to reach it.
type D365Config struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// Instance is the environment host prefix,
	// e.g. "myorg" for https://myorg.operations.dynamics.com.
	Instance string `yaml:"instance"`
	// DefaultCompany is the dataAreaId assumed when a request names none.
	DefaultCompany string `yaml:"default_company"`
	// RequestTimeout bounds individual OData requests.
	RequestTimeout string `yaml:"request_timeout"`
}

// ResourceURL derives the environment base URL from the instance name.
func (d D365Config) ResourceURL() string {
	return "https://" + d.Instance + ".operations.dynamics.com"
}

// SyncConfig controls the background metadata sync scheduler.
type SyncConfig struct {
	// TickInterval is how often the scheduler re-evaluates whether a sync
	// is due.
	TickInterval string `yaml:"tick_interval"`
	// RefreshInterval is the maximum age of cached metadata.
	RefreshInterval string `yaml:"refresh_interval"`
	// RetryInterval is the backoff after a failed sync attempt.
	RetryInterval string `yaml:"retry_interval"`
	// BatchSize is how many rows accumulate per bulk insert during parsing.
	BatchSize int `yaml:"batch_size"`
	// ShutdownGrace bounds how long shutdown waits for an in-flight sync.
	ShutdownGrace string `yaml:"shutdown_grace"`
}

// ServerConfig controls the HTTP transport (when serving over HTTP rather
// than stdio).
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	RateLimit       int        `yaml:"rate_limit"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// StorageConfig locates the local metadata cache.
type StorageConfig struct {
	// DataDir holds the SQLite database. Empty selects an in-memory
	// database, which loses the cache across restarts.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-filled with sensible defaults. Credentials
// and the instance name have no defaults and must come from the file or
// environment.
func Default() *Config {
	return &Config{
		D365: D365Config{
			DefaultCompany: "dat",
			RequestTimeout: "30s",
		},
		Sync: SyncConfig{
			TickInterval:    "5m",
			RefreshInterval: "12h",
			RetryInterval:   "30m",
			BatchSize:       1000,
			ShutdownGrace:   "30s",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			RateLimit:       100,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "DELETE"},
			},
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dyngate"
	}
	return home + "/.dyngate"
}

// Validate checks that the fields every component depends on are present.
func (c *Config) Validate() error {
	if c.D365.TenantID == "" {
		return fmt.Errorf("d365.tenant_id is required")
	}
	if c.D365.ClientID == "" {
		return fmt.Errorf("d365.client_id is required")
	}
	if c.D365.ClientSecret == "" {
		return fmt.Errorf("d365.client_secret is required")
	}
	if c.D365.Instance == "" {
		return fmt.Errorf("d365.instance is required")
	}
	return nil
}

// Duration parses a duration field, returning fallback on empty or invalid
// values.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
