// Package config loads the cloudmgr configuration file and the connection
// import file.
//
// Configuration is read from a YAML file, then overridden by CLOUDMGR_*
// environment variables named after the key path (refresh.workers is
// CLOUDMGR_REFRESH_WORKERS), then validated. A .env file next to the working
// directory is loaded first so its values take part in the overrides and
// in ${VAR} expansion of the connection file.
//
//	database:
//	  path: /var/lib/cloudmgr/cloudmgr.db
//	refresh:
//	  interval: 15m
//	  workers: 4
//	secrets:
//	  key_file: /etc/cloudmgr/secret.key
//	connections_file: /etc/cloudmgr/connections.yaml
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// Config is the top-level configuration.
type Config struct {
	Database  DatabaseConfig          `yaml:"database"`
	Logging   telemetry.LoggingConfig `yaml:"logging"`
	Tracing   telemetry.TracingConfig `yaml:"tracing"`
	Metrics   telemetry.MetricsConfig `yaml:"metrics"`
	Events    telemetry.EventsConfig  `yaml:"events"`
	Refresh   RefreshConfig           `yaml:"refresh"`
	Secrets   SecretsConfig           `yaml:"secrets"`
	Providers ProvidersConfig         `yaml:"providers"`

	// ConnectionsFile is an optional connection import file watched by serve.
	ConnectionsFile string `yaml:"connections_file"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// RefreshConfig drives background refreshes.
type RefreshConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	Workers  int           `yaml:"workers" validate:"gte=1,lte=64"`

	// Zone restricts background refreshes to connections in this zone.
	Zone string `yaml:"zone"`
}

// SecretsConfig holds the key used to seal stored secrets. Key takes
// precedence over KeyFile. With neither set, secrets are stored unsealed.
type SecretsConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig holds adapter defaults.
type ProvidersConfig struct {
	HCloud HCloudConfig `yaml:"hcloud"`
	AWS    AWSConfig    `yaml:"aws"`
}

// HCloudConfig configures the Hetzner Cloud adapter.
type HCloudConfig struct {
	// Timeout bounds each API request.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// AWSConfig configures the AWS adapter.
type AWSConfig struct {
	// DefaultRegion is used by connections without a region.
	DefaultRegion string `yaml:"default_region"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	tel.Metrics.Enabled = false
	tel.Events.EnableAsync = false
	return &Config{
		Database: DatabaseConfig{
			Path:         "cloudmgr.db",
			MaxOpenConns: 8,
			BusyTimeout:  5 * time.Second,
		},
		Logging: tel.Logging,
		Tracing: tel.Tracing,
		Metrics: tel.Metrics,
		Events:  tel.Events,
		Refresh: RefreshConfig{
			Interval: 15 * time.Minute,
			Workers:  4,
		},
		Providers: ProvidersConfig{
			HCloud: HCloudConfig{Timeout: 60 * time.Second},
			AWS:    AWSConfig{DefaultRegion: "us-east-1"},
		},
	}
}

// TelemetryConfig returns the telemetry sections as a telemetry.Config.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = version
	tel.Logging = c.Logging
	tel.Tracing = c.Tracing
	tel.Metrics = c.Metrics
	tel.Events = c.Events
	return tel
}

// Sealer returns the sealer for stored secrets.
func (s SecretsConfig) Sealer() (credentials.Sealer, error) {
	encoded := s.Key
	if encoded == "" && s.KeyFile != "" {
		data, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret key file: %w", err)
		}
		encoded = string(data)
	}
	if encoded == "" {
		return credentials.PlaintextSealer(), nil
	}

	key, err := credentials.ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return credentials.NewSealer(key)
}
