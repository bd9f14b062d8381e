package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLOUDMGR_"

// DefaultEnvFile is loaded by Load when present.
const DefaultEnvFile = ".env"

var validate = validator.New()

// LoadEnv loads dotenv files into the process environment. Missing files
// are skipped and variables already set are kept.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads the configuration file at path. An empty path yields the
// defaults. Environment overrides are applied after the file is decoded.
func Load(path string) (*Config, error) {
	if err := LoadEnv(DefaultEnvFile); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, newEnvReader()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// newEnvReader returns a viper instance that resolves a configuration key
// such as refresh.interval from CLOUDMGR_REFRESH_INTERVAL.
func newEnvReader() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// EnvName returns the variable that overrides a configuration key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// envFields maps the overridable keys to their fields.
func envFields(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"database.path":                &cfg.Database.Path,
		"logging.level":                &cfg.Logging.Level,
		"logging.format":               &cfg.Logging.Format,
		"logging.output":               &cfg.Logging.Output,
		"tracing.enabled":              &cfg.Tracing.Enabled,
		"tracing.exporter":             &cfg.Tracing.Exporter,
		"tracing.endpoint":             &cfg.Tracing.Endpoint,
		"metrics.enabled":              &cfg.Metrics.Enabled,
		"metrics.listen_address":       &cfg.Metrics.ListenAddress,
		"refresh.interval":             &cfg.Refresh.Interval,
		"refresh.workers":              &cfg.Refresh.Workers,
		"refresh.zone":                 &cfg.Refresh.Zone,
		"secrets.key":                  &cfg.Secrets.Key,
		"secrets.key_file":             &cfg.Secrets.KeyFile,
		"providers.hcloud.timeout":     &cfg.Providers.HCloud.Timeout,
		"providers.aws.default_region": &cfg.Providers.AWS.DefaultRegion,
		"connections_file":             &cfg.ConnectionsFile,
	}
}

// applyEnv overrides fields from CLOUDMGR_* variables.
func applyEnv(cfg *Config, v *viper.Viper) error {
	for key, field := range envFields(cfg) {
		if !v.IsSet(key) {
			continue
		}
		raw := v.Get(key)

		var err error
		switch f := field.(type) {
		case *string:
			*f, err = cast.ToStringE(raw)
		case *int:
			*f, err = cast.ToIntE(raw)
		case *bool:
			*f, err = cast.ToBoolE(raw)
		case *time.Duration:
			*f, err = cast.ToDurationE(raw)
		}
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvName(key), err)
		}
	}
	return nil
}
