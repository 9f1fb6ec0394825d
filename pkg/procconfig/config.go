// Package procconfig loads remctld/remctl process-level settings —
// listen address, service principal, keytab, rule-table path, pidfile,
// and log level/format — from flags, environment, a YAML file, and
// defaults, in that order of precedence. This is distinct from
// pkg/config, which hand-parses the remctl.conf rule-table grammar and
// never touches viper.
package procconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is remctld's process-level configuration.
type Config struct {
	// Listen is the "host:port" the server binds, or ":4373" if empty.
	Listen string `mapstructure:"listen" yaml:"listen"`

	// ConfFile is the path to the remctl.conf rule table.
	ConfFile string `mapstructure:"conf_file" yaml:"conf_file"`

	// Principal is the service principal to accept as, e.g.
	// "host/server.example.com@EXAMPLE.COM". Empty selects the default
	// entry in the keytab.
	Principal string `mapstructure:"principal" yaml:"principal"`

	// KeytabPath is the path to the Kerberos keytab holding Principal's key.
	KeytabPath string `mapstructure:"keytab_path" yaml:"keytab_path"`

	// PIDFile, if set, receives the server's process id on startup.
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file,omitempty"`

	// InactivityTimeout bounds how long a connection may sit idle
	// between tokens before the server closes it.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the optional Prometheus scrape endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to emit: debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Load reads configuration from configPath (if non-empty) over defaults;
// file values win over defaults. Environment variables prefixed REMCTLD_
// override only keys that the config file also sets, and are not read at
// all when no config file is found.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			return nil, fmt.Errorf("procconfig: unmarshal: %w", err)
		}
	}
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("procconfig: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("procconfig: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("procconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("procconfig: write %s: %w", path, err)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Listen:            ":4373",
		InactivityTimeout: time.Hour,
		Logging:           LoggingConfig{Level: "info", Format: "text"},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":4373"
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	if cfg.ConfFile == "" {
		return fmt.Errorf("conf_file is required")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", cfg.Logging.Format)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("REMCTLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("remctld")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook lets "inactivity_timeout" be written as a
// human-readable string ("1h", "90s") as well as a raw integer of
// nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "remctld")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "remctld")
}

// DefaultConfigPath returns the default remctld.yaml location.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "remctld.yaml")
}
