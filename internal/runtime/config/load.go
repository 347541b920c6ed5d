package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. SBFLOW_MAX_CONCURRENCY.
const DefaultEnvPrefix = "SBFLOW"

// Load reads the configuration file at pathFile, applies environment
// overrides and defaults, and validates the result. An empty path reads the
// environment only. The file type is inferred from the extension.
func Load(pathFile, envPrefix string) (*Config, error) {
	v := newViper(envPrefix)
	if pathFile != "" {
		v.SetConfigFile(filepath.Clean(pathFile))
		if ext := strings.TrimPrefix(filepath.Ext(pathFile), "."); ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return decode(v)
}

// LoadBytes is Load for in-memory configuration. configType is a format
// viper understands, such as "yaml", "json" or "toml".
func LoadBytes(configType string, data []byte, envPrefix string) (*Config, error) {
	if strings.TrimSpace(configType) == "" {
		return nil, errors.New("config type is required")
	}
	v := newViper(envPrefix)
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(envPrefix string) *viper.Viper {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be known to viper for AutomaticEnv to apply on Unmarshal.
	for _, key := range []string{
		"endpoint_name", "input_queue", "default_namespace", "partitioning",
		"receive_mode", "max_concurrency", "per_pump_concurrency",
		"receive_timeout", "lock_duration", "reconnect_backoff", "max_reconnect_backoff",
		"max_messages_per_batch", "max_batch_bytes", "send_via_receive_queue",
		"metrics_enabled", "metrics_port",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
