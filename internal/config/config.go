// Package config loads daemon startup configuration from an optional
// config.yaml plus MODUPROMPT_DAEMON_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full set of daemon startup settings.
type Config struct {
	// DBPath is the path to the single SQLite database file (§6).
	DBPath string `mapstructure:"db-path" yaml:"db-path"`
	// HTTPAddr is the address the HTTP transport listens on.
	HTTPAddr string `mapstructure:"http-addr" yaml:"http-addr"`
	// Token is the bearer token required on every HTTP route (§6). When
	// empty at Load time, the caller is expected to generate one.
	Token string `mapstructure:"token" yaml:"token"`
	// SafeMode suppresses all writes and the projection rebuild on boot.
	SafeMode bool `mapstructure:"safe-mode" yaml:"safe-mode"`
	// IncludeRejectionDetails opts into the command.rejected `details` field (§9).
	IncludeRejectionDetails bool `mapstructure:"include-rejection-details" yaml:"include-rejection-details"`
	// MaxConnections bounds concurrent in-flight HTTP requests, streams
	// included. The stdio transport does not use it.
	MaxConnections int `mapstructure:"max-connections" yaml:"max-connections"`
	// BroadcastCapacity is the per-subscriber buffered channel size (§4.6).
	BroadcastCapacity int `mapstructure:"broadcast-capacity" yaml:"broadcast-capacity"`
}

// YAML renders the effective, fully-resolved configuration (defaults plus
// file plus environment overrides) back to YAML, for an operator running
// with `-print-config` to see what actually took effect without having
// to reconstruct it from the file and the environment by hand.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal yaml: %w", err)
	}
	return data, nil
}

func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("db-path", "moduprompt.db")
	v.SetDefault("http-addr", "127.0.0.1:4777")
	v.SetDefault("safe-mode", false)
	v.SetDefault("include-rejection-details", false)
	v.SetDefault("max-connections", 64)
	v.SetDefault("broadcast-capacity", 1024)
	return v
}

// Load reads configPath (if it exists; a missing file is not an error) and
// applies MODUPROMPT_DAEMON_* environment overrides on top.
func Load(configPath string) (*Config, error) {
	v := defaults()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("MODUPROMPT_DAEMON")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
