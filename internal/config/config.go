// Package config loads the daemon's environment-driven configuration:
// data_dir, bind_address, allowed_commands, and allowed_cwd_prefixes. An
// optional data_dir/config.yaml is layered on top of environment defaults so
// deployments can commit a file instead of setting variables.
package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all recognized environment variables, e.g.
// PROCESSD_DATA_DIR.
const EnvPrefix = "PROCESSD"

// Wildcard means "accept all" for AllowedCommands / AllowedCwdPrefixes.
const Wildcard = "*"

// Config is the resolved daemon configuration.
type Config struct {
	DataDir             string   `mapstructure:"data_dir"`
	BindAddress         string   `mapstructure:"bind_address"`
	AllowedCommands     []string `mapstructure:"allowed_commands"`
	AllowedCwdPrefixes  []string `mapstructure:"allowed_cwd_prefixes"`
}

// Load resolves configuration from environment variables prefixed with
// PROCESSD_ and, if present, dataDirHint/config.yaml. dataDirHint lets the
// caller point at a config file before data_dir itself is known to viper
// (the common case: data_dir is set via env and its config.yaml is read
// from that same directory).
func Load(dataDirHint string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("data_dir", dataDirHint)
	v.SetDefault("bind_address", "127.0.0.1:8080")
	v.SetDefault("allowed_commands", []string{Wildcard})
	v.SetDefault("allowed_cwd_prefixes", []string{Wildcard})

	if dataDirHint != "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDirHint)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, err
			}
		}
	}

	// viper's AutomaticEnv does not split comma-delimited list env vars;
	// a single comma-bearing element means the value came from the
	// environment and needs splitting by hand.
	for _, key := range []string{"allowed_commands", "allowed_cwd_prefixes"} {
		if s := v.GetStringSlice(key); len(s) == 1 && strings.Contains(s[0], ",") {
			v.Set(key, strings.Split(s[0], ","))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDirHint
	}
	cfg.DataDir = filepath.Clean(cfg.DataDir)
	return cfg, nil
}
