// Package config provides a reusable loader for covenantd configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/synnergy-coop/covenant/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a covenantd node. It mirrors the
// structure of the YAML files under cmd/config.
type Config struct {
	Node struct {
		DID       string `mapstructure:"did" json:"did"`
		KeyFile   string `mapstructure:"key_file" json:"key_file"`
		ScopeType string `mapstructure:"scope_type" json:"scope_type"`
	} `mapstructure:"node" json:"node"`

	Storage struct {
		DBPath       string `mapstructure:"db_path" json:"db_path"`
		MaxBlobBytes uint64 `mapstructure:"max_blob_bytes" json:"max_blob_bytes"`
	} `mapstructure:"storage" json:"storage"`

	Sandbox struct {
		DefaultFuelLimit uint64 `mapstructure:"default_fuel_limit" json:"default_fuel_limit"`
	} `mapstructure:"sandbox" json:"sandbox"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`

	HTTP struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"http" json:"http"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("COVENANT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up COVENANT_* overrides, plus .env via godotenv in cmd/covenantd

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the COVENANT_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("COVENANT_ENV", ""))
}

// YAML renders the effective configuration back out as YAML, for the CLI's
// config inspection verb.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, utils.Wrap(err, "render config")
	}
	return out, nil
}
