package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig contains all configuration for the batch submission client.
type ClientConfig struct {
	API     APIConfig     `mapstructure:"api"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// APIConfig contains remote API endpoint and credentials.
type APIConfig struct {
	URL   string `mapstructure:"url"`
	Key   string `mapstructure:"key"`
	Email string `mapstructure:"email"`
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	MaxWorkers   int           `mapstructure:"max_workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig contains logging-related configuration.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	JobLogs bool   `mapstructure:"job_logs"`
}

// Load reads the client configuration. If configPath is empty, it looks
// for marsq.yaml in the config/ directory and the working directory.
// Environment variables with ECMWF_API_ prefix override config file
// values. Credentials missing after that are filled from ~/.ecmwfapirc,
// the rc file of the original API client.
func Load(configPath string) (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("api.url", "https://api.ecmwf.int/v1")
	v.SetDefault("api.key", "")
	v.SetDefault("api.email", "")
	v.SetDefault("pool.max_workers", 3)
	v.SetDefault("pool.poll_interval", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.job_logs", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("marsq")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ECMWF_API")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The original API client reads credentials from ECMWF_API_URL,
	// ECMWF_API_KEY and ECMWF_API_EMAIL; honor those names in addition
	// to the prefixed forms so existing setups keep working.
	v.BindEnv("api.url", "ECMWF_API_API_URL", "ECMWF_API_URL")
	v.BindEnv("api.key", "ECMWF_API_API_KEY", "ECMWF_API_KEY")
	v.BindEnv("api.email", "ECMWF_API_API_EMAIL", "ECMWF_API_EMAIL")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.API.Key == "" || cfg.API.Email == "" {
		if err := fillFromRCFile(&cfg.API); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// fillFromRCFile reads missing credentials from ~/.ecmwfapirc, a JSON file
// of the form {"url": ..., "key": ..., "email": ...}. A missing rc file is
// not an error; credentials are checked at submission time.
func fillFromRCFile(api *APIConfig) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(home, ".ecmwfapirc"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading .ecmwfapirc: %w", err)
	}
	var rc struct {
		URL   string `json:"url"`
		Key   string `json:"key"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &rc); err != nil {
		return fmt.Errorf("error parsing .ecmwfapirc: %w", err)
	}
	if api.Key == "" {
		api.Key = rc.Key
	}
	if api.Email == "" {
		api.Email = rc.Email
	}
	if rc.URL != "" && api.URL == "https://api.ecmwf.int/v1" {
		api.URL = rc.URL
	}
	return nil
}
