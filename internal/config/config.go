// Package config provides centralized process-configuration loading via
// spf13/viper. It is distinct from acmecore's own installation.json: this
// package configures the process (working directory, ACME directory URL,
// splintermail base URL, log level), not the domain this process manages a
// certificate for.
package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Exported configuration keys.
const (
	LogLevelKey            = "log_level"
	WorkingDirKey          = "working_dir"
	ACMEDirectoryURLKey    = "acme.directory_url"
	SplintermailBaseURLKey = "splintermail.base_url"
	RequestTimeoutKey      = "request_timeout"
)

type Config struct {
	v          *viper.Viper
	mu         sync.RWMutex
	configPath string
	searchPaths []string
}

var (
	instance     *Config
	instanceOnce sync.Once
)

func getInstance() *Config {
	instanceOnce.Do(func() {
		instance = &Config{searchPaths: []string{".", "./configs"}}
	})
	return instance
}

type Option func(*Config)

// WithConfigPath sets an explicit config file path, overriding search
// paths.
func WithConfigPath(path string) Option {
	return func(c *Config) {
		c.configPath = path
		c.searchPaths = nil
	}
}

// Load initializes the singleton configuration with the given options.
func Load(opts ...Option) error {
	c := getInstance()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, opt := range opts {
		opt(c)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("acmecore")
	if c.configPath != "" {
		v.SetConfigFile(c.configPath)
	} else {
		for _, p := range c.searchPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix("ACMECORE")
	v.AutomaticEnv()
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(WorkingDirKey, "./acme-data")
	v.SetDefault(ACMEDirectoryURLKey, "https://acme-v02.api.letsencrypt.org/directory")
	v.SetDefault(RequestTimeoutKey, "30s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// config file not found: defaults + env vars still apply.
	}

	c.v = v
	return nil
}

func ensure() *Config {
	c := getInstance()
	c.mu.RLock()
	loaded := c.v != nil
	c.mu.RUnlock()
	if !loaded {
		_ = Load()
	}
	return c
}

func GetString(key string) string {
	c := ensure()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(key)
}

func GetDuration(key string) time.Duration {
	c := ensure()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetDuration(key)
}
