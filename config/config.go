// Package config loads the master server configuration.
//
// Configuration is resolved through Viper with the usual precedence:
// environment variables (KALDIGST_*) > kaldigstserver.toml in the working
// directory > built-in defaults. The --port CLI flag overrides everything.
package config

import (
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/errors"
)

// Config holds the resolved master server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Reference ReferenceConfig `mapstructure:"reference"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the listener and static content.
type ServerConfig struct {
	Port       int    `mapstructure:"port"`        // listening port (default 8888)
	StaticDir  string `mapstructure:"static_dir"`  // directory served under /client/static/
	ReadmePath string `mapstructure:"readme_path"` // file served at /
}

// ReferenceConfig configures the reference-transcript store.
type ReferenceConfig struct {
	Path string `mapstructure:"path"` // JSON file path (default reference-content.json)
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	JSON      bool `mapstructure:"json"`      // emit JSON lines instead of console output
	Verbosity int  `mapstructure:"verbosity"` // 0 warn, 1 info, 2 debug
}

// DefaultPort is the port the master listens on when nothing else is
// configured. Matches the port the worker fleet is deployed against.
const DefaultPort = 8888

const configName = "kaldigstserver"

var (
	mu           sync.Mutex
	globalConfig *Config
)

func initViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KALDIGST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.static_dir", "static")
	v.SetDefault("server.readme_path", "README.md")
	v.SetDefault("reference.path", "reference-content.json")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.verbosity", 1)
}

// Load resolves the configuration. The result is cached; concurrent callers
// get the same instance.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := load()
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// Reload discards the cached configuration and reads it again. Used by the
// config watcher after the file changes on disk.
func Reload() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	cfg, err := load()
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

func load() (*Config, error) {
	v := initViper()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults + env apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// ConfigFilePath returns the path of the config file Viper resolved, or ""
// when running on defaults only.
func ConfigFilePath() string {
	v := initViper()
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	return v.ConfigFileUsed()
}
