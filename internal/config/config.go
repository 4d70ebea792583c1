// Package config loads broker settings from syncbroker.yaml and
// SYNCBROKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zoravur/syncbroker/internal/reactive"
	"github.com/zoravur/syncbroker/internal/storage"
)

const (
	configFileName = "syncbroker"
	configFileType = "yaml"
	envPrefix      = "SYNCBROKER"
)

type Config struct {
	HTTP     HTTPConfig            `mapstructure:"http"`
	Database DatabaseConfig        `mapstructure:"database"`
	Auth     AuthConfig            `mapstructure:"auth"`
	Sync     SyncConfig            `mapstructure:"sync"`
	WAL      WALConfig             `mapstructure:"wal"`
	Debug    bool                  `mapstructure:"debug"`
	Channels []storage.ChannelSpec `mapstructure:"channels"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowedOrigins limits websocket upgrades. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type AuthConfig struct {
	Disabled bool `mapstructure:"disabled"`

	// Provider checks login credentials: "store" (users table) or
	// "static" (accept anyone).
	Provider string `mapstructure:"provider"`

	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	Exempt   []string      `mapstructure:"exempt"`
}

type SyncConfig struct {
	Policy     string `mapstructure:"policy"`
	Exhaustive bool   `mapstructure:"exhaustive"`
}

type WALConfig struct {
	// Addr of the wal2json sidecar. Empty disables the feed.
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:syncbroker.db?_pragma=foreign_keys(1)")
	v.SetDefault("database.migrate", true)
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.provider", "store")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "syncbroker")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.exempt", []string{})
	v.SetDefault("sync.policy", "dependency")
	v.SetDefault("sync.exhaustive", false)
	v.SetDefault("wal.addr", "")
	v.SetDefault("debug", false)
}

// Load reads the config. path is either a yaml file or a directory to
// look for syncbroker.yaml in; empty means the working directory. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		v.SetConfigFile(path)
	} else {
		dir := path
		if dir == "" {
			dir = "."
		}
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(filepath.Clean(dir))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if !c.Auth.Disabled && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required unless auth.disabled is set"))
	}
	if c.Auth.Provider != "store" && c.Auth.Provider != "static" {
		errs = append(errs, fmt.Errorf("unknown auth provider %q", c.Auth.Provider))
	}
	if _, err := reactive.ParsePolicy(c.Sync.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := storage.DialectFor(c.Database.Driver); err != nil {
		errs = append(errs, err)
	}
	names := map[string]bool{}
	for i, ch := range c.Channels {
		name := ch.Name
		if name == "" {
			name = ch.Table
		}
		if name == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: name or table required", i))
			continue
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate channel %q", i, name))
		}
		names[name] = true
	}
	return errors.Join(errs...)
}
