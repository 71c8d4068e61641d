// Package config loads the roomsyncd configuration.
//
// Values come from three layers, later ones winning:
//   - Default()
//   - a YAML file, given by --config or ROOMSYNC_CONFIG
//   - ROOMSYNC_* environment variables
//
// ${VAR} and ${VAR:-default} are expanded in path values.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roomsync/roomsync.go/pkg/constants"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMSYNC_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
	Actor   ActorConfig   `yaml:"actor"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	// Level is a zerolog level name. Default: info
	Level string `yaml:"level"`
	// Path is a log file. Empty logs to stdout.
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// Secret signs connection tokens. Required.
	Secret string `yaml:"secret"`
	// TokenTTL is the lifetime of issued tokens. Default: 1h
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
}

type StoreConfig struct {
	// Driver is one of memory, badger, sqlite. Default: memory
	Driver string `yaml:"driver"`
	// Path is the badger directory or the sqlite file.
	Path string `yaml:"path"`
}

type ActorConfig struct {
	// IdleTimeout tears down an actor without connections. Default: 2m
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	InboxSize    int           `yaml:"inbox_size"`
	SeenOpsLimit int           `yaml:"seen_ops_limit"`
}

type ServerConfig struct {
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	ReadMaxPayloadSize int           `yaml:"read_max_payload_size"`
}

type MetricsConfig struct {
	// Enabled serves /metrics. Default: true
	Enabled bool `yaml:"enabled"`
}

func Default() *Config {
	return &Config{
		Listen:  ":8080",
		Log:     LogConfig{Level: "info"},
		Auth:    AuthConfig{TokenTTL: constants.DefaultTokenTTL, Issuer: "roomsync"},
		Store:   StoreConfig{Driver: DriverMemory},
		Actor:   ActorConfig{IdleTimeout: constants.DefaultActorIdleTimeout},
		Server:  ServerConfig{ShutdownTimeout: 5 * time.Second},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads path, or ROOMSYNC_CONFIG when path is empty, then applies
// environment overrides. Without any file the defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_PATH", &c.Log.Path)
	str("TOKEN_SECRET", &c.Auth.Secret)
	dur("TOKEN_TTL", &c.Auth.TokenTTL)
	str("TOKEN_ISSUER", &c.Auth.Issuer)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	dur("ACTOR_IDLE_TIMEOUT", &c.Actor.IdleTimeout)
	num("ACTOR_INBOX_SIZE", &c.Actor.InboxSize)
	num("ACTOR_SEEN_OPS_LIMIT", &c.Actor.SeenOpsLimit)
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	num("READ_MAX_PAYLOAD_SIZE", &c.Server.ReadMaxPayloadSize)
	flag("METRICS_ENABLED", &c.Metrics.Enabled)

	return errors.Join(errs...)
}

func (c *Config) expandVariables() {
	c.Store.Path = expandVars(c.Store.Path)
	c.Log.Path = expandVars(c.Log.Path)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, fmt.Errorf("auth.secret is required (or %sTOKEN_SECRET)", EnvPrefix))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth.token_ttl must be positive, got %s", c.Auth.TokenTTL))
	}
	switch strings.ToLower(c.Store.Driver) {
	case DriverMemory:
	case DriverBadger, DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.driver: %q", c.Store.Driver))
	}
	if c.Actor.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("actor.idle_timeout must not be negative, got %s", c.Actor.IdleTimeout))
	}

	return errors.Join(errs...)
}
