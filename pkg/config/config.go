// Package config loads server settings from defaults, an optional config
// file, NOTELIVE_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/astromechza/notelive/pkg/rooms"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Live     LiveConfig     `mapstructure:"live"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// Admins may join the global room and view the room graph.
	Admins []string `mapstructure:"admins"`
}

// LiveConfig tunes live connections and broadcast delivery.
type LiveConfig struct {
	// QueueSize bounds each viewer's outbound queue; <= 0 is unbounded.
	QueueSize      int           `mapstructure:"queue_size"`
	Overflow       string        `mapstructure:"overflow"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("database.path", "notelive.sqlite3")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 72*time.Hour)
	v.SetDefault("auth.admins", []string{})
	v.SetDefault("live.queue_size", 32)
	v.SetDefault("live.overflow", string(rooms.Drop))
	v.SetDefault("live.enqueue_timeout", 2*time.Second)
	v.SetDefault("live.ping_interval", 30*time.Second)
	v.SetDefault("live.write_timeout", 10*time.Second)
}

// Load parses args (without the program name) and builds the config.
func Load(args []string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("notelive-server", pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("NOTELIVE_CONFIG"), "path to a config file (yaml, toml or json)")
	fs.String("addr", "", "the address to listen on")
	fs.String("database", "", "path to the sqlite database")
	fs.Int("queue-size", 0, "per-viewer queue bound, <= 0 for unbounded")
	fs.String("overflow", "", "full queue policy: drop or block")
	for key, flag := range map[string]string{
		"server.addr":     "addr",
		"database.path":   "database",
		"live.queue_size": "queue-size",
		"live.overflow":   "overflow",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return Config{}, err
		}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", *configPath, err)
		}
	}

	v.SetEnvPrefix("NOTELIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if _, err := rooms.ParseOverflow(c.Live.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("live.overflow: %w", err))
	}
	if _, err := c.AdminIDs(); err != nil {
		errs = append(errs, err)
	}
	if c.Live.PingInterval <= 0 {
		errs = append(errs, errors.New("live.ping_interval must be positive"))
	}
	return errors.Join(errs...)
}

// AdminIDs parses the configured admin principals.
func (c Config) AdminIDs() (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(c.Auth.Admins))
	for _, raw := range c.Auth.Admins {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("auth.admins: %q: %w", raw, err)
		}
		out[id] = true
	}
	return out, nil
}
