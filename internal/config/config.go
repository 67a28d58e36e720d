// Package config loads node settings from a file, the environment and
// command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"
)

const EnvPrefix = "PEERMUX"

// Timeouts are the protocol timings shared by the multiplexer and the
// heartbeat monitor.
type Timeouts struct {
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout         time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatResponseTimeout time.Duration `mapstructure:"heartbeat_response_timeout"`
	HeartbeatPauseTimeout    time.Duration `mapstructure:"heartbeat_pause_timeout"`
	StalledTimeout           time.Duration `mapstructure:"stalled_timeout"`
	ResponseTimeout          time.Duration `mapstructure:"response_timeout"`
	SelectorTimeout          time.Duration `mapstructure:"selector_timeout"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config for a node.
type Config struct {
	Listen      string   `mapstructure:"listen"`
	Peers       []string `mapstructure:"peers"`
	Role        string   `mapstructure:"role"`
	Seed        string   `mapstructure:"seed"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	Timeouts    Timeouts `mapstructure:"timeouts"`
	Logging     Logging  `mapstructure:"logging"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "/ip4/0.0.0.0/tcp/9200")
	v.SetDefault("peers", []string{})
	v.SetDefault("role", "client")
	v.SetDefault("seed", "")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("timeouts.heartbeat_interval", 3*time.Second)
	v.SetDefault("timeouts.heartbeat_timeout", 10*time.Second)
	v.SetDefault("timeouts.heartbeat_response_timeout", 60*time.Second)
	v.SetDefault("timeouts.heartbeat_pause_timeout", 20*time.Second)
	v.SetDefault("timeouts.stalled_timeout", 5*time.Second)
	v.SetDefault("timeouts.response_timeout", 300*time.Second)
	v.SetDefault("timeouts.selector_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when given, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the relations between settings.
func (c *Config) Validate() error {
	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"heartbeat_interval":         t.HeartbeatInterval,
		"heartbeat_timeout":          t.HeartbeatTimeout,
		"heartbeat_response_timeout": t.HeartbeatResponseTimeout,
		"heartbeat_pause_timeout":    t.HeartbeatPauseTimeout,
		"stalled_timeout":            t.StalledTimeout,
		"response_timeout":           t.ResponseTimeout,
		"selector_timeout":           t.SelectorTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	if t.HeartbeatTimeout >= t.HeartbeatResponseTimeout {
		return errors.New("timeouts.heartbeat_timeout must be shorter than timeouts.heartbeat_response_timeout")
	}
	switch c.Role {
	case "client", "server":
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if _, err := multiaddr.NewMultiaddr(c.Listen); err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	for _, p := range c.Peers {
		if _, err := multiaddr.NewMultiaddr(p); err != nil {
			return fmt.Errorf("parse peer address %q: %w", p, err)
		}
	}
	return nil
}

// Warnings lists settings that are valid but likely wrong.
func (c *Config) Warnings() []string {
	var out []string
	if c.Timeouts.HeartbeatInterval >= c.Timeouts.HeartbeatTimeout {
		out = append(out, "timeouts.heartbeat_interval is not shorter than timeouts.heartbeat_timeout; dead peers will be detected late")
	}
	return out
}
