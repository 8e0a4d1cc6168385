// Package config loads the runner host configuration from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"runner-rpc/codec"
	"runner-rpc/loadbalance"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Limits    LimitsConfig    `yaml:"limits" toml:"limits"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// ServerConfig configures the runner host.
type ServerConfig struct {
	Network         string `yaml:"network" toml:"network"`
	Addr            string `yaml:"addr" toml:"addr"`
	AdvertiseAddr   string `yaml:"advertise_addr" toml:"advertise_addr"`     // Published in the directory; defaults to Addr.
	WebSocketAddr   string `yaml:"websocket_addr" toml:"websocket_addr"`     // Empty disables the websocket listener.
	WebSocketPath   string `yaml:"websocket_path" toml:"websocket_path"`
	Codec           string `yaml:"codec" toml:"codec"`                       // "json" or "binary".
	Heartbeat       string `yaml:"heartbeat" toml:"heartbeat"`               // Duration string, e.g. "30s". Empty disables.
	MaxBody         uint32 `yaml:"max_body" toml:"max_body"`                 // Max frame body in bytes.
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"` // Duration string.
}

// ClientConfig configures callers.
type ClientConfig struct {
	Codec          string `yaml:"codec" toml:"codec"`
	PoolSize       int    `yaml:"pool_size" toml:"pool_size"`
	Balancer       string `yaml:"balancer" toml:"balancer"` // "round_robin", "weighted_random" or "consistent_hash".
	RequestTimeout string `yaml:"request_timeout" toml:"request_timeout"`
}

// DiscoveryConfig configures the etcd directory. No endpoints disables
// discovery.
type DiscoveryConfig struct {
	Endpoints   []string `yaml:"endpoints" toml:"endpoints"`
	DialTimeout string   `yaml:"dial_timeout" toml:"dial_timeout"`
	TTL         int64    `yaml:"ttl" toml:"ttl"` // Lease in seconds.
	Prefix      string   `yaml:"prefix" toml:"prefix"`
}

// LimitsConfig bounds EXECUTE traffic. Rate 0 disables limiting.
type LimitsConfig struct {
	Rate    float64 `yaml:"rate" toml:"rate"` // Calls per second.
	Burst   int     `yaml:"burst" toml:"burst"`
	Timeout string  `yaml:"timeout" toml:"timeout"` // Per-call deadline. Empty disables.
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Network:         "tcp",
			Addr:            ":7070",
			WebSocketPath:   "/runners",
			Codec:           "binary",
			Heartbeat:       "30s",
			MaxBody:         16 << 20,
			ShutdownTimeout: "10s",
		},
		Client: ClientConfig{
			Codec:          "binary",
			PoolSize:       2,
			Balancer:       "round_robin",
			RequestTimeout: "30s",
		},
		Discovery: DiscoveryConfig{
			DialTimeout: "5s",
			TTL:         10,
			Prefix:      "/runner-rpc",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path, expands ${VAR} references and decodes it over Default.
// The format follows the extension: .yaml, .yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(expanded), &cfg)
	case ".toml":
		_, err = toml.Decode(expanded, &cfg)
	default:
		return Config{}, fmt.Errorf("config: unsupported format %q", filepath.Ext(path))
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks codec names, durations and limits.
func (c Config) Validate() error {
	var errs []error
	check := func(field, value string) {
		if value == "" {
			return
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))
		}
	}
	if _, err := codec.ParseType(c.Server.Codec); err != nil {
		errs = append(errs, fmt.Errorf("server.codec: %w", err))
	}
	if _, err := codec.ParseType(c.Client.Codec); err != nil {
		errs = append(errs, fmt.Errorf("client.codec: %w", err))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	check("server.heartbeat", c.Server.Heartbeat)
	check("server.shutdown_timeout", c.Server.ShutdownTimeout)
	check("client.request_timeout", c.Client.RequestTimeout)
	check("discovery.dial_timeout", c.Discovery.DialTimeout)
	check("limits.timeout", c.Limits.Timeout)
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr: required"))
	}
	if c.Client.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("client.pool_size: %d < 0", c.Client.PoolSize))
	}
	if len(c.Discovery.Endpoints) > 0 && c.Discovery.TTL <= 0 {
		errs = append(errs, fmt.Errorf("discovery.ttl: %d must be positive", c.Discovery.TTL))
	}
	if c.Limits.Rate < 0 || c.Limits.Burst < 0 {
		errs = append(errs, errors.New("limits: rate and burst must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Duration parses a validated duration field; empty means zero.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
