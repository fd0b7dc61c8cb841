// Package config loads bus, persistence and relay settings from a YAML
// file with environment overrides (prefix XCQRS_).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xcqrs"
	"github.com/trickstertwo/xcqrs/adapter/redisstream"
	"github.com/trickstertwo/xcqrs/adapter/sqlite"
	"github.com/trickstertwo/xcqrs/outbox"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "XCQRS_"

type Config struct {
	Bus    BusConfig    `yaml:"bus" envPrefix:"BUS_"`
	SQLite SQLiteConfig `yaml:"sqlite" envPrefix:"SQLITE_"`
	Redis  RedisConfig  `yaml:"redis" envPrefix:"REDIS_"`
	Relay  RelayConfig  `yaml:"relay" envPrefix:"RELAY_"`
}

type BusConfig struct {
	Codec            string        `yaml:"codec" env:"CODEC"`
	MaxCascadeDepth  int           `yaml:"max_cascade_depth" env:"MAX_CASCADE_DEPTH"`
	MaxCascadeEvents int           `yaml:"max_cascade_events" env:"MAX_CASCADE_EVENTS"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	Backtrace        bool          `yaml:"backtrace" env:"BACKTRACE"`
	OutboxAllEvents  bool          `yaml:"outbox_all_events" env:"OUTBOX_ALL_EVENTS"`
	ObserverWorkers  int           `yaml:"observer_workers" env:"OBSERVER_WORKERS"`
	ObserverBuffer   int           `yaml:"observer_buffer" env:"OBSERVER_BUFFER"`
}

type SQLiteConfig struct {
	Path         string        `yaml:"path" env:"PATH"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
	MaxOpenConns int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Username     string `yaml:"username" env:"USERNAME"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	TLS          bool   `yaml:"tls" env:"TLS"`
	Stream       string `yaml:"stream" env:"STREAM"`
	StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	MaxLenApprox int64  `yaml:"max_len_approx" env:"MAX_LEN_APPROX"`
}

type RelayConfig struct {
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	BatchSize int           `yaml:"batch_size" env:"BATCH_SIZE"`
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	sq := sqlite.DefaultConfig()
	rs := redisstream.Defaults()
	return Config{
		Bus: BusConfig{
			Codec:           "json",
			MaxCascadeDepth: xcqrs.DefaultMaxCascadeDepth,
		},
		SQLite: SQLiteConfig{
			Path:         "xcqrs.db",
			BusyTimeout:  sq.BusyTimeout,
			MaxOpenConns: sq.MaxOpenConns,
		},
		Redis: RedisConfig{
			Addr:         rs.Addr,
			StreamPrefix: rs.StreamPrefix,
		},
		Relay: RelayConfig{
			Interval:  time.Second,
			BatchSize: 100,
		},
	}
}

// Load starts from Defaults, overlays the YAML file at path (skipped when
// path is empty) and then XCQRS_* environment variables, and validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	var errs []error
	if c.Bus.Codec == "" {
		errs = append(errs, errors.New("config: bus.codec required"))
	}
	if c.Bus.MaxCascadeDepth < 1 {
		errs = append(errs, fmt.Errorf("config: bus.max_cascade_depth must be >= 1, got %d", c.Bus.MaxCascadeDepth))
	}
	if c.Bus.MaxCascadeEvents < 0 {
		errs = append(errs, fmt.Errorf("config: bus.max_cascade_events must be >= 0, got %d", c.Bus.MaxCascadeEvents))
	}
	if c.Bus.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: bus.handler_timeout must be >= 0, got %v", c.Bus.HandlerTimeout))
	}
	if c.Bus.ObserverWorkers < 0 {
		errs = append(errs, fmt.Errorf("config: bus.observer_workers must be >= 0, got %d", c.Bus.ObserverWorkers))
	}
	if c.SQLite.Path == "" {
		errs = append(errs, errors.New("config: sqlite.path required"))
	}
	if c.Relay.Interval <= 0 {
		errs = append(errs, fmt.Errorf("config: relay.interval must be > 0, got %v", c.Relay.Interval))
	}
	if c.Relay.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("config: relay.batch_size must be >= 1, got %d", c.Relay.BatchSize))
	}
	if c.Redis.Enabled {
		if err := c.Redis.Publisher().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply copies the bus settings onto bb.
func (c Config) Apply(bb *xcqrs.BusBuilder) *xcqrs.BusBuilder {
	bb.WithCodec(c.Bus.Codec).
		WithMaxCascadeDepth(c.Bus.MaxCascadeDepth).
		WithMaxCascadeEvents(c.Bus.MaxCascadeEvents).
		WithHandlerTimeout(c.Bus.HandlerTimeout).
		WithBacktrace(c.Bus.Backtrace)
	if c.Bus.OutboxAllEvents {
		bb.WithOutboxFilter(xcqrs.AllEvents)
	}
	if c.Bus.ObserverWorkers > 0 {
		bb.WithObserverPool(c.Bus.ObserverWorkers, c.Bus.ObserverBuffer)
	}
	return bb
}

func (s SQLiteConfig) Config() sqlite.Config {
	return sqlite.Config{BusyTimeout: s.BusyTimeout, MaxOpenConns: s.MaxOpenConns}
}

func (r RedisConfig) Publisher() redisstream.Config {
	return redisstream.Config{
		Addr:         r.Addr,
		Username:     r.Username,
		Password:     r.Password,
		DB:           r.DB,
		TLS:          r.TLS,
		Stream:       r.Stream,
		StreamPrefix: r.StreamPrefix,
		MaxLenApprox: r.MaxLenApprox,
	}
}

func (r RelayConfig) Relay() outbox.Config {
	return outbox.Config{Interval: r.Interval, BatchSize: r.BatchSize}
}
