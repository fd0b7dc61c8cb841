package redisstream

import (
	"fmt"
	"time"
)

// Config for the Redis Streams publisher.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
	DialTimeout   time.Duration

	// Stream routing: a fixed stream, or StreamPrefix + entry topic.
	Stream       string
	StreamPrefix string

	// Stream management
	MaxLenApprox int64
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:         "127.0.0.1:6379",
		DB:           0,
		TLS:          false,
		DialTimeout:  2 * time.Second,
		StreamPrefix: "xcqrs:",
	}
}

// withDefaults fills zero fields from Defaults.
func (c Config) withDefaults() Config {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Stream == "" && c.StreamPrefix == "" {
		c.StreamPrefix = d.StreamPrefix
	}
	return c
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("config: db must be >= 0, got %d", c.DB)
	}
	if c.MaxLenApprox < 0 {
		return fmt.Errorf("config: max_len_approx must be >= 0, got %d", c.MaxLenApprox)
	}
	if c.Stream == "" && c.StreamPrefix == "" {
		return fmt.Errorf("config: stream or stream_prefix required")
	}
	return nil
}

// StreamFor returns the stream an entry with the given topic is written to.
func (c Config) StreamFor(topic string) string {
	if c.Stream != "" {
		return c.Stream
	}
	return c.StreamPrefix + topic
}
