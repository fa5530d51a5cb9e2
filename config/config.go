// Package config reads the runtime settings from the environment
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/super-flat/flock/messaging/nats"
)

// Transport names
const (
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Config holds the settings of one OS process
type Config struct {
	LogLevel  string `env:"FLOCK_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FLOCK_LOG_FORMAT" envDefault:"json"`
	Transport string `env:"FLOCK_TRANSPORT" envDefault:"nats"`

	NatsURL             string        `env:"FLOCK_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Subject             string        `env:"FLOCK_SUBJECT" envDefault:"flock.actions"`
	PushSubject         string        `env:"FLOCK_PUSH_SUBJECT"`
	PingInterval        time.Duration `env:"FLOCK_PING_INTERVAL" envDefault:"2s"`
	MaxPingsOutstanding int           `env:"FLOCK_MAX_PINGS_OUTSTANDING" envDefault:"3"`
	MaxReconnects       int           `env:"FLOCK_MAX_RECONNECTS" envDefault:"3"`
	ConnectRetries      uint64        `env:"FLOCK_CONNECT_RETRIES" envDefault:"5"`
	// BufferSize bounds the subscriber buffers of the in-memory broker
	BufferSize          int           `env:"FLOCK_BUFFER_SIZE" envDefault:"1024"`
	Compression         bool          `env:"FLOCK_COMPRESSION" envDefault:"false"`

	InitMaxRetries uint64 `env:"FLOCK_INIT_MAX_RETRIES" envDefault:"5"`
}

// Load parses the environment into a Config
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse the environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportNATS, TransportMemory:
	default:
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.PingInterval <= 0 {
		return errors.New("the ping interval must be positive")
	}
	if c.BufferSize <= 0 {
		return errors.New("the buffer size must be positive")
	}
	return nil
}

// NATS returns the broker settings for the named process
func (c *Config) NATS(name string, logger *zap.Logger) nats.Config {
	return nats.Config{
		URL:                 c.NatsURL,
		Name:                name,
		Subject:             c.Subject,
		PushSubject:         c.PushSubject,
		PingInterval:        c.PingInterval,
		MaxPingsOutstanding: c.MaxPingsOutstanding,
		MaxReconnects:       c.MaxReconnects,
		ConnectRetries:      c.ConnectRetries,
		Compression:         c.Compression,
		Logger:              logger,
	}
}
