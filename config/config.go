// Package config loads the YAML configuration shared by the server, the client
// and the command line tools.
//
//	server:
//	  address: 127.0.0.1:7777
//	  outbound_buffer: 128
//	  write_timeout: 30s
//	  rate_limit: 0        # calls per second per connection, 0 = unlimited
//	client:
//	  address: 127.0.0.1:7777
//	  sweep_interval: 1s
//	  pending_warn_after: 60s
//	logging:
//	  level: info
//	  pretty: true
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const DefaultAddress = "127.0.0.1:7777"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	OutboundBuffer  int           `yaml:"outbound_buffer"`
	MaxLineBytes    int           `yaml:"max_line_bytes"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	MaxPending      int           `yaml:"max_pending"` // 0 = unbounded
}

type ClientConfig struct {
	Address          string        `yaml:"address"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	OutboundBuffer   int           `yaml:"outbound_buffer"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	PendingWarnAfter time.Duration `yaml:"pending_warn_after"`
	Codec            string        `yaml:"codec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			OutboundBuffer:  128,
			MaxLineBytes:    64 << 20,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			Address:          DefaultAddress,
			DialTimeout:      5 * time.Second,
			OutboundBuffer:   128,
			SweepInterval:    time.Second,
			PendingWarnAfter: 60 * time.Second,
			Codec:            "json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads and validates the YAML file at path. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address must not be empty"))
	}
	if c.Server.OutboundBuffer < 0 || c.Client.OutboundBuffer < 0 {
		errs = append(errs, errors.New("outbound_buffer must not be negative"))
	}
	if c.Server.MaxLineBytes < 0 {
		errs = append(errs, errors.New("server.max_line_bytes must not be negative"))
	}
	if c.Server.MaxPending < 0 {
		errs = append(errs, errors.New("server.max_pending must not be negative"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must not be negative"))
	}
	if c.Client.SweepInterval < 0 || c.Client.PendingWarnAfter < 0 {
		errs = append(errs, errors.New("client sweep durations must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// Logger builds the root logger described by the logging section.
func (c LoggingConfig) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
