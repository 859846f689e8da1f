package server

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rkusa/dcs-jsonrpc/codec"
	"github.com/rkusa/dcs-jsonrpc/config"
	"github.com/rkusa/dcs-jsonrpc/transport"
)

type options struct {
	codec           codec.Codec
	outboundBuffer  int
	maxLine         int
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	rateLimit       float64
	rateBurst       int
	maxPending      int
	log             zerolog.Logger
}

func defaultOptions() options {
	return options{
		codec:           codec.Default,
		outboundBuffer:  transport.DefaultOutboundCapacity,
		maxLine:         transport.DefaultMaxLineSize,
		writeTimeout:    transport.DefaultWriteTimeout,
		shutdownTimeout: 5 * time.Second,
		log:             log.Logger.With().Str("component", "server").Logger(),
	}
}

// Option configures a Server.
type Option func(*options)

// WithCodec sets the codec used to encode results and broadcast payloads.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithOutboundBuffer sets the per-connection outbound queue capacity.
func WithOutboundBuffer(n int) Option {
	return func(o *options) { o.outboundBuffer = n }
}

func WithMaxLineSize(n int) Option {
	return func(o *options) { o.maxLine = n }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithShutdownTimeout bounds how long Stop waits for connections to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithRateLimit limits the calls each connection may enqueue to r per second
// with the given burst. Zero disables the limit.
func WithRateLimit(r float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = r
		o.rateBurst = burst
	}
}

// WithMaxPending caps the number of queued calls. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(o *options) { o.maxPending = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// OptionsFromConfig translates the server section of cfg into options.
func OptionsFromConfig(cfg config.ServerConfig) []Option {
	opts := []Option{
		WithOutboundBuffer(cfg.OutboundBuffer),
		WithMaxLineSize(cfg.MaxLineBytes),
		WithWriteTimeout(cfg.WriteTimeout),
		WithMaxPending(cfg.MaxPending),
	}
	if cfg.ShutdownTimeout > 0 {
		opts = append(opts, WithShutdownTimeout(cfg.ShutdownTimeout))
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		opts = append(opts, WithRateLimit(cfg.RateLimit, burst))
	}
	return opts
}
