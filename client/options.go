package client

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rkusa/dcs-jsonrpc/codec"
	"github.com/rkusa/dcs-jsonrpc/config"
	"github.com/rkusa/dcs-jsonrpc/transport"
)

type options struct {
	codec            codec.Codec
	dialTimeout      time.Duration
	outboundBuffer   int
	maxLine          int
	sweepInterval    time.Duration
	pendingWarnAfter time.Duration
	log              zerolog.Logger
}

func defaultOptions() options {
	return options{
		codec:            codec.Default,
		dialTimeout:      5 * time.Second,
		outboundBuffer:   transport.DefaultOutboundCapacity,
		maxLine:          transport.DefaultMaxLineSize,
		sweepInterval:    time.Second,
		pendingWarnAfter: 60 * time.Second,
		log:              log.Logger.With().Str("component", "client").Logger(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithCodec sets the codec used for params, results and event payloads.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithOutboundBuffer sets the capacity of the send queue.
func WithOutboundBuffer(n int) Option {
	return func(o *options) { o.outboundBuffer = n }
}

func WithMaxLineSize(n int) Option {
	return func(o *options) { o.maxLine = n }
}

// WithPendingSweep configures the diagnostic sweep: every interval, calls
// waiting longer than warnAfter are logged. A zero interval disables it.
func WithPendingSweep(interval, warnAfter time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = interval
		o.pendingWarnAfter = warnAfter
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// OptionsFromConfig translates the client section of cfg into options.
func OptionsFromConfig(cfg config.ClientConfig) []Option {
	opts := []Option{
		WithCodec(codec.Get(cfg.Codec)),
		WithOutboundBuffer(cfg.OutboundBuffer),
		WithPendingSweep(cfg.SweepInterval, cfg.PendingWarnAfter),
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, WithDialTimeout(cfg.DialTimeout))
	}
	return opts
}
