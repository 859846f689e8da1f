// Command dcsjsonrpc-host runs a demo host: a single-threaded loop that polls
// the dispatch core every frame and broadcasts a tick once per second.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rkusa/dcs-jsonrpc/config"
	"github.com/rkusa/dcs-jsonrpc/middleware"
	"github.com/rkusa/dcs-jsonrpc/server"
)

const frameInterval = 10 * time.Millisecond

type Host struct {
	started time.Time
}

func (h *Host) Ping(args *struct{}, reply *string) error {
	*reply = "pong"
	return nil
}

func (h *Host) Echo(args *json.RawMessage, reply *json.RawMessage) error {
	*reply = *args
	return nil
}

type ExecuteArgs struct {
	Lua string `json:"lua"`
}

// Execute stands in for a Lua state: "return <json>" yields the JSON value,
// any other non-empty chunk is echoed back as a string.
func (h *Host) Execute(args *ExecuteArgs, reply *json.RawMessage) error {
	chunk := strings.TrimSpace(args.Lua)
	if chunk == "" {
		return errors.New("nothing to execute")
	}
	if expr, ok := strings.CutPrefix(chunk, "return "); ok && json.Valid([]byte(expr)) {
		*reply = json.RawMessage(expr)
		return nil
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	*reply = raw
	return nil
}

type TimeReply struct {
	Unix   int64   `json:"unix"`
	Uptime float64 `json:"uptime"`
}

func (h *Host) Time(args *struct{}, reply *TimeReply) error {
	now := time.Now()
	reply.Unix = now.Unix()
	reply.Uptime = now.Sub(h.started).Seconds()
	return nil
}

type tickEvent struct {
	Time int64 `json:"time"`
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "listen address, overrides the config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	logger := cfg.Logging.Logger(os.Stderr)
	log.Logger = logger

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Host failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	opts := append(server.OptionsFromConfig(cfg.Server),
		server.WithLogger(logger.With().Str("component", "server").Logger()))
	svr, err := server.Start(cfg.Server.Address, opts...)
	if err != nil {
		return err
	}
	svr.Use(middleware.RecoverMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))

	router := server.NewRouter(nil)
	if err := router.Register(&Host{started: time.Now()}); err != nil {
		return err
	}
	logger.Info().Strs("methods", router.Methods()).Msg("Host ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	frame := time.NewTicker(frameInterval)
	defer frame.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
			return svr.Stop()
		case <-frame.C:
			for {
				found, err := svr.PollOnce(ctx, router.Handle)
				if err != nil {
					logger.Warn().Err(err).Msg("Error completing call")
				}
				if !found {
					break
				}
			}
		case now := <-tick.C:
			if err := svr.Broadcast("tick", tickEvent{Time: now.Unix()}); err != nil {
				logger.Warn().Err(err).Msg("Error broadcasting tick")
			}
		}
	}
}
