package test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rkusa/dcs-jsonrpc/client"
	"github.com/rkusa/dcs-jsonrpc/middleware"
	"github.com/rkusa/dcs-jsonrpc/server"
)

func startServer(tb testing.TB, opts ...server.Option) *server.Server {
	tb.Helper()
	opts = append([]server.Option{server.WithLogger(zerolog.Nop()), server.WithShutdownTimeout(time.Second)}, opts...)
	svr, err := server.Start("127.0.0.1:0", opts...)
	if err != nil {
		tb.Fatalf("Start failed: %v", err)
	}
	tb.Cleanup(func() { svr.Stop() })
	return svr
}

func dial(tb testing.TB, svr *server.Server) *client.Client {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, svr.Addr().String(), client.WithLogger(zerolog.Nop()))
	if err != nil {
		tb.Fatalf("Dial failed: %v", err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}

// runHost drives svr the way a single-threaded host does: every tick it
// drains whatever is queued, never blocking on the network.
func runHost(tb testing.TB, svr *server.Server, h middleware.HandlerFunc) {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for {
					found, _ := svr.PollOnce(ctx, h)
					if !found {
						break
					}
				}
			}
		}
	}()
	tb.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
