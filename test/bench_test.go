package test

import (
	"context"
	"testing"

	"github.com/rkusa/dcs-jsonrpc/client"
	"github.com/rkusa/dcs-jsonrpc/message"
	"github.com/rkusa/dcs-jsonrpc/server"
)

func addHandler(ctx context.Context, call *message.Call) *message.Outcome {
	return message.Result(call.Params)
}

func setupServerAndClient(b *testing.B) (*server.Server, *client.Client) {
	svr := startServer(b)
	runHost(b, svr, addHandler)
	return svr, dial(b, svr)
}

// Single goroutine, one call at a time.
func BenchmarkSerialCall(b *testing.B) {
	_, cli := setupServerAndClient(b)

	args := &Args{A: 1, B: 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.Call[Args](cli, "echo", args); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing one connection.
func BenchmarkParallelCall(b *testing.B) {
	_, cli := setupServerAndClient(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		for pb.Next() {
			if _, err := client.Call[Args](cli, "echo", args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkNotify(b *testing.B) {
	_, cli := setupServerAndClient(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cli.Notify("echo", i); err != nil {
			b.Fatal(err)
		}
	}
}

// Broadcast fan-out to 8 wildcard subscribers, consumed concurrently.
func BenchmarkBroadcast(b *testing.B) {
	svr := startServer(b)
	for i := 0; i < 8; i++ {
		c := dial(b, svr)
		sub, err := c.Subscribe("")
		if err != nil {
			b.Fatal(err)
		}
		go func() {
			for range sub.Events() {
			}
		}()
	}

	payload := map[string]int{"time": 1}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := svr.Broadcast("tick", payload); err != nil {
			b.Fatal(err)
		}
	}
}
