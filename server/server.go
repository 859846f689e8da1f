// Package server implements the dispatch core between many TCP clients and a
// single-threaded host that can only be polled.
//
// Request processing pipeline:
//
//	Accept conn → conn.serve (one reader, one writer per connection)
//	  → protocol.Decode
//	    → subscribe/unsubscribe: registry, acknowledged with "ok"
//	    → anything else: PendingCall pushed to the global FIFO queue
//	host tick → TryNext / PollOnce → handler → PendingCall.Complete → conn writer
//	host → Broadcast(topic) → registry.Publish → every subscriber's writer
//
// All connections feed the same queue and the host drains it front to back,
// so the host observes calls in one total order consistent with arrival.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rkusa/dcs-jsonrpc/middleware"
	"github.com/rkusa/dcs-jsonrpc/protocol"
	"github.com/rkusa/dcs-jsonrpc/registry"
)

var ErrServerClosed = errors.New("server: closed")

// Server is the dispatch core. It is created by Start and released by Stop.
type Server struct {
	opts     options
	listener net.Listener
	queue    queue
	registry *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // accept loop and connection goroutines

	shutdown    atomic.Bool // set before the listener is closed so Accept errors are expected
	stopped     chan struct{}
	middlewares []middleware.Middleware

	connsMu sync.Mutex
	conns   map[string]*conn
}

// Start binds addr and accepts connections in the background. Failing to bind
// is the only error Start reports.
func Start(addr string, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serve(listener, o), nil
}

// serve runs the accept loop on an already bound listener.
func serve(listener net.Listener, o options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     o,
		listener: listener,
		registry: registry.New(),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		conns:    make(map[string]*conn),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.opts.log.Info().Str("addr", listener.Addr().String()).Msg("Server started")
	return s
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Use registers a middleware wrapped around every handler passed to PollOnce.
// Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// acceptLoop runs until Stop. Accept errors, such as running out of file
// descriptors, are logged and retried with a doubling delay.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.opts.log.Warn().Err(err).Dur("retry_in", delay).Msg("Error establishing connection")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.stopped:
				timer.Stop()
				return
			}
			continue
		}
		delay = 0
		if tcp, ok := nc.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		c := newConn(s, nc)
		if !s.track(c) {
			nc.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			c.serve(s.ctx)
		}()
	}
}

func (s *Server) track(c *conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) untrack(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c.id)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// TryNext pops the oldest pending call without ever blocking. It returns
// false when the queue is empty, momentarily locked or the server is stopped.
func (s *Server) TryNext() (*PendingCall, bool) {
	return s.queue.tryPop()
}

// Len reports the number of queued calls.
func (s *Server) Len() int {
	return s.queue.len()
}

// PollOnce pops at most one pending call, runs handler (wrapped by the
// registered middlewares) on it and delivers the outcome. It reports whether
// a call was found; the error is the delivery error of that call, if any.
func (s *Server) PollOnce(ctx context.Context, handler middleware.HandlerFunc) (bool, error) {
	pc, ok := s.TryNext()
	if !ok {
		return false, nil
	}
	h := middleware.Chain(s.middlewares...)(handler)
	return true, pc.Complete(h(ctx, pc.Call()))
}

// Broadcast sends payload as a Notification whose method is topic to every
// subscriber of topic and of the wildcard topic. Delivery is at most once:
// a subscriber whose outbound queue is full or closed is dropped from the
// topic instead of being retried.
func (s *Server) Broadcast(topic string, payload any) error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	params, err := s.opts.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast %s: %w", topic, err)
	}
	data, err := protocol.Encode(&protocol.Notification{Method: topic, Params: params})
	if err != nil {
		return fmt.Errorf("encode broadcast %s: %w", topic, err)
	}

	delivered, failures := s.registry.Publish(topic, data)
	for _, f := range failures {
		s.opts.log.Warn().Err(f.Err).Str("topic", f.Topic).Str("conn", f.ID).Msg("Error broadcasting message, subscriber dropped")
	}
	s.opts.log.Trace().Str("topic", topic).Int("delivered", delivered).Msg("Broadcast")
	return nil
}

// Subscribers reports how many connections are subscribed to topic.
func (s *Server) Subscribers(topic string) int {
	return s.registry.Count(topic)
}

// Stop performs the shutdown:
//  1. Set the shutdown flag and close the listener
//  2. Close every connection, letting queued writes drain first
//  3. Wait for the connections to finish, at most the shutdown timeout
//  4. Drop queued calls and all subscriptions
//
// Calls still queued never receive a response.
func (s *Server) Stop() error {
	if s.shutdown.Swap(true) {
		return ErrServerClosed
	}
	close(s.stopped)
	s.listener.Close()

	s.connsMu.Lock()
	for _, c := range s.conns {
		c.t.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(s.opts.shutdownTimeout):
		err = fmt.Errorf("timeout waiting for connections to close")
	}
	s.cancel()

	dropped := s.queue.close()
	s.registry.Clear()

	if err != nil {
		s.opts.log.Warn().Err(err).Int("dropped_calls", dropped).Msg("Server stopped")
		return err
	}
	s.opts.log.Info().Int("dropped_calls", dropped).Msg("Server stopped")
	return nil
}
