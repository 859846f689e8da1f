// Package client turns the newline JSON-RPC protocol into blocking calls and
// live event streams over a single TCP connection.
//
// Every Request gets a unique ID and is registered in the correlation table
// before it is sent. A background reader routes each Response to the caller
// waiting on that ID and fans Notifications out to the subscriptions.
//
//	goroutine-1 ──Request(id=1)──┐
//	goroutine-2 ──Request(id=2)──┼──→ send queue ──→ single TCP conn ──→ server
//	goroutine-3 ──Subscribe()────┘
//
//	reader: ←── response(id=2) → pending[2] → goroutine-2 wakes up
//	        ←── notification(topic) → every matching Subscription
//
// There is no per-call timeout. A call waits until its Response arrives or
// the connection ends, in which case it fails with ErrClosed.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rkusa/dcs-jsonrpc/protocol"
	"github.com/rkusa/dcs-jsonrpc/registry"
	"github.com/rkusa/dcs-jsonrpc/transport"
)

type result struct {
	resp *protocol.Response
	err  error
}

type pendingCall struct {
	method  string
	ch      chan result // buffered, receives exactly once
	created time.Time
}

// Client is one connection to a server. It is safe for concurrent use.
type Client struct {
	opts options
	t    *transport.Conn
	log  zerolog.Logger

	mu       sync.Mutex
	nextID   int64
	pending  map[protocol.ID]*pendingCall
	closed   bool
	closeErr error

	subsMu sync.Mutex
	subs   []*Subscription
	topics topicLocks // serializes subscribe/unsubscribe exchanges per topic

	done chan struct{}
}

// Dial connects to addr with TCP_NODELAY set and starts the reader, the
// writer and the pending-call sweep.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := net.Dialer{Timeout: o.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			nc.Close()
			return nil, fmt.Errorf("set nodelay: %w", err)
		}
	}
	return newClient(nc, o), nil
}

// New wraps an established connection.
func New(nc net.Conn, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(nc, o)
}

func newClient(nc net.Conn, o options) *Client {
	l := o.log.With().Str("remote", nc.RemoteAddr().String()).Logger()
	c := &Client{
		opts:    o,
		log:     l,
		pending: make(map[protocol.ID]*pendingCall),
		done:    make(chan struct{}),
		t: transport.New(nc,
			transport.WithOutboundCapacity(o.outboundBuffer),
			transport.WithMaxLineSize(o.maxLine),
			transport.WithLogger(l),
		),
	}
	go c.run()
	if o.sweepInterval > 0 {
		go c.sweep(o.sweepInterval, o.pendingWarnAfter)
	}
	return c
}

func (c *Client) run() {
	err := c.t.Run(context.Background(), c.handleLine)
	if err != nil {
		c.log.Error().Err(err).Msg("Connection failed")
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	} else {
		c.log.Debug().Msg("Connection closed")
		err = ErrClosed
	}
	c.shutdown(err)
	close(c.done)
}

// shutdown fails every waiting call with err and ends all subscriptions.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[protocol.ID]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- result{err: err}
	}

	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

func (c *Client) handleLine(line []byte) {
	msg, err := protocol.Decode(line)
	if err != nil {
		c.log.Error().Err(err).Int("size", len(line)).Bytes("line", transport.Preview(line)).Msg("Error deserializing message")
		return
	}

	switch m := msg.(type) {
	case *protocol.Response:
		c.route(m)
	case *protocol.Notification:
		c.dispatch(Event{Topic: m.Method, Params: m.Params, codec: c.opts.codec})
	case *protocol.Request:
		c.log.Warn().Str("method", m.Method).Msg("Ignoring request sent by server")
	}
}

func (c *Client) route(resp *protocol.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		ev := c.log.Warn().Str("id", resp.ID.String())
		if resp.IsError() {
			ev.Err(resp.Error)
		}
		ev.Msg("No pending response for id found")
		return
	}
	p.ch <- result{resp: resp}
}

// dispatch hands ev to every matching subscription, pruning the ones that no
// longer accept events.
func (c *Client) dispatch(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s.matches(ev.Topic) && !s.push(ev) {
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(c.subs); i++ {
		c.subs[i] = nil
	}
	c.subs = kept
}

// sweep periodically logs calls that have waited longer than warnAfter and
// restarts their clock. Calls are never failed or evicted here.
func (c *Client) sweep(interval, warnAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for id, p := range c.pending {
				if now.Sub(p.created) > warnAfter {
					c.log.Warn().Str("id", id.String()).Str("method", p.method).Msg("Response is still pending")
					p.created = now
				}
			}
			c.mu.Unlock()
		}
	}
}

// register allocates the next free ID and creates its correlation entry.
func (c *Client) register(method string) (protocol.ID, *pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ID{}, nil, c.closeErr
	}
	for {
		if c.nextID == math.MaxInt64 {
			c.nextID = 0
		}
		c.nextID++
		id := protocol.NumberID(c.nextID)
		if _, taken := c.pending[id]; taken {
			continue
		}
		p := &pendingCall{method: method, ch: make(chan result, 1), created: time.Now()}
		c.pending[id] = p
		return id, p, nil
	}
}

func (c *Client) forget(id protocol.ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Request calls method with params and blocks until the server answers. On
// success the result is decoded into reply, which may be nil to discard it.
//
// A remote failure is returned as a *protocol.Error, a result that does not
// fit reply as a *DecodeError and a lost connection as an error wrapping
// ErrClosed.
func (c *Client) Request(method string, params any, reply any) error {
	raw, err := c.opts.codec.Encode(params)
	if err != nil {
		return fmt.Errorf("encode params of %s: %w", method, err)
	}

	id, p, err := c.register(method)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(&protocol.Request{Method: method, Params: raw, ID: id})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := c.t.Send(data); err != nil {
		c.forget(id)
		return c.sendError(err)
	}

	res := <-p.ch
	if res.err != nil {
		return res.err
	}
	if res.resp.IsError() {
		return res.resp.Error
	}
	if reply == nil {
		return nil
	}
	if err := c.opts.codec.Decode(res.resp.Result, reply); err != nil {
		return &DecodeError{Method: method, Err: err}
	}
	return nil
}

// Call is Request with the reply type as a type parameter.
func Call[R any](c *Client, method string, params any) (R, error) {
	var reply R
	err := c.Request(method, params, &reply)
	return reply, err
}

// Notify sends a Notification. It only blocks while the send queue is full.
func (c *Client) Notify(method string, params any) error {
	raw, err := c.opts.codec.Encode(params)
	if err != nil {
		return fmt.Errorf("encode params of %s: %w", method, err)
	}
	data, err := protocol.Encode(&protocol.Notification{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := c.t.Send(data); err != nil {
		return c.sendError(err)
	}
	return nil
}

func (c *Client) sendError(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return c.closeErr
		}
		return ErrClosed
	}
	return err
}

type topicParams struct {
	Name string `json:"name"`
}

func topicArgs(topic string) any {
	if topic == registry.Wildcard {
		return nil
	}
	return topicParams{Name: topic}
}

// Subscribe registers a local event stream for topic and asks the server to
// deliver its broadcasts. An empty topic subscribes to every broadcast.
func (c *Client) Subscribe(topic string) (*Subscription, error) {
	if topic == "" {
		topic = registry.Wildcard
	}
	unlock := c.topics.lock(topic)
	defer unlock()

	sub := newSubscription(c, topic)

	// Registered before the request so no event is missed between the
	// acknowledgement and the return.
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()

	var ack string
	if err := c.Request("subscribe", topicArgs(topic), &ack); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// Unsubscribe closes sub and, when no other local subscription is left for
// its topic, tells the server to stop sending it. A concurrent Subscribe to
// the same topic waits until the server has acknowledged the unsubscribe.
func (c *Client) Unsubscribe(sub *Subscription) error {
	unlock := c.topics.lock(sub.topic)
	defer unlock()

	sub.Close()

	c.subsMu.Lock()
	for _, s := range c.subs {
		if s.topic == sub.topic {
			c.subsMu.Unlock()
			return nil
		}
	}
	c.subsMu.Unlock()

	if err := c.Request("unsubscribe", topicArgs(sub.topic), nil); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.topic, err)
	}
	return nil
}

type topicLock struct {
	mu   sync.Mutex
	refs int
}

// topicLocks hands out one mutex per topic and forgets it once unused.
type topicLocks struct {
	mu    sync.Mutex
	locks map[string]*topicLock
}

func (l *topicLocks) lock(topic string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*topicLock)
	}
	tl, ok := l.locks[topic]
	if !ok {
		tl = &topicLock{}
		l.locks[topic] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		if tl.refs--; tl.refs == 0 {
			delete(l.locks, topic)
		}
		l.mu.Unlock()
	}
}

func (c *Client) removeSubscription(sub *Subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Pending reports the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection has ended and all waiters were failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close flushes queued messages, closes the connection and waits for the
// reader to stop. Waiting calls fail with ErrClosed.
func (c *Client) Close() error {
	c.t.Close()
	<-c.done
	return nil
}
