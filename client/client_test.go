package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rkusa/dcs-jsonrpc/protocol"
)

type peer struct {
	conn net.Conn
	sc   *bufio.Scanner
}

func newPair(t *testing.T, opts ...Option) (*Client, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithPendingSweep(0, 0)}, opts...)
	c := New(local, opts...)
	t.Cleanup(func() {
		remote.Close()
		c.Close()
	})
	return c, &peer{conn: remote, sc: bufio.NewScanner(remote)}
}

func (p *peer) read(t *testing.T) protocol.Message {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !p.sc.Scan() {
		t.Fatalf("peer: expect a line, got %v", p.sc.Err())
	}
	msg, err := protocol.Decode(p.sc.Bytes())
	if err != nil {
		t.Fatalf("peer: decode %s: %v", p.sc.Text(), err)
	}
	return msg
}

func (p *peer) readRequest(t *testing.T) *protocol.Request {
	t.Helper()
	req, ok := p.read(t).(*protocol.Request)
	if !ok {
		t.Fatal("peer: expect a request")
	}
	return req
}

func (p *peer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("peer: write failed: %v", err)
	}
}

func (p *peer) reply(t *testing.T, id protocol.ID, result string) {
	t.Helper()
	p.send(t, protocol.NewSuccess(id, json.RawMessage(result)))
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

func TestRequestSuccess(t *testing.T) {
	c, p := newPair(t)

	type res struct {
		reply string
		err   error
	}
	done := make(chan res, 1)
	go func() {
		var reply string
		err := c.Request("ping", nil, &reply)
		done <- res{reply, err}
	}()

	req := p.readRequest(t)
	if req.Method != "ping" || req.Params != nil {
		t.Fatalf("unexpected request %+v", req)
	}
	if n, ok := req.ID.Int64(); !ok || n != 1 {
		t.Fatalf("expect numeric id 1, got %s", req.ID)
	}
	p.reply(t, req.ID, `"pong"`)

	r := wait(t, done)
	if r.err != nil || r.reply != "pong" {
		t.Fatalf("expect pong, got %q (%v)", r.reply, r.err)
	}
	if c.Pending() != 0 {
		t.Fatalf("correlation entry must be removed, %d left", c.Pending())
	}
}

func TestConcurrentRequestsAnsweredOutOfOrder(t *testing.T) {
	c, p := newPair(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := Call[int](c, "double", i)
			if err != nil {
				errs <- err
				return
			}
			if got != 2*i {
				errs <- errors.New("swapped result")
			}
		}(i)
	}

	reqs := make([]*protocol.Request, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, p.readRequest(t))
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		var v int
		if err := json.Unmarshal(reqs[i].Params, &v); err != nil {
			t.Fatal(err)
		}
		out, _ := json.Marshal(2 * v)
		p.reply(t, reqs[i].ID, string(out))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRemoteError(t *testing.T) {
	c, p := newPair(t)

	done := make(chan error, 1)
	go func() { done <- c.Request("execute", map[string]string{"lua": "x"}, nil) }()

	req := p.readRequest(t)
	p.send(t, protocol.NewErrorResponse(req.ID, protocol.NewError(1, "syntax error")))

	err := wait(t, done)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != 1 || rpcErr.Message != "syntax error" {
		t.Fatalf("expect remote error, got %v", err)
	}
	if !errors.Is(err, protocol.ErrRemote) || errors.Is(err, ErrClosed) {
		t.Fatalf("remote error must be distinguishable from transport errors: %v", err)
	}
}

func TestDecodeError(t *testing.T) {
	c, p := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := Call[int](c, "name", nil)
		done <- err
	}()
	p.reply(t, p.readRequest(t).ID, `"not a number"`)

	var decErr *DecodeError
	if err := wait(t, done); !errors.As(err, &decErr) || decErr.Method != "name" {
		t.Fatalf("expect DecodeError, got %v", err)
	}
}

func TestUnknownResponseIsIgnored(t *testing.T) {
	c, p := newPair(t)

	done := make(chan error, 1)
	go func() { done <- c.Request("ping", nil, nil) }()
	req := p.readRequest(t)

	p.reply(t, protocol.NumberID(999), `"stray"`)
	p.reply(t, protocol.StringID("nope"), `"stray"`)
	p.send(t, protocol.NewErrorResponse(protocol.ID{}, protocol.NewError(protocol.CodeParseError, "parse error")))
	p.conn.Write([]byte("garbage\n"))
	if c.Pending() != 1 {
		t.Fatal("unrelated responses must not touch the outstanding call")
	}

	p.reply(t, req.ID, `null`)
	if err := wait(t, done); err != nil {
		t.Fatalf("expect success, got %v", err)
	}
}

func TestInvalidLineLogIsTruncated(t *testing.T) {
	var logs syncBuffer
	c, p := newPair(t, WithLogger(zerolog.New(&logs)))

	garbage := strings.Repeat("x", 10000)
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write([]byte(garbage + "\n")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "Error deserializing message") {
		if time.Now().After(deadline) {
			t.Fatalf("expect a decode error log, got %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	out := logs.String()
	if strings.Contains(out, strings.Repeat("x", 257)) {
		t.Fatal("logged line must be truncated")
	}
	if !strings.Contains(out, `"size":10000`) {
		t.Fatalf("expect the original size in the log, got %s", out)
	}
	if c.Pending() != 0 {
		t.Fatal("invalid line must not affect the correlation table")
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	c, p := newPair(t)

	done := make(chan error, 1)
	go func() { done <- c.Request("ping", nil, nil) }()
	p.readRequest(t)
	p.conn.Close()

	if err := wait(t, done); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	wait(t, c.Done())
	if c.Pending() != 0 {
		t.Fatalf("correlation table must be empty, %d left", c.Pending())
	}
	if err := c.Request("ping", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed after disconnect, got %v", err)
	}
	if err := c.Notify("ping", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed after disconnect, got %v", err)
	}
}

func TestNotifyHasNoID(t *testing.T) {
	c, p := newPair(t)

	if err := c.Notify("log", []string{"hello"}); err != nil {
		t.Fatal(err)
	}
	n, ok := p.read(t).(*protocol.Notification)
	if !ok || n.Method != "log" || string(n.Params) != `["hello"]` {
		t.Fatalf("unexpected message %+v", n)
	}
	if c.Pending() != 0 {
		t.Fatal("a notification must not create a correlation entry")
	}
}

func subscribe(t *testing.T, c *Client, p *peer, topic string) *Subscription {
	t.Helper()
	type res struct {
		sub *Subscription
		err error
	}
	done := make(chan res, 1)
	go func() {
		sub, err := c.Subscribe(topic)
		done <- res{sub, err}
	}()
	req := p.readRequest(t)
	if req.Method != "subscribe" {
		t.Fatalf("expect subscribe, got %s", req.Method)
	}
	if topic == "" {
		if req.Params != nil {
			t.Fatalf("wildcard subscribe must send no params, got %s", req.Params)
		}
	} else if string(req.Params) != `{"name":"`+topic+`"}` {
		t.Fatalf("unexpected params %s", req.Params)
	}
	p.reply(t, req.ID, `"ok"`)
	r := wait(t, done)
	if r.err != nil {
		t.Fatal(r.err)
	}
	return r.sub
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	c, p := newPair(t)
	weather := subscribe(t, c, p, "weather")
	all := subscribe(t, c, p, "")

	p.send(t, &protocol.Notification{Method: "tick", Params: json.RawMessage(`1`)})
	p.send(t, &protocol.Notification{Method: "weather", Params: json.RawMessage(`{"wind":"calm"}`)})

	ev := wait(t, weather.Events())
	if ev.Topic != "weather" {
		t.Fatalf("weather subscription got %s", ev.Topic)
	}
	var payload struct{ Wind string }
	if err := ev.Decode(&payload); err != nil || payload.Wind != "calm" {
		t.Fatalf("unexpected payload %+v (%v)", payload, err)
	}

	if ev := wait(t, all.Events()); ev.Topic != "tick" {
		t.Fatalf("wildcard got %s first", ev.Topic)
	}
	if ev := wait(t, all.Events()); ev.Topic != "weather" {
		t.Fatalf("wildcard got %s second", ev.Topic)
	}
}

func TestSlowSubscriberDoesNotBlockReader(t *testing.T) {
	c, p := newPair(t)
	sub := subscribe(t, c, p, "tick")

	// Nobody reads sub.Events while 500 events and a response go through.
	done := make(chan error, 1)
	go func() { done <- c.Request("ping", nil, nil) }()
	req := p.readRequest(t)
	for i := 0; i < 500; i++ {
		p.send(t, &protocol.Notification{Method: "tick", Params: json.RawMessage(`0`)})
	}
	p.reply(t, req.ID, `null`)
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 500; i++ {
		wait(t, sub.Events())
	}
}

func TestSubscriptionEndsOnDisconnect(t *testing.T) {
	c, p := newPair(t)
	sub := subscribe(t, c, p, "weather")

	p.send(t, &protocol.Notification{Method: "weather", Params: json.RawMessage(`"rain"`)})
	p.conn.Close()
	wait(t, c.Done())

	if ev, ok := <-sub.Events(); !ok || string(ev.Params) != `"rain"` {
		t.Fatalf("queued event must be delivered before the stream ends, got %+v %v", ev, ok)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("stream must end with the connection")
	}
}

func TestUnsubscribe(t *testing.T) {
	c, p := newPair(t)
	a := subscribe(t, c, p, "weather")
	b := subscribe(t, c, p, "weather")

	// Another local subscription remains, so nothing is sent.
	if err := c.Unsubscribe(a); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-a.Events(); ok {
		t.Fatal("closed subscription must end its stream")
	}
	c.Notify("marker", nil)
	if n, ok := p.read(t).(*protocol.Notification); !ok || n.Method != "marker" {
		t.Fatal("unexpected message before marker")
	}

	done := make(chan error, 1)
	go func() { done <- c.Unsubscribe(b) }()
	req := p.readRequest(t)
	if req.Method != "unsubscribe" || string(req.Params) != `{"name":"weather"}` {
		t.Fatalf("unexpected request %s %s", req.Method, req.Params)
	}
	p.reply(t, req.ID, `"ok"`)
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribeWaitsForUnsubscribeOfSameTopic(t *testing.T) {
	c, p := newPair(t)
	a := subscribe(t, c, p, "weather")

	unsubscribed := make(chan error, 1)
	go func() { unsubscribed <- c.Unsubscribe(a) }()
	unsub := p.readRequest(t)
	if unsub.Method != "unsubscribe" {
		t.Fatalf("expect unsubscribe, got %s", unsub.Method)
	}

	type res struct {
		sub *Subscription
		err error
	}
	subscribed := make(chan res, 1)
	go func() {
		sub, err := c.Subscribe("weather")
		subscribed <- res{sub, err}
	}()

	// The new subscribe must not be sent while the unsubscribe is in flight.
	time.Sleep(50 * time.Millisecond)
	if n := c.Pending(); n != 1 {
		t.Fatalf("expect only the unsubscribe outstanding, got %d", n)
	}

	p.reply(t, unsub.ID, `"ok"`)
	if err := wait(t, unsubscribed); err != nil {
		t.Fatal(err)
	}
	sub := p.readRequest(t)
	if sub.Method != "subscribe" || string(sub.Params) != `{"name":"weather"}` {
		t.Fatalf("unexpected request %s %s", sub.Method, sub.Params)
	}
	p.reply(t, sub.ID, `"ok"`)
	r := wait(t, subscribed)
	if r.err != nil {
		t.Fatal(r.err)
	}

	p.send(t, &protocol.Notification{Method: "weather", Params: json.RawMessage(`1`)})
	select {
	case ev := <-r.sub.Events():
		if string(ev.Params) != "1" {
			t.Fatalf("unexpected event %s", ev.Params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribed stream got no event")
	}
}

func TestIDWrapsAndSkipsOutstanding(t *testing.T) {
	c, _ := newPair(t)

	c.mu.Lock()
	c.nextID = math.MaxInt64 - 1
	c.pending[protocol.NumberID(1)] = &pendingCall{ch: make(chan result, 1), created: time.Now()}
	c.mu.Unlock()

	id, _, err := c.register("a")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := id.Int64(); n != math.MaxInt64 {
		t.Fatalf("expect MaxInt64, got %d", n)
	}
	id, _, _ = c.register("b")
	if n, _ := id.Int64(); n != 2 {
		t.Fatalf("expect wrap to 1 and skip it, got %d", n)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSweepLogsWithoutEvicting(t *testing.T) {
	var logs syncBuffer
	c, p := newPair(t, WithLogger(zerolog.New(&logs)), WithPendingSweep(10*time.Millisecond, 20*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- c.Request("slow", nil, nil) }()
	req := p.readRequest(t)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "still pending") {
		if time.Now().After(deadline) {
			t.Fatalf("expect a still pending warning, got %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.Pending() != 1 {
		t.Fatal("the sweep must not evict the call")
	}

	p.reply(t, req.ID, `null`)
	if err := wait(t, done); err != nil {
		t.Fatalf("call must still complete, got %v", err)
	}
}
