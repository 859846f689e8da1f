// Package transport frames a TCP stream into newline-delimited messages.
//
// A Conn owns exactly one reader path and one writer path:
//
//	peer ──line──▶ readLoop ──onLine(line)──▶ caller
//	caller ──Send/TrySend──▶ out (bounded queue) ──▶ writeLoop ──line\n──▶ peer
//
// Producers never touch the socket directly. Everything written goes through
// the bounded out queue and is written in submission order, so a slow peer
// only ever fills its own queue. TrySend reports a full queue instead of
// blocking, which is what broadcast delivery relies on.
//
// Closing a Conn stops accepting new messages, lets the writer drain what was
// already queued, then closes the socket, which in turn ends the reader.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOutboundCapacity = 128
	DefaultMaxLineSize      = 64 << 20 // 64 MiB
	DefaultWriteTimeout     = 30 * time.Second
)

var (
	ErrClosed    = errors.New("transport: connection closed")
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// Conn is one framed connection.
type Conn struct {
	conn         net.Conn
	out          chan []byte
	closing      chan struct{} // closed once by Close; stops Send and starts the drain
	closeOnce    sync.Once
	done         chan struct{} // closed when Run returns
	maxLine      int
	writeTimeout time.Duration
	log          zerolog.Logger
}

// Option configures a Conn.
type Option func(*Conn)

// WithOutboundCapacity sets the size of the outbound queue.
func WithOutboundCapacity(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.out = make(chan []byte, n)
		}
	}
}

// WithMaxLineSize limits the length of a single inbound line.
func WithMaxLineSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// WithWriteTimeout bounds every socket write. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// New wraps nc. Nothing is read or written until Run is called.
func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:         nc,
		out:          make(chan []byte, DefaultOutboundCapacity),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		maxLine:      DefaultMaxLineSize,
		writeTimeout: DefaultWriteTimeout,
		log:          log.Logger.With().Str("component", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts the reader and writer and blocks until both have stopped.
// onLine is called sequentially from the reader for every non-empty line,
// without the trailing newline; the slice is only valid during the call.
//
// Run returns nil when the peer disconnects or the connection is closed
// locally, and the first read or write error otherwise.
func (c *Conn) Run(ctx context.Context, onLine func(line []byte)) error {
	defer close(c.done)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closing:
		}
		return nil
	})
	g.Go(func() error {
		defer c.Close()
		return c.readLoop(onLine)
	})
	g.Go(c.writeLoop)
	return g.Wait()
}

func (c *Conn) readLoop(onLine func([]byte)) error {
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 64*1024), c.maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		onLine(line)
	}

	err := sc.Err()
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	case c.isClosing():
		return nil
	default:
		return fmt.Errorf("read: %w", err)
	}
}

// writeLoop writes queued messages in order, flushing whenever the queue is
// momentarily empty. It owns closing the socket.
func (c *Conn) writeLoop() error {
	defer c.conn.Close()
	w := bufio.NewWriter(c.conn)

	for {
		select {
		case msg := <-c.out:
			if err := c.write(w, msg); err != nil {
				c.Close()
				return err
			}
			if len(c.out) == 0 {
				if err := c.flush(w); err != nil {
					c.Close()
					return err
				}
			}
		case <-c.closing:
			return c.drain(w)
		}
	}
}

func (c *Conn) drain(w *bufio.Writer) error {
	for {
		select {
		case msg := <-c.out:
			if err := c.write(w, msg); err != nil {
				return err
			}
		default:
			return c.flush(w)
		}
	}
}

func (c *Conn) write(w *bufio.Writer, msg []byte) error {
	c.setDeadline()
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Conn) flush(w *bufio.Writer) error {
	c.setDeadline()
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (c *Conn) setDeadline() {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Send queues msg, blocking while the queue is full.
func (c *Conn) Send(msg []byte) error {
	if c.isClosing() {
		return ErrClosed
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closing:
		return ErrClosed
	}
}

// TrySend queues msg without blocking.
func (c *Conn) TrySend(msg []byte) error {
	if c.isClosing() {
		return ErrClosed
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages. Queued messages are still written before the
// socket is closed by the writer, so the socket is only released once Run has
// been started. Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.log.Debug().Msg("Connection closing")
	})
	return nil
}

// Done is closed once Run has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closing is closed as soon as Close has been called.
func (c *Conn) Closing() <-chan struct{} {
	return c.closing
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// PreviewSize is how much of a line Preview keeps for logging.
const PreviewSize = 256

// Preview returns at most the first PreviewSize bytes of line.
func Preview(line []byte) []byte {
	if len(line) > PreviewSize {
		return line[:PreviewSize]
	}
	return line
}
