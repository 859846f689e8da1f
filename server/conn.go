package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rkusa/dcs-jsonrpc/protocol"
	"github.com/rkusa/dcs-jsonrpc/registry"
	"github.com/rkusa/dcs-jsonrpc/transport"
)

const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

// conn is the server side of one client connection. It is the registry
// Subscriber for that connection.
type conn struct {
	id      string
	srv     *Server
	t       *transport.Conn
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ registry.Subscriber = (*conn)(nil)

func newConn(srv *Server, nc net.Conn) *conn {
	id := uuid.NewString()
	l := srv.opts.log.With().Str("conn", id).Str("remote", nc.RemoteAddr().String()).Logger()
	c := &conn{
		id:  id,
		srv: srv,
		log: l,
		t: transport.New(nc,
			transport.WithOutboundCapacity(srv.opts.outboundBuffer),
			transport.WithMaxLineSize(srv.opts.maxLine),
			transport.WithWriteTimeout(srv.opts.writeTimeout),
			transport.WithLogger(l),
		),
	}
	if srv.opts.rateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(srv.opts.rateLimit), srv.opts.rateBurst)
	}
	return c
}

func (c *conn) ID() string { return c.id }

func (c *conn) TrySend(msg []byte) error { return c.t.TrySend(msg) }

// serve runs the connection until the peer leaves or ctx is cancelled, then
// drops every subscription of this connection.
func (c *conn) serve(ctx context.Context) {
	c.log.Debug().Msg("Client connected")
	err := c.t.Run(ctx, c.handleLine)
	if n := c.srv.registry.RemoveAll(c); n > 0 {
		c.log.Debug().Int("subscriptions", n).Msg("Dropped subscriptions")
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("Connection failed")
		return
	}
	c.log.Debug().Msg("Client disconnected")
}

func (c *conn) handleLine(line []byte) {
	msg, err := protocol.Decode(line)
	if err != nil {
		c.log.Warn().Err(err).Bytes("line", transport.Preview(line)).Msg("Ignoring invalid JSON-RPC message")
		return
	}

	switch m := msg.(type) {
	case *protocol.Request:
		c.handleCall(m.Method, m.Params, m.ID, false)
	case *protocol.Notification:
		c.handleCall(m.Method, m.Params, protocol.ID{}, true)
	case *protocol.Response:
		c.log.Warn().Str("id", m.ID.String()).Msg("Ignoring response sent by client")
	}
}

func (c *conn) handleCall(method string, params json.RawMessage, id protocol.ID, notification bool) {
	switch method {
	case methodSubscribe, methodUnsubscribe:
		c.handleControl(method, params, id, notification)
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.reject(id, notification, protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded"))
		return
	}

	pc := &PendingCall{Method: method, Params: params, ID: id, notification: notification, conn: c}
	switch err := c.srv.queue.push(pc, c.srv.opts.maxPending); {
	case err == nil:
	case errors.Is(err, errQueueFull):
		c.reject(id, notification, protocol.NewError(protocol.CodeServerBusy, "server busy"))
	default:
		c.reject(id, notification, protocol.NewError(protocol.CodeInternalError, "server shutting down"))
	}
}

// reject answers a Request that never reaches the queue. Rejected
// Notifications are only logged.
func (c *conn) reject(id protocol.ID, notification bool, rpcErr *protocol.Error) {
	if notification {
		c.log.Debug().Str("reason", rpcErr.Message).Msg("Dropping notification")
		return
	}
	if err := c.respond(protocol.NewErrorResponse(id, rpcErr)); err != nil {
		c.log.Warn().Err(err).Msg("Error sending error response")
	}
}

type topicParams struct {
	Name *string `json:"name"`
}

func parseTopic(params json.RawMessage) (string, error) {
	if len(params) == 0 {
		return registry.Wildcard, nil
	}
	var p topicParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", err
	}
	if p.Name == nil || *p.Name == "" {
		return registry.Wildcard, nil
	}
	return *p.Name, nil
}

func (c *conn) handleControl(method string, params json.RawMessage, id protocol.ID, notification bool) {
	topic, err := parseTopic(params)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Msg("Invalid subscribe/unsubscribe params")
		c.reject(id, notification, protocol.Errorf(protocol.CodeInvalidParams, "Invalid subscribe/unsubscribe params: %v", err))
		return
	}

	if method == methodSubscribe {
		if c.srv.registry.Subscribe(topic, c) {
			c.log.Debug().Str("topic", topic).Msg("Subscribed")
		}
	} else if c.srv.registry.Unsubscribe(topic, c) {
		c.log.Debug().Str("topic", topic).Msg("Unsubscribed")
	}

	if notification {
		return
	}
	if err := c.respond(protocol.NewSuccess(id, json.RawMessage(`"ok"`))); err != nil {
		c.log.Warn().Err(err).Msg("Error sending acknowledgement")
	}
}

// respond hands resp to the writer without blocking.
func (c *conn) respond(resp *protocol.Response) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := c.t.TrySend(data); err != nil {
		return fmt.Errorf("send response to %s: %w", c.id, err)
	}
	return nil
}
