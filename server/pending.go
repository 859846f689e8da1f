package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rkusa/dcs-jsonrpc/message"
	"github.com/rkusa/dcs-jsonrpc/protocol"
)

var ErrAlreadyCompleted = errors.New("server: call already completed")

// PendingCall is one queued Request or Notification waiting for the host.
// It must be completed at most once; completing a Notification only marks it
// done.
type PendingCall struct {
	Method string
	Params json.RawMessage
	ID     protocol.ID

	notification bool
	conn         *conn
	completed    atomic.Bool
}

func (p *PendingCall) IsNotification() bool {
	return p.notification
}

// ConnID identifies the connection the call arrived on.
func (p *PendingCall) ConnID() string {
	return p.conn.id
}

// Call returns the host's view of the pending call.
func (p *PendingCall) Call() *message.Call {
	return &message.Call{Method: p.Method, Params: p.Params, Notification: p.notification}
}

// Success answers the call with result.
func (p *PendingCall) Success(result any) error {
	return p.Complete(message.Result(result))
}

// Fail answers the call with err. A *protocol.Error keeps its code.
func (p *PendingCall) Fail(err error) error {
	return p.Complete(message.Failure(err))
}

// Complete delivers outcome to the originating connection. A nil outcome is
// a null result.
//
// If the result cannot be encoded, the caller receives an internal error
// response and the encoding error is returned. Delivery never blocks: a
// closed connection or a full outbound queue is returned as an error.
func (p *PendingCall) Complete(outcome *message.Outcome) error {
	if !p.completed.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}
	if p.notification {
		return nil
	}

	var (
		resp      *protocol.Response
		encodeErr error
	)
	switch {
	case outcome.Failed():
		resp = protocol.NewErrorResponse(p.ID, toRPCError(outcome.Err))
	default:
		var result any
		if outcome != nil {
			result = outcome.Result
		}
		raw, err := p.conn.srv.opts.codec.Encode(result)
		if err != nil {
			encodeErr = fmt.Errorf("encode result of %s: %w", p.Method, err)
			resp = protocol.NewErrorResponse(p.ID, protocol.Errorf(protocol.CodeInternalError, "failed to encode result: %v", err))
		} else {
			resp = protocol.NewSuccess(p.ID, raw)
		}
	}

	if err := p.conn.respond(resp); err != nil {
		return errors.Join(encodeErr, err)
	}
	return encodeErr
}

func toRPCError(err error) *protocol.Error {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return protocol.NewError(protocol.CodeApplication, err.Error())
}
