// Package protocol implements the JSON-RPC 2.0 message shapes spoken between the
// bridge server and its clients.
//
// Every message travels as one line of UTF-8 JSON. Four shapes exist:
//
//	Request:      {"jsonrpc":"2.0","method":<string>,"params":<any|null>,"id":<number|string>}
//	Notification: {"jsonrpc":"2.0","method":<string>,"params":<any|null>}
//	Success:      {"jsonrpc":"2.0","result":<any>,"id":<number|string>}
//	Error:        {"jsonrpc":"2.0","error":{"code":<int>,"message":<string>,"data":<any|null>},"id":<number|string>}
//
// Decoding is two-phase: the line is first parsed into a generic JSON object,
// then classified by which members are present:
//
//	method + id    → *Request
//	method, no id  → *Notification
//	result         → *Response (success)
//	error          → *Response (error)
//
// A line that fits none of these, or that carries a version other than "2.0",
// is a decode error for that line only.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

var (
	ErrInvalidJSON       = errors.New("invalid JSON")
	ErrNotObject         = errors.New("message is not a JSON object")
	ErrUnknownVersion    = errors.New("unknown jsonrpc version")
	ErrInvalidMethod     = errors.New("method must be a string")
	ErrUnknownShape      = errors.New("message is neither a request, notification nor response")
	ErrAmbiguousResponse = errors.New("response carries both result and error")
	ErrMissingID         = errors.New("message requires an id")
)

// Message is one of *Request, *Notification or *Response.
type Message interface {
	isMessage()
}

// Request is a call that expects exactly one Response carrying the same ID.
type Request struct {
	Method string
	Params json.RawMessage
	ID     ID
}

// Notification is a call without an ID. It never produces a Response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response answers a Request. Exactly one of Result and Error is meaningful:
// Error is nil for a success.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

// IsError reports whether the response is an error response.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// NewSuccess builds a success Response for id.
func NewSuccess(id ID, result json.RawMessage) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse builds an error Response for id.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

type wireCall struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      *ID             `json:"id,omitempty"`
}

type wireSuccess struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	ID      ID              `json:"id"`
}

type wireError struct {
	JSONRPC string `json:"jsonrpc"`
	Error   *Error `json:"error"`
	ID      ID     `json:"id"`
}

// Encode serializes msg without a trailing newline.
//
// Requests and success Responses must carry an ID. Notifications never emit
// an "id" member. An error Response without an ID emits "id":null.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		if m.ID.IsZero() {
			return nil, ErrMissingID
		}
		id := m.ID
		return json.Marshal(wireCall{JSONRPC: Version, Method: m.Method, Params: nullIfEmpty(m.Params), ID: &id})
	case *Notification:
		return json.Marshal(wireCall{JSONRPC: Version, Method: m.Method, Params: nullIfEmpty(m.Params)})
	case *Response:
		if m.Error != nil {
			return json.Marshal(wireError{JSONRPC: Version, Error: m.Error, ID: m.ID})
		}
		if m.ID.IsZero() {
			return nil, ErrMissingID
		}
		return json.Marshal(wireSuccess{JSONRPC: Version, Result: nullIfEmpty(m.Result), ID: m.ID})
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}
}

// Decode parses one line into a *Request, *Notification or *Response.
func Decode(line []byte) (Message, error) {
	// Phase 1: generic JSON object
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != Version {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, fields["jsonrpc"])
	}

	var id ID
	if raw, ok := fields["id"]; ok {
		if err := id.UnmarshalJSON(raw); err != nil {
			return nil, err
		}
	}

	// Phase 2: classify by member presence
	if raw, ok := fields["method"]; ok {
		var method string
		if err := json.Unmarshal(raw, &method); err != nil {
			return nil, ErrInvalidMethod
		}
		params := fields["params"]
		if isNull(params) {
			params = nil
		}
		if id.IsZero() {
			return &Notification{Method: method, Params: params}, nil
		}
		return &Request{Method: method, Params: params, ID: id}, nil
	}

	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]
	switch {
	case hasResult && hasError:
		return nil, ErrAmbiguousResponse
	case hasResult:
		return &Response{ID: id, Result: result}, nil
	case hasError:
		var rpcErr Error
		if isNull(rawErr) {
			return nil, fmt.Errorf("%w: null error member", ErrUnknownShape)
		}
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return nil, fmt.Errorf("decode error member: %w", err)
		}
		return &Response{ID: id, Error: &rpcErr}, nil
	default:
		return nil, ErrUnknownShape
	}
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
