// Package message defines the envelope exchanged between the dispatch core and
// the host.
//
// Call is the host's view of one queued Request or Notification. Outcome is the
// host's answer to it and is turned into a Response by the server:
//
//   - Result set, Err nil: success; Result is encoded with the server codec
//     (a json.RawMessage is sent as is).
//   - Err set: error Response. A *protocol.Error keeps its code, any other
//     error is reported with protocol.CodeApplication.
//
// Outcomes for Notifications are discarded.
package message

import (
	"encoding/json"
	"fmt"
)

// Call carries the data of a single pending call.
type Call struct {
	Method       string          // e.g. "ping", "getGroups"
	Params       json.RawMessage // nil when the caller sent none
	Notification bool            // true if no Response is expected
}

// Outcome is the result of handling a Call.
type Outcome struct {
	Result any
	Err    error
}

// Result returns a success Outcome.
func Result(v any) *Outcome {
	return &Outcome{Result: v}
}

// Failure returns an error Outcome.
func Failure(err error) *Outcome {
	return &Outcome{Err: err}
}

// Failuref returns an error Outcome with a formatted message.
func Failuref(format string, args ...any) *Outcome {
	return &Outcome{Err: fmt.Errorf(format, args...)}
}

// Failed reports whether the outcome is an error.
func (o *Outcome) Failed() bool {
	return o != nil && o.Err != nil
}
