package protocol

import (
	"encoding/json"
	"fmt"
)

// Error codes. CodeApplication is what a host failure is reported with unless
// the host supplies its own code; the negative codes are the JSON-RPC 2.0
// reserved range.
const (
	CodeApplication = 1

	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerBusy  = -32005
	CodeRateLimited = -32006
)

// ErrRemote matches any *Error with errors.Is.
var ErrRemote = &Error{}

// Error is the error member of an error Response. It implements error so a
// client can hand it to callers unchanged.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewError returns an *Error without data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf returns an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is reports true for any *Error target.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok
}

func (e *Error) UnmarshalJSON(data []byte) error {
	type plain Error
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if isNull(p.Data) {
		p.Data = nil
	}
	*e = Error(p)
	return nil
}
