package client

import (
	"errors"
	"fmt"
)

// ErrClosed is returned, possibly wrapped, by every call that could not
// complete because the connection is gone.
var ErrClosed = errors.New("client: connection closed")

// DecodeError reports a success response whose result did not fit the reply
// value. It is a local error: the remote call itself succeeded.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode result of %s: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
