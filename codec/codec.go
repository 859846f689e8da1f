// Package codec converts Go values to and from the JSON carried in the
// "params" and "result" members of a message.
//
// A json.RawMessage passes through every codec unchanged, so callers that
// already hold encoded JSON (the host hands over result strings) pay no
// re-encoding cost.
package codec

import "encoding/json"

type Codec interface {
	Encode(v any) (json.RawMessage, error)
	Decode(data json.RawMessage, v any) error
	Name() string
}

// Default is used by the client and server when no codec is configured.
var Default Codec = JSON{}

// Get returns the codec registered under name, or Default.
func Get(name string) Codec {
	switch name {
	case JSONNumber{}.Name():
		return JSONNumber{}
	default:
		return Default
	}
}
