package codec

import (
	"bytes"
	"encoding/json"
)

// JSON uses the standard library encoding/json. Numbers decoded into an
// interface{} become float64.
type JSON struct{}

func (JSON) Encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (JSON) Decode(data json.RawMessage, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Unmarshal(data, v)
}

func (JSON) Name() string {
	return "json"
}

// JSONNumber behaves like JSON but decodes numbers held in an interface{}
// as json.Number, keeping 64-bit identifiers intact.
type JSONNumber struct{}

func (JSONNumber) Encode(v any) (json.RawMessage, error) {
	return JSON{}.Encode(v)
}

func (JSONNumber) Decode(data json.RawMessage, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (JSONNumber) Name() string {
	return "json-number"
}
