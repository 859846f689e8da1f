package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

type idKind uint8

const (
	idAbsent idKind = iota
	idNumber
	idString
)

// ErrInvalidID is returned when an "id" member is neither an integer nor a string.
var ErrInvalidID = errors.New("id must be an integer or a string")

// ID correlates a Request with its Response. It is either an integer or a string.
//
// ID is comparable and is used directly as a map key by the correlation table.
// The zero value is the absent ID: Notifications carry none, and an error
// Response may carry none when the request it answers could not be identified.
type ID struct {
	kind idKind
	num  int64
	str  string
}

// NumberID returns an integer ID.
func NumberID(n int64) ID {
	return ID{kind: idNumber, num: n}
}

// StringID returns a string ID.
func StringID(s string) ID {
	return ID{kind: idString, str: s}
}

// IsZero reports whether the ID is absent.
func (id ID) IsZero() bool {
	return id.kind == idAbsent
}

// IsString reports whether the ID is the string variant.
func (id ID) IsString() bool {
	return id.kind == idString
}

// Int64 returns the integer value and true for integer IDs.
func (id ID) Int64() (int64, bool) {
	return id.num, id.kind == idNumber
}

func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	case idString:
		return id.str
	default:
		return "null"
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return strconv.AppendInt(nil, id.num, 10), nil
	case idString:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if isNull(data) {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return ErrInvalidID
	}
	*id = NumberID(n)
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
