// Package wire decodes the long-poll positional event format into
// structured messages, flag sets, and attachments. It performs no I/O.
package wire

import (
	"encoding/json"
	"strconv"
)

// Event types carried in the leading field of a raw long-poll update.
const (
	TypeFlagsReplace  = 1
	TypeFlagsSet      = 2
	TypeFlagsReset    = 3
	TypeNewMessage    = 4
	TypeFriendOnline  = 8
	TypeFriendOffline = 9
)

// RawEvent is a heterogeneous positional update as decoded from the poll
// response JSON: [eventType, ...fields]. Never persisted.
type RawEvent []any

// Type extracts the leading event-type field. Returns an error if the
// event is empty or the field is not numeric.
func (ev RawEvent) Type() (int, error) {
	if len(ev) == 0 {
		return 0, &MalformedEventError{Reason: "empty event"}
	}
	n, ok := asInt64(ev[0])
	if !ok {
		return 0, &MalformedEventError{Reason: "event type is not numeric", Event: ev}
	}
	return int(n), nil
}

// Int64 reads the field at position i as an integer. Reports false when
// the event is too short or the field is not numeric.
func (ev RawEvent) Int64(i int) (int64, bool) {
	if i >= len(ev) {
		return 0, false
	}
	return asInt64(ev[i])
}

// asInt64 coerces the numeric representations a decoded JSON array can
// carry. The side-channel "from" field arrives as a decimal string.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
