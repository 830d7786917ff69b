package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed is returned when a record is not a JSON object.
var ErrMalformed = errors.New("malformed event record")

// timeKeys are the fields tried, in order, for the event sort key.
// created_at is what the feed API and the push channel send today.
var timeKeys = []string{"created_at", "occurred_at", "occurredAt", "timestamp"}

// Event is one observed on-chain transaction relevant to a watched address.
// Only ID and OccurredAt are interpreted; Raw carries the record untouched so
// presentation layers get every field the server sent.
type Event struct {
	ID         int64
	HasID      bool
	OccurredAt time.Time
	Raw        json.RawMessage
}

// ParseEvent decodes a single event record. Records wrapped in the server hub
// envelope ({"user_id":..,"type":..,"payload":{..}}) are unwrapped when the
// top level has no id of its own.
func ParseEvent(data []byte) (Event, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return Event{}, err
	}

	if _, ok := fields["id"]; !ok {
		if payload, ok := fields["payload"]; ok {
			if inner, err := decodeObject(payload); err == nil {
				fields = inner
				data = payload
			}
		}
	}

	e := Event{Raw: append(json.RawMessage(nil), bytes.TrimSpace(data)...)}
	if raw, ok := fields["id"]; ok {
		if id, ok := parseID(raw); ok {
			e.ID = id
			e.HasID = true
		}
	}
	for _, key := range timeKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if ts, ok := parseTime(raw); ok {
			e.OccurredAt = ts
			break
		}
	}
	return e, nil
}

// NewEvent builds an event from an arbitrary value, mostly useful in tests and
// for callers that already hold decoded records.
func NewEvent(v any) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	return ParseEvent(b)
}

// MarshalJSON returns the original record.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Raw, nil
}

// UnmarshalJSON lets []Event be decoded straight out of API envelopes.
func (e *Event) UnmarshalJSON(data []byte) error {
	parsed, err := ParseEvent(data)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Field decodes one top-level field of the record into out. It reports false
// when the field is absent or does not decode.
func (e Event) Field(name string, out any) bool {
	fields, err := decodeObject(e.Raw)
	if err != nil {
		return false
	}
	raw, ok := fields[name]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return fields, nil
}

func parseID(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return id, true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func parseTime(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02T15:04:05.999999999"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, false
	}
	v, err := n.Int64()
	if err != nil {
		return time.Time{}, false
	}
	// Anything past 1e12 is already milliseconds.
	if v > 1_000_000_000_000 {
		return time.UnixMilli(v).UTC(), true
	}
	return time.Unix(v, 0).UTC(), true
}
