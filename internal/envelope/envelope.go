// Package envelope provides the dynamic message structure threaded through a
// processing chain. Unlike a fixed wire-protocol struct, an Envelope wraps an
// arbitrary JSON-shaped value: the engine must be able to carry whatever
// shape a broker payload, a relational row, or a script result happens to
// produce, while still offering safe nested lookups to callers that only
// know a handful of well-known keys (topic, trigger_message).
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known keys the chain engine populates depending on the originating
// source kind.
const (
	KeyTopic          = "topic"
	KeyData           = "data"
	KeyTriggerMessage = "trigger_message"
)

// Envelope is the dynamic JSON value passed between chain steps. A value
// decoded from JSON is one of the six JSON variants: map[string]any, []any,
// string, float64, bool, or nil. Envelopes built from relational rows hold
// the driver's scanned Go values inside the row maps instead. Most chain
// traffic is the map form.
type Envelope struct {
	Value any
}

// New wraps an arbitrary decoded JSON value.
func New(value any) *Envelope {
	return &Envelope{Value: value}
}

// FromRawPayload decodes raw as JSON; if decoding fails the raw bytes are
// carried as a plain string envelope instead of failing the delivery.
func FromRawPayload(raw []byte) *Envelope {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return &Envelope{Value: string(raw)}
	}
	return &Envelope{Value: decoded}
}

// WrapBrokerMessage builds the {topic, data} envelope shape a broker source
// produces.
func WrapBrokerMessage(topic string, data *Envelope) *Envelope {
	return &Envelope{Value: map[string]any{
		KeyTopic: topic,
		KeyData:  data.Value,
	}}
}

// WrapTriggerMessage builds the {trigger_message: ...} envelope shape a
// relational trigger notification produces.
func WrapTriggerMessage(data *Envelope) *Envelope {
	return &Envelope{Value: map[string]any{
		KeyTriggerMessage: data.Value,
	}}
}

// Map returns the envelope's value as a map, if it is one.
func (e *Envelope) Map() (map[string]any, bool) {
	if e == nil {
		return nil, false
	}
	m, ok := e.Value.(map[string]any)
	return m, ok
}

// List returns the envelope's value as a slice, if it is one.
func (e *Envelope) List() ([]any, bool) {
	if e == nil {
		return nil, false
	}
	l, ok := e.Value.([]any)
	return l, ok
}

// AsList coerces the envelope into a list: a list value passes through
// unchanged, anything else is wrapped in a single-element list. Used by
// relational-insert fan-out to normalize a single-row envelope into
// a batch of one.
func (e *Envelope) AsList() []any {
	if e == nil || e.Value == nil {
		return nil
	}
	if l, ok := e.Value.([]any); ok {
		return l
	}
	return []any{e.Value}
}

// Get performs a safe nested lookup by key segments (e.g. Get("data",
// "name")), returning (nil, false) at the first missing or non-map segment rather
// than panicking.
func (e *Envelope) Get(path ...string) (any, bool) {
	var cur any = e.Value
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString is Get plus a string type assertion.
func (e *Envelope) GetString(path ...string) (string, bool) {
	v, ok := e.Get(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ToJSON serializes the envelope's value; a string value is returned as its
// raw bytes. Decimal and Timestamp wrapper values marshal through their own
// MarshalJSON rather than the default float/struct encoding.
func (e *Envelope) ToJSON() ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	if s, ok := e.Value.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(e.Value)
}

// String renders the envelope as a JSON string, or the raw string form if
// the value already is a string.
func (e *Envelope) String() string {
	if e == nil {
		return ""
	}
	if s, ok := e.Value.(string); ok {
		return s
	}
	data, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Sprintf("%v", e.Value)
	}
	return string(data)
}

// Decimal preserves arbitrary-precision decimal text through JSON encoding
// instead of losing precision to float64.
type Decimal string

func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(d))
}

func (d *Decimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*d = Decimal(s)
	return nil
}

// Timestamp marshals as an ISO-8601 string.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}
