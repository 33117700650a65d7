// Package conversation defines the records and change events kept by the
// state store, and the namespaced key layout they live under.
//
// Key layout (namespace-scoped):
//
//	<namespace>:conversation:<conversation_id>   serialized Conversation
//	<namespace>:events                           append-only log, field "payload"
//	<namespace>:relay:<name>:cursor              last id delivered by a relay
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wilhg/statestore/internal/jsonshape"
)

// UnknownState is the state given to new conversations in a namespace with no FSM.
const UnknownState = "unknown"

// PayloadField is the log entry field holding a serialized Event.
const PayloadField = "payload"

// TimeFormat matches the ISO-8601 timestamps the event log has always carried.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Conversation is the mutable record tracked per interaction thread.
type Conversation struct {
	State string         `json:"state"`
	Data  map[string]any `json:"data"`
}

// New returns a conversation in state with empty data.
func New(state string) Conversation {
	return Conversation{State: state, Data: map[string]any{}}
}

// Clone returns a copy whose top-level data map is not shared.
func (c Conversation) Clone() Conversation {
	data := make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		data[k] = v
	}
	return Conversation{State: c.State, Data: data}
}

// MarshalJSON never emits "data": null.
func (c Conversation) MarshalJSON() ([]byte, error) {
	type plain Conversation
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return json.Marshal(plain(c))
}

// Event is one entry of a namespace's change log. Previous is nil on the
// conversation's first materialization.
type Event struct {
	Namespace      string        `json:"namespace"`
	ConversationID string        `json:"conversation_id"`
	Previous       *Conversation `json:"previous"`
	Current        Conversation  `json:"current"`
	At             string        `json:"at"`
}

// NewEvent builds a change event stamped with at (converted to UTC).
func NewEvent(namespace, conversationID string, previous *Conversation, current Conversation, at time.Time) Event {
	return Event{
		Namespace:      namespace,
		ConversationID: conversationID,
		Previous:       previous,
		Current:        current,
		At:             at.UTC().Format(TimeFormat),
	}
}

// ConversationKey is the record key of a conversation.
func ConversationKey(namespace, conversationID string) string {
	return namespace + ":conversation:" + conversationID
}

// EventsKey is the log key of a namespace.
func EventsKey(namespace string) string {
	return namespace + ":events"
}

// RelayCursorKey is where a named relay persists its last delivered id.
func RelayCursorKey(namespace, relayName string) string {
	return namespace + ":relay:" + relayName + ":cursor"
}

// conversationShape is the stored record: a string state and an object
// data, which may be absent or null.
const conversationShape = `{
	"type": "object",
	"required": ["state"],
	"properties": {
		"state": {"type": "string"},
		"data": {"type": ["object", "null"]}
	}
}`

var (
	conversationSchema = jsonshape.MustCompile("mem://conversation.json", []byte(conversationShape))
	eventSchema        = jsonshape.MustCompile("mem://conversation-event.json", []byte(`{
	"$defs": {"conversation": `+conversationShape+`},
	"type": "object",
	"required": ["namespace", "conversation_id", "current", "at"],
	"properties": {
		"namespace": {"type": "string"},
		"conversation_id": {"type": "string"},
		"at": {"type": "string"},
		"current": {"$ref": "#/$defs/conversation"},
		"previous": {"if": {"type": "null"}, "else": {"$ref": "#/$defs/conversation"}}
	}
}`))
)

// Decode parses a stored conversation record. Records whose state is not a
// string or whose data is not an object are rejected.
func Decode(b []byte) (Conversation, error) {
	if err := check(conversationSchema, b, "conversation"); err != nil {
		return Conversation{}, err
	}
	var c Conversation
	if err := json.Unmarshal(b, &c); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return c, nil
}

// ParseEvent decodes and checks a serialized event. It is strict in the
// same places consumers rely on: namespace, conversation_id and at must be
// strings, current must be a conversation, previous a conversation or null.
func ParseEvent(b []byte) (Event, error) {
	if err := check(eventSchema, b, "event"); err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Current.Data == nil {
		ev.Current.Data = map[string]any{}
	}
	if ev.Previous != nil && ev.Previous.Data == nil {
		ev.Previous.Data = map[string]any{}
	}
	return ev, nil
}

func check(s *jsonshape.Schema, b []byte, what string) error {
	doc, err := jsonshape.Decode(b)
	if err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if issues := s.Check(doc); len(issues) > 0 {
		return errors.New(what + ": " + jsonshape.Join(issues))
	}
	return nil
}

// CoerceData keeps v only when it is a JSON object; anything else (nil,
// arrays, primitives, undecodable bytes) becomes an empty object.
func CoerceData(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any{}
		}
		return t
	case json.RawMessage:
		m, _ := objectOrEmpty(t)
		return m
	case []byte:
		m, _ := objectOrEmpty(t)
		return m
	default:
		// Structs and typed maps: round-trip and keep only objects.
		b, err := json.Marshal(t)
		if err != nil {
			return map[string]any{}
		}
		m, _ := objectOrEmpty(b)
		return m
	}
}

// objectOrEmpty decodes b as an object. ok is false only when b holds a
// non-null value that is not an object.
func objectOrEmpty(b []byte) (map[string]any, bool) {
	if len(bytes.TrimSpace(b)) == 0 || isNull(b) {
		return map[string]any{}, true
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return map[string]any{}, false
	}
	return m, true
}

func isNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
