package conversation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestKeys(t *testing.T) {
	if got := ConversationKey("bot:proposal", "whatsapp:+351"); got != "bot:proposal:conversation:whatsapp:+351" {
		t.Fatalf("conversation key=%q", got)
	}
	if got := EventsKey("bot:proposal"); got != "bot:proposal:events" {
		t.Fatalf("events key=%q", got)
	}
	if got := RelayCursorKey("ns", "bridge"); got != "ns:relay:bridge:cursor" {
		t.Fatalf("cursor key=%q", got)
	}
}

func TestNewEventTimestamp(t *testing.T) {
	at := time.Date(2026, 1, 24, 13, 0, 0, 123_000_000, time.FixedZone("WET+1", 3600))
	ev := NewEvent("ns", "c1", nil, New("START"), at)
	if ev.At != "2026-01-24T12:00:00.123Z" {
		t.Fatalf("at=%q", ev.At)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"namespace":"ns","conversation_id":"c1","previous":null,"current":{"state":"START","data":{}},"at":"2026-01-24T12:00:00.123Z"}`
	if string(b) != want {
		t.Fatalf("json=%s", b)
	}
}

func TestMarshalNeverEmitsNullData(t *testing.T) {
	b, err := json.Marshal(Conversation{State: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"state":"A","data":{}}` {
		t.Fatalf("json=%s", b)
	}
}

func TestDecode(t *testing.T) {
	c, err := Decode([]byte(`{"state":"PROPOSE","data":{"title":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Conversation{State: "PROPOSE", Data: map[string]any{"title": "x"}}, c); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	for _, bad := range []string{`not json`, `null`, `[]`, `{"data":{}}`, `{"state":"A","data":[1]}`, `{"state":1}`} {
		if _, err := Decode([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestParseEvent(t *testing.T) {
	in := `{"namespace":"bot:proposal","conversation_id":"c1","previous":{"state":"PROPOSE","data":{}},"current":{"state":"PROPOSE_TITLE","data":{"title":"Example proposal"}},"at":"2026-01-24T12:00:00Z"}`
	ev, err := ParseEvent([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	want := Event{
		Namespace:      "bot:proposal",
		ConversationID: "c1",
		Previous:       &Conversation{State: "PROPOSE", Data: map[string]any{}},
		Current:        Conversation{State: "PROPOSE_TITLE", Data: map[string]any{"title": "Example proposal"}},
		At:             "2026-01-24T12:00:00Z",
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	first, err := ParseEvent([]byte(`{"namespace":"n","conversation_id":"c","previous":null,"current":{"state":"S","data":{}},"at":"t"}`))
	if err != nil {
		t.Fatal(err)
	}
	if first.Previous != nil {
		t.Fatal("previous should be nil")
	}
}

func TestParseEventRejects(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"not json", `{`, "decode event: "},
		{"missing namespace", `{"conversation_id":"c","current":{"state":"S","data":{}},"at":"t"}`, "event: namespace: is required"},
		{"missing id", `{"namespace":"n","current":{"state":"S","data":{}},"at":"t"}`, "event: conversation_id: is required"},
		{"missing at", `{"namespace":"n","conversation_id":"c","current":{"state":"S","data":{}}}`, "event: at: is required"},
		{"null current", `{"namespace":"n","conversation_id":"c","current":null,"at":"t"}`, "event: current: expected object, got null"},
		{"bad previous", `{"namespace":"n","conversation_id":"c","previous":{"data":{}},"current":{"state":"S","data":{}},"at":"t"}`, "event: previous.state: is required"},
		{"previous data array", `{"namespace":"n","conversation_id":"c","previous":{"state":"A","data":[1]},"current":{"state":"S"},"at":"t"}`, "event: previous.data: expected object or null, got array"},
		{"numeric namespace", `{"namespace":1,"conversation_id":"c","current":{"state":"S","data":{}},"at":"t"}`, "event: namespace: expected string, got number"},
		{"two issues", `{"namespace":"n","current":{"state":2},"at":"t"}`, "event: conversation_id: is required; current.state: expected string, got number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.in))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.HasPrefix(err.Error(), tt.want) {
				t.Fatalf("err = %q, want prefix %q", err, tt.want)
			}
		})
	}
}

func TestParseEventDefaultsMissingData(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"namespace":"n","conversation_id":"c","previous":{"state":"A","data":null},"current":{"state":"B"},"at":"t"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := Event{
		Namespace:      "n",
		ConversationID: "c",
		Previous:       &Conversation{State: "A", Data: map[string]any{}},
		Current:        Conversation{State: "B", Data: map[string]any{}},
		At:             "t",
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestCoerceData(t *testing.T) {
	type form struct {
		Title string `json:"title"`
	}
	tests := []struct {
		name string
		in   any
		want map[string]any
	}{
		{name: "nil", in: nil, want: map[string]any{}},
		{name: "object", in: map[string]any{"a": 1.0}, want: map[string]any{"a": 1.0}},
		{name: "nil map", in: map[string]any(nil), want: map[string]any{}},
		{name: "array", in: []any{1, 2}, want: map[string]any{}},
		{name: "number", in: 42, want: map[string]any{}},
		{name: "string", in: `{"a":1}`, want: map[string]any{}},
		{name: "bool", in: true, want: map[string]any{}},
		{name: "raw object", in: json.RawMessage(`{"a":"b"}`), want: map[string]any{"a": "b"}},
		{name: "raw array", in: json.RawMessage(`[1]`), want: map[string]any{}},
		{name: "raw garbage", in: []byte(`{{`), want: map[string]any{}},
		{name: "struct", in: form{Title: "x"}, want: map[string]any{"title": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoerceData(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestCloneDoesNotShareData(t *testing.T) {
	c := Conversation{State: "A", Data: map[string]any{"k": "v"}}
	d := c.Clone()
	d.Data["k"] = "changed"
	if c.Data["k"] != "v" {
		t.Fatal("clone shares data map")
	}
	if !strings.EqualFold(d.State, "a") {
		t.Fatal("state not copied")
	}
}
