// Package events writes conversation change events to a namespace's log and
// reads them back for pollers and inspection.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/store"
)

// DefaultRetention is the approximate number of entries kept per namespace log.
const DefaultRetention int64 = 10000

// Emitter appends events to the log of the namespace they belong to.
type Emitter struct {
	log       store.KeyedLog
	retention int64
}

// EmitterOption configures the Emitter at construction time.
type EmitterOption func(*Emitter)

// WithRetention overrides DefaultRetention. n <= 0 disables trimming.
func WithRetention(n int64) EmitterOption {
	return func(e *Emitter) { e.retention = n }
}

// NewEmitter constructs an Emitter over log.
func NewEmitter(log store.KeyedLog, opts ...EmitterOption) *Emitter {
	e := &Emitter{log: log, retention: DefaultRetention}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit serializes ev and appends it; the store assigns the returned id.
func (e *Emitter) Emit(ctx context.Context, ev conversation.Event) (string, error) {
	ctx, span := otel.Tracer("events/emitter").Start(ctx, "Emitter.Emit", trace.WithAttributes(
		attribute.String("namespace", ev.Namespace),
		attribute.String("conversation.id", ev.ConversationID),
	))
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("encode event: %w", err)
	}
	id, err := e.log.Append(ctx, conversation.EventsKey(ev.Namespace), payload, e.retention)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("event.id", id))
	return id, nil
}
