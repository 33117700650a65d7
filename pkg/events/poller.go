package events

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/errmodel"
	"github.com/wilhg/statestore/pkg/store"
)

const (
	// DefaultPollLimit bounds one Poll call.
	DefaultPollLimit int64 = 100
	// DefaultInspectCount is how many recent events Inspect returns by default.
	DefaultInspectCount = 10
)

// Item is one decoded log entry.
type Item struct {
	ID    string             `json:"id"`
	Event conversation.Event `json:"data"`
}

// Page is the result of one Poll. Cursor is the id of the last entry read,
// including entries skipped as malformed, so a page made only of bad entries
// still moves the consumer forward.
type Page struct {
	Items  []Item `json:"items"`
	Cursor string `json:"cursor"`
}

// Poller reads one namespace's log forward from a caller-held cursor.
// Delivery is at-least-once per consumer: a consumer that loses its cursor
// may see entries again, or miss ones already trimmed.
type Poller struct {
	log       store.KeyedLog
	namespace string
	limit     int64
	logger    *slog.Logger
}

// PollerOption configures the Poller at construction time.
type PollerOption func(*Poller)

// WithPollLimit overrides DefaultPollLimit.
func WithPollLimit(n int64) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithLogger sets the logger used to report skipped entries.
func WithLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller constructs a Poller for namespace.
func NewPoller(log store.KeyedLog, namespace string, opts ...PollerOption) *Poller {
	p := &Poller{log: log, namespace: namespace, limit: DefaultPollLimit, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poller", "namespace", namespace)
	return p
}

// Poll returns the entries strictly after lastID, in log order. An empty
// lastID reads from the beginning. Entries that do not decode are skipped.
// A lastID that is not an entry id fails with INVALID_INPUT before the log
// is read.
func (p *Poller) Poll(ctx context.Context, lastID string) (Page, error) {
	if err := ValidateCursor(lastID); err != nil {
		return Page{}, err
	}
	if lastID == "" {
		lastID = store.StartID
	}
	ctx, span := otel.Tracer("events/poller").Start(ctx, "Poller.Poll", trace.WithAttributes(
		attribute.String("namespace", p.namespace),
		attribute.String("cursor", lastID),
	))
	defer span.End()

	entries, err := p.log.ReadAfter(ctx, conversation.EventsKey(p.namespace), lastID, p.limit)
	if err != nil {
		span.RecordError(err)
		return Page{}, err
	}
	page := Page{Items: p.decode(entries), Cursor: store.LastID(entries, lastID)}
	span.SetAttributes(attribute.Int("items", len(page.Items)))
	return page, nil
}

// ValidateCursor accepts "" and the entry ids every backend issues:
// "<digits>" or "<digits>-<digits>".
func ValidateCursor(cursor string) error {
	if cursor == "" || store.ValidID(cursor) {
		return nil
	}
	return errmodel.Validation(errmodel.CodeInvalidInput,
		fmt.Sprintf("invalid cursor %q: want <digits> or <digits>-<digits>", cursor),
		map[string]any{"cursor": cursor})
}

// Inspect returns up to count of the newest events, newest first. count <= 0
// uses DefaultInspectCount.
func (p *Poller) Inspect(ctx context.Context, count int) ([]Item, error) {
	if count <= 0 {
		count = DefaultInspectCount
	}
	entries, err := p.log.ReadLatest(ctx, conversation.EventsKey(p.namespace), int64(count))
	if err != nil {
		return nil, err
	}
	return p.decode(entries), nil
}

func (p *Poller) decode(entries []store.Entry) []Item {
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if e.Payload == nil {
			p.logger.Debug("skip entry without payload", "id", e.ID)
			continue
		}
		ev, err := conversation.ParseEvent(e.Payload)
		if err != nil {
			p.logger.Debug("skip malformed entry", "id", e.ID, "err", err)
			continue
		}
		items = append(items, Item{ID: e.ID, Event: ev})
	}
	return items
}

// Cursor returns the id of the last item, or lastID when items is empty.
func Cursor(items []Item, lastID string) string {
	if len(items) == 0 {
		return lastID
	}
	return items[len(items)-1].ID
}
