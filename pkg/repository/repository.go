// Package repository reads, creates and replaces conversation records,
// enforcing the namespace's FSM and emitting a change event for every write.
//
// Concurrency: creation is arbitrated by the store's atomic create-if-absent
// alone, so concurrent first reads produce exactly one creation event. Set is
// a plain read-validate-write: two concurrent sets that observed the same
// state both pass validation, the last write wins, and both emit events.
package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/datavalidation"
	"github.com/wilhg/statestore/pkg/errmodel"
	"github.com/wilhg/statestore/pkg/events"
	"github.com/wilhg/statestore/pkg/fsm"
	"github.com/wilhg/statestore/pkg/store"
)

// Binding is the immutable per-namespace configuration every operation runs
// under.
type Binding struct {
	Namespace string
	FSM       *fsm.Definition
	// Validator, when set, checks {state, data} on every Set.
	Validator *datavalidation.Validator
}

// InitialState is the state new conversations start in.
func (b Binding) InitialState() string {
	if b.FSM != nil && b.FSM.Initial != "" {
		return b.FSM.Initial
	}
	return conversation.UnknownState
}

// GetResult is returned by GetOrCreate.
type GetResult struct {
	Created      bool                      `json:"created"`
	Conversation conversation.Conversation `json:"conversation"`
}

// SetResult is returned by Set. Business-rule rejections are reported here
// with OK false; they are never returned as Go errors.
type SetResult struct {
	OK           bool                       `json:"ok"`
	Conversation *conversation.Conversation `json:"conversation,omitempty"`
	Error        *errmodel.Error            `json:"error,omitempty"`
}

// Repository operates on one namespace over one store connection.
type Repository struct {
	records store.KeyedStore
	emitter *events.Emitter
	binding Binding
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the Repository at construction time.
type Option func(*Repository)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Repository.
func New(records store.KeyedStore, emitter *events.Emitter, b Binding, opts ...Option) *Repository {
	r := &Repository{records: records, emitter: emitter, binding: b, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "repository", "namespace", b.Namespace)
	return r
}

// GetOrCreate returns the stored conversation, creating it in the initial
// state on first access. Only the caller whose create-if-absent succeeds
// emits the creation event.
func (r *Repository) GetOrCreate(ctx context.Context, conversationID string) (GetResult, error) {
	ctx, span := r.start(ctx, "Repository.GetOrCreate", conversationID)
	defer span.End()

	key := conversation.ConversationKey(r.binding.Namespace, conversationID)
	if c, ok, err := r.load(ctx, key); err != nil {
		return GetResult{}, r.fail(span, err, conversationID)
	} else if ok {
		return GetResult{Created: false, Conversation: c}, nil
	}

	c := conversation.New(r.binding.InitialState())
	b, err := json.Marshal(c)
	if err != nil {
		return GetResult{}, r.fail(span, err, conversationID)
	}
	created, err := r.records.SetIfAbsent(ctx, key, b)
	if err != nil {
		return GetResult{}, r.fail(span, err, conversationID)
	}
	if created {
		ev := conversation.NewEvent(r.binding.Namespace, conversationID, nil, c, r.now())
		if _, err := r.emitter.Emit(ctx, ev); err != nil {
			return GetResult{}, r.fail(span, err, conversationID)
		}
		span.SetAttributes(attribute.Bool("created", true))
		return GetResult{Created: true, Conversation: c}, nil
	}

	// Lost the race: the winner's record should be visible now.
	existing, ok, err := r.load(ctx, key)
	if err != nil {
		return GetResult{}, r.fail(span, err, conversationID)
	}
	if ok {
		return GetResult{Created: false, Conversation: existing}, nil
	}
	r.logger.Warn("create-if-absent lost but record still missing; returning synthesized conversation",
		"conversation_id", conversationID)
	span.AddEvent("create anomaly")
	return GetResult{Created: true, Conversation: c}, nil
}

// Set validates and writes a full replacement of the conversation, then
// emits a change event. A missing record is validated against the
// namespace's initial state; Set does not create it first.
func (r *Repository) Set(ctx context.Context, conversationID, state string, data any) (SetResult, error) {
	ctx, span := r.start(ctx, "Repository.Set", conversationID)
	defer span.End()
	span.SetAttributes(attribute.String("state.next", state))

	key := conversation.ConversationKey(r.binding.Namespace, conversationID)
	current, ok, err := r.load(ctx, key)
	if err != nil {
		return SetResult{}, r.fail(span, err, conversationID)
	}
	if !ok {
		current = conversation.New(r.binding.InitialState())
	}
	span.SetAttributes(attribute.String("state.current", current.State))

	if err := fsm.ValidateTransition(current.State, state, r.binding.FSM); err != nil {
		span.SetStatus(codes.Error, "invalid transition")
		return SetResult{OK: false, Error: errmodel.From(err)}, nil
	}

	next := conversation.Conversation{State: state, Data: conversation.CoerceData(data)}
	if err := r.binding.Validator.Validate(next); err != nil {
		span.SetStatus(codes.Error, "invalid data")
		return SetResult{OK: false, Error: errmodel.From(err)}, nil
	}

	b, err := json.Marshal(next)
	if err != nil {
		return SetResult{}, r.fail(span, err, conversationID)
	}
	if err := r.records.Set(ctx, key, b); err != nil {
		return SetResult{}, r.fail(span, err, conversationID)
	}
	prev := current
	ev := conversation.NewEvent(r.binding.Namespace, conversationID, &prev, next, r.now())
	if _, err := r.emitter.Emit(ctx, ev); err != nil {
		return SetResult{}, r.fail(span, err, conversationID)
	}
	return SetResult{OK: true, Conversation: &next}, nil
}

// load reads a record. A corrupt record is reported as absent.
func (r *Repository) load(ctx context.Context, key string) (conversation.Conversation, bool, error) {
	b, ok, err := r.records.Get(ctx, key)
	if err != nil || !ok {
		return conversation.Conversation{}, false, err
	}
	c, err := conversation.Decode(b)
	if err != nil {
		r.logger.Warn("ignoring corrupt conversation record", "key", key, "err", err)
		return conversation.Conversation{}, false, nil
	}
	return c, true, nil
}

func (r *Repository) start(ctx context.Context, name, conversationID string) (context.Context, trace.Span) {
	return otel.Tracer("repository").Start(ctx, name, trace.WithAttributes(
		attribute.String("namespace", r.binding.Namespace),
		attribute.String("conversation.id", conversationID),
	))
}

func (r *Repository) fail(span trace.Span, err error, conversationID string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return errmodel.Store(err, map[string]any{
		"namespace":       r.binding.Namespace,
		"conversation_id": conversationID,
	})
}
