// Package statestore exposes the four conversation operations of one
// namespace binding: get, set, inspect and poll for changes.
//
// Every call acquires its own store connection through the configured
// store.Opener and releases it before returning.
package statestore

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/errmodel"
	"github.com/wilhg/statestore/pkg/events"
	"github.com/wilhg/statestore/pkg/fsm"
	"github.com/wilhg/statestore/pkg/repository"
	"github.com/wilhg/statestore/pkg/store"
)

// GetConversationResult is the reply of GetConversation.
type GetConversationResult struct {
	OK           bool                      `json:"ok"`
	Created      bool                      `json:"created"`
	Conversation conversation.Conversation `json:"conversation"`
}

// SchemaInfo describes the namespace's configured state machine.
type SchemaInfo struct {
	FSM *fsm.Definition `json:"fsm"`
}

// InspectedEvent is a log entry flattened with its id.
type InspectedEvent struct {
	ID string `json:"id"`
	conversation.Event
}

// InspectResult is the reply of DebugInspect.
type InspectResult struct {
	OK         bool             `json:"ok"`
	Namespace  string           `json:"namespace"`
	Schema     SchemaInfo       `json:"schema"`
	Events     []InspectedEvent `json:"events"`
	EventCount int              `json:"event_count"`
}

// Service runs the operations of one binding.
type Service struct {
	open      store.Opener
	binding   repository.Binding
	logger    *slog.Logger
	now       func() time.Time
	retention int64
	pollLimit int64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetention sets the approximate event log length. The default is
// events.DefaultRetention.
func WithRetention(n int64) Option {
	return func(s *Service) { s.retention = n }
}

// WithPollLimit caps the entries returned by one OnConversationChanged call.
func WithPollLimit(n int64) Option {
	return func(s *Service) { s.pollLimit = n }
}

// New returns a Service that opens a connection per call with open.
func New(open store.Opener, b repository.Binding, opts ...Option) *Service {
	s := &Service{
		open:      open,
		binding:   b,
		logger:    slog.Default(),
		now:       time.Now,
		retention: events.DefaultRetention,
		pollLimit: events.DefaultPollLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the bound namespace.
func (s *Service) Namespace() string { return s.binding.Namespace }

// GetConversation returns the conversation, creating it on first access.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (GetConversationResult, error) {
	if err := requireID(conversationID); err != nil {
		return GetConversationResult{}, err
	}
	var out GetConversationResult
	err := s.withBackend(ctx, func(be store.Backend) error {
		res, err := s.repository(be).GetOrCreate(ctx, conversationID)
		if err != nil {
			return err
		}
		out = GetConversationResult{OK: true, Created: res.Created, Conversation: res.Conversation}
		return nil
	})
	return out, err
}

// SetConversation replaces the conversation. Rejected transitions and data
// come back as a result with OK false, not as an error.
func (s *Service) SetConversation(ctx context.Context, conversationID, state string, data any) (repository.SetResult, error) {
	if err := requireID(conversationID); err != nil {
		return repository.SetResult{}, err
	}
	if strings.TrimSpace(state) == "" {
		return repository.SetResult{}, errmodel.Validation(errmodel.CodeInvalidInput, "state is required", nil)
	}
	var out repository.SetResult
	err := s.withBackend(ctx, func(be store.Backend) error {
		res, err := s.repository(be).Set(ctx, conversationID, state, data)
		if err != nil {
			return err
		}
		out = res
		if !res.OK {
			s.logger.Info("set rejected", "namespace", s.binding.Namespace,
				"conversation_id", conversationID, "code", res.Error.Code)
		}
		return nil
	})
	return out, err
}

// DebugInspect returns the binding's FSM and up to eventCount of the newest
// log entries, newest first. eventCount <= 0 means events.DefaultInspectCount.
func (s *Service) DebugInspect(ctx context.Context, eventCount int) (InspectResult, error) {
	var out InspectResult
	err := s.withBackend(ctx, func(be store.Backend) error {
		items, err := s.poller(be).Inspect(ctx, eventCount)
		if err != nil {
			return errmodel.Store(err, map[string]any{"namespace": s.binding.Namespace})
		}
		evs := make([]InspectedEvent, 0, len(items))
		for _, it := range items {
			evs = append(evs, InspectedEvent{ID: it.ID, Event: it.Event})
		}
		out = InspectResult{
			OK:         true,
			Namespace:  s.binding.Namespace,
			Schema:     SchemaInfo{FSM: s.binding.FSM},
			Events:     evs,
			EventCount: len(evs),
		}
		return nil
	})
	return out, err
}

// OnConversationChanged returns the events appended after cursor, oldest
// first, and the cursor to pass next time. An empty cursor reads from the
// beginning of the log.
func (s *Service) OnConversationChanged(ctx context.Context, cursor string) (events.Page, error) {
	if err := events.ValidateCursor(cursor); err != nil {
		return events.Page{}, err
	}
	var out events.Page
	err := s.withBackend(ctx, func(be store.Backend) error {
		page, err := s.poller(be).Poll(ctx, cursor)
		if err != nil {
			return errmodel.Store(err, map[string]any{"namespace": s.binding.Namespace, "cursor": cursor})
		}
		out = page
		return nil
	})
	return out, err
}

func (s *Service) withBackend(ctx context.Context, fn func(store.Backend) error) error {
	be, err := s.open(ctx)
	if err != nil {
		return errmodel.Unavailable(err, map[string]any{"namespace": s.binding.Namespace})
	}
	defer func() {
		if cerr := be.Close(); cerr != nil {
			s.logger.Warn("close store connection", "err", cerr)
		}
	}()
	return fn(be)
}

func (s *Service) repository(be store.Backend) *repository.Repository {
	em := events.NewEmitter(be, events.WithRetention(s.retention))
	return repository.New(be, em, s.binding, repository.WithLogger(s.logger), repository.WithClock(s.now))
}

func (s *Service) poller(be store.Backend) *events.Poller {
	return events.NewPoller(be, s.binding.Namespace, events.WithPollLimit(s.pollLimit), events.WithLogger(s.logger))
}

func requireID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errmodel.Validation(errmodel.CodeInvalidInput, "conversation_id is required", nil)
	}
	return nil
}
