// Package relay forwards every new entry of a namespace's event log to a
// Sink as it is appended.
//
// The relay starts at the log's tail, so history written before it started
// is not replayed, unless a CursorStore holds an earlier position. It waits
// on the log with a bounded blocking read, reconnects with exponential
// backoff when the store fails, and keeps its cursor across reconnects.
// Delivery is best effort: an entry is consumed before it is sent, and a
// failed delivery is logged, not retried by the loop.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/store"
)

const (
	// DefaultBlockTimeout bounds one blocking read.
	DefaultBlockTimeout = 5 * time.Second
	// DefaultBatchSize is the most entries taken per read.
	DefaultBatchSize int64 = 100
)

// Backoff constants for reconnecting after a store failure. The delay grows
// from initialBackoff toward maxBackoff and resets after a successful read.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Stats counts what the relay has done since it started.
type Stats struct {
	Delivered atomic.Uint64
	Failed    atomic.Uint64
	Skipped   atomic.Uint64
}

// Relay bridges one namespace's log to a Sink.
type Relay struct {
	Log       store.KeyedLog
	Namespace string
	Sink      Sink
	Logger    *slog.Logger

	// BlockTimeout defaults to DefaultBlockTimeout.
	BlockTimeout time.Duration
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int64
	// Backoff paces reconnect attempts; nil uses 1s doubling to 30s.
	Backoff *backoff.ExponentialBackOff
	// Cursor, when set, is read at start and written after each delivery.
	Cursor CursorStore

	Stats Stats
}

// Run resolves the starting cursor and relays until ctx is cancelled.
// It returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	cursor, err := r.Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return r.RunFrom(ctx, cursor)
}

// Start returns the id the relay should read after: the saved cursor if a
// CursorStore has one, else the newest id in the log, or store.StartID for
// an empty log. Store failures are retried with backoff until ctx ends.
func (r *Relay) Start(ctx context.Context) (string, error) {
	logger := r.logger()
	bo := r.backoff()
	for {
		cursor, source, err := r.resolveStart(ctx)
		if err == nil {
			logger.Info("relay starting", "cursor", cursor, "from", source)
			return cursor, nil
		}
		wait := bo.NextBackOff()
		logger.Warn("resolve start cursor failed, will retry", "error", err, "backoff", wait)
		if !sleep(ctx, wait) {
			return "", ctx.Err()
		}
	}
}

func (r *Relay) resolveStart(ctx context.Context) (cursor, source string, err error) {
	if r.Cursor != nil {
		id, ok, err := r.Cursor.Load(ctx)
		if err != nil {
			return "", "", err
		}
		if ok {
			return id, "saved", nil
		}
	}
	latest, err := r.Log.ReadLatest(ctx, conversation.EventsKey(r.Namespace), 1)
	if err != nil {
		return "", "", err
	}
	return store.LastID(latest, store.StartID), "tail", nil
}

// RunFrom relays entries after cursor until ctx is cancelled.
func (r *Relay) RunFrom(ctx context.Context, cursor string) error {
	logger := r.logger()
	stream := conversation.EventsKey(r.Namespace)
	timeout := r.BlockTimeout
	if timeout <= 0 {
		timeout = DefaultBlockTimeout
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	bo := r.backoff()

	for ctx.Err() == nil {
		entries, err := r.Log.BlockAfter(ctx, stream, cursor, batch, timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := bo.NextBackOff()
			logger.Warn("log read failed, will retry", "error", err, "cursor", cursor, "backoff", wait)
			if !sleep(ctx, wait) {
				break
			}
			continue
		}
		bo.Reset()
		for _, e := range entries {
			// Consumed before delivery: a failed POST is not re-read.
			cursor = e.ID
			r.forward(ctx, logger, e)
		}
	}
	logger.Info("relay stopped",
		"cursor", cursor,
		"delivered", r.Stats.Delivered.Load(),
		"failed", r.Stats.Failed.Load(),
		"skipped", r.Stats.Skipped.Load(),
	)
	return nil
}

func (r *Relay) forward(ctx context.Context, logger *slog.Logger, e store.Entry) {
	if e.Payload == nil {
		r.Stats.Skipped.Add(1)
		logger.Debug("skip entry without payload", "id", e.ID)
		return
	}
	ctx, span := otel.Tracer("relay").Start(ctx, "Relay.Deliver", trace.WithAttributes(
		attribute.String("namespace", r.Namespace),
		attribute.String("event.id", e.ID),
	))
	defer span.End()

	fields := gjson.GetManyBytes(e.Payload, "conversation_id", "current.state")
	attrs := []any{"id", e.ID, "conversation_id", fields[0].String(), "state", fields[1].String()}
	if err := r.Sink.Deliver(ctx, e.Payload); err != nil {
		span.RecordError(err)
		r.Stats.Failed.Add(1)
		if !errors.Is(err, context.Canceled) {
			logger.Warn("delivery failed", append(attrs, "error", err)...)
		}
		return
	}
	r.Stats.Delivered.Add(1)
	logger.Debug("delivered", attrs...)
	if r.Cursor != nil {
		if err := r.Cursor.Save(ctx, e.ID); err != nil {
			logger.Warn("save cursor failed", "id", e.ID, "error", err)
		}
	}
}

func (r *Relay) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "relay", "namespace", r.Namespace)
}

func (r *Relay) backoff() *backoff.ExponentialBackOff {
	if r.Backoff != nil {
		r.Backoff.Reset()
		return r.Backoff
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.Reset()
	return bo
}

// NewInstanceID returns an id that tells relay processes apart in logs.
func NewInstanceID() string { return uuid.NewString() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
