package store

import (
	"context"
	"errors"
	"time"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/roster"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// instrumented wraps a backend with spans, metrics and debug logging.
type instrumented struct {
	inner Store
}

// Instrument decorates s with tracing and metrics.
func Instrument(s Store) Store {
	if _, ok := s.(*instrumented); ok {
		return s
	}
	observability.EnsureRegistered()
	return &instrumented{inner: s}
}

func (s *instrumented) observe(ctx context.Context, op, threadID string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "banca.store", "store."+op,
		attribute.String("store.backend", s.inner.Backend()),
		attribute.String("thread_id", threadID),
	)
	start := time.Now()
	err := fn(ctx)
	if errors.Is(err, ErrNotFound) {
		// a miss is a normal outcome, not a failure
		observability.RecordStoreOp(s.inner.Backend(), op, time.Since(start), nil)
		tracing.EndSpan(span, nil)
		return err
	}
	observability.RecordStoreOp(s.inner.Backend(), op, time.Since(start), err)
	tracing.EndSpan(span, err)

	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Debug().Err(err).Str("backend", s.inner.Backend()).Str("op", op).Msg("Store operation failed")
	}
	return err
}

func (s *instrumented) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.observe(ctx, "load", threadID, func(ctx context.Context) error {
		var err error
		cp, err = s.inner.Load(ctx, threadID)
		return err
	})
	return cp, err
}

func (s *instrumented) Save(ctx context.Context, cp *Checkpoint) error {
	threadID := ""
	if cp != nil {
		threadID = cp.ThreadID
	}
	return s.observe(ctx, "save", threadID, func(ctx context.Context) error {
		return s.inner.Save(ctx, cp)
	})
}

func (s *instrumented) Delete(ctx context.Context, threadID string) error {
	return s.observe(ctx, "delete", threadID, func(ctx context.Context) error {
		return s.inner.Delete(ctx, threadID)
	})
}

func (s *instrumented) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.observe(ctx, "prune", "", func(ctx context.Context) error {
		var err error
		n, err = s.inner.PruneBefore(ctx, cutoff)
		return err
	})
	return n, err
}

func (s *instrumented) GetActiveAgent(ctx context.Context, threadID string) (roster.ID, error) {
	agent := roster.Unknown
	err := s.observe(ctx, "get_active_agent", threadID, func(ctx context.Context) error {
		var err error
		agent, err = s.inner.GetActiveAgent(ctx, threadID)
		return err
	})
	return agent, err
}

func (s *instrumented) SetActiveAgent(ctx context.Context, threadID string, agent roster.ID) error {
	return s.observe(ctx, "set_active_agent", threadID, func(ctx context.Context) error {
		return s.inner.SetActiveAgent(ctx, threadID, agent)
	})
}

func (s *instrumented) Backend() string { return s.inner.Backend() }

func (s *instrumented) Close() error { return s.inner.Close() }
