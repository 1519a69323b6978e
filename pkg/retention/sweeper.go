// Package retention prunes conversations nobody has touched for a while.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/store"
)

const (
	DefaultMaxAge   = 30 * 24 * time.Hour
	DefaultSchedule = "@daily"
	sweepTimeout    = 5 * time.Minute
)

// Options configures a Sweeper.
type Options struct {
	Store    store.CheckpointStore
	MaxAge   time.Duration
	Schedule string
	Logger   *zerolog.Logger
}

// Sweeper deletes checkpoints last updated more than MaxAge ago, on a cron
// schedule.
type Sweeper struct {
	store    store.CheckpointStore
	maxAge   time.Duration
	schedule cron.Schedule
	spec     string
	logger   zerolog.Logger
	now      func() time.Time

	cron    *cron.Cron
	running bool
	mu      sync.Mutex
}

// NewSweeper validates the schedule and builds a stopped sweeper.
func NewSweeper(opts Options) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.Schedule, err)
	}

	observability.EnsureRegistered()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Sweeper{
		store:    opts.Store,
		maxAge:   opts.MaxAge,
		schedule: schedule,
		spec:     opts.Schedule,
		logger:   logger.With().Str("component", "retention").Logger(),
		now:      time.Now,
	}, nil
}

// Start schedules sweeps. The first sweep happens at the next scheduled time.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("retention sweeper is already running")
	}

	s.cron = cron.New()
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.SweepNow(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	}))
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.spec).
		Dur("max_age", s.maxAge).
		Msg("Retention sweeper started")
	return nil
}

// Stop unschedules sweeps and waits for a running one to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("retention sweeper is not running")
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	s.logger.Info().Msg("Retention sweeper stopped")
	return nil
}

// IsRunning returns whether sweeps are scheduled.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// MaxAge returns the retention window.
func (s *Sweeper) MaxAge() time.Duration {
	return s.maxAge
}

// Next returns when the next sweep is due after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// SweepNow prunes stale checkpoints immediately and returns how many were
// removed.
func (s *Sweeper) SweepNow(ctx context.Context) (removed int, err error) {
	cutoff := s.now().Add(-s.maxAge)

	ctx, span := tracing.StartSpan(ctx, "banca.retention", "retention.sweep",
		attribute.String("cutoff", cutoff.Format(time.RFC3339)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	removed, err = s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}

	observability.RecordRetentionPruned(removed)
	if removed > 0 {
		s.logger.Info().
			Int("removed", removed).
			Time("cutoff", cutoff).
			Msg("Pruned stale conversations")
	} else {
		s.logger.Debug().Time("cutoff", cutoff).Msg("No stale conversations")
	}
	return removed, nil
}
