// Package scheduler emits scheduled ticks into the engine on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/metrics"
	"github.com/crmflow/automation/pkg/models"
	"github.com/robfig/cron/v3"
)

const DefaultSpec = "@every 1m"

var ErrAlreadyStarted = errors.New("scheduler already started")

// Submitter accepts scheduled events.
type Submitter interface {
	Submit(ctx context.Context, event models.Event) error
}

// Scheduler submits a tick event on every activation of its cron spec. Ticks
// within the same minute share an idempotency key, so replicas running their
// own scheduler do not double-run scheduled workflows. Missed ticks are not
// backfilled.
type Scheduler struct {
	logger    *slog.Logger
	submitter Submitter
	metrics   *metrics.Metrics
	spec      string
	now       func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Scheduler)

func WithSpec(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(logger *slog.Logger, submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:    logger.With("module", "scheduler"),
		submitter: submitter,
		spec:      DefaultSpec,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Validate checks the cron spec without starting anything.
func Validate(spec string) error {
	_, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	s.ctx, s.cancel = context.WithCancel(ctx)

	_, err := c.AddFunc(s.spec, func() { s.tick(s.ctx) })
	if err != nil {
		s.cancel()

		return fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}

	c.Start()
	s.cron = c

	s.logger.InfoContext(ctx, "scheduler started", "schedule", s.spec)

	return nil
}

// Stop halts the schedule and waits for a running tick to finish or ctx to
// end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	stopped := c.Stop()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		cancel()

		return ctx.Err()
	}

	cancel()
	s.logger.InfoContext(ctx, "scheduler stopped")

	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	event := events.Tick(s.now())
	s.metrics.SchedulerTick()

	err := s.submitter.Submit(ctx, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to submit scheduled tick", "tick_at", event.OccurredAt, "error", err)

		return
	}

	s.logger.DebugContext(ctx, "scheduled tick submitted", "tick_at", event.OccurredAt)
}
