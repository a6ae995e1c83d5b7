package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/metrics"
	"github.com/crmflow/automation/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (r *recordingSubmitter) Submit(_ context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return r.err
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestScheduler_TickSubmitsMinuteEvent(t *testing.T) {
	submitter := &recordingSubmitter{}
	m := metrics.New()
	s := New(discardLogger(), submitter, WithMetrics(m))
	s.now = func() time.Time { return time.Date(2026, 5, 4, 8, 15, 42, 0, time.UTC) }

	s.tick(context.Background())
	s.tick(context.Background())

	require.Len(t, submitter.events, 2)

	first := submitter.events[0]
	assert.Equal(t, models.TriggerScheduled, first.ChangeKind)
	assert.Equal(t, events.ScheduleModel, first.Model)
	assert.Equal(t, models.EventSourceScheduler, first.Source)
	assert.True(t, first.OccurredAt.Equal(time.Date(2026, 5, 4, 8, 15, 0, 0, time.UTC)))
	assert.Equal(t, first.Ref(), submitter.events[1].Ref())

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	ticks := 0.0
	for _, family := range families {
		if family.GetName() == "crmflow_scheduler_ticks_total" {
			ticks = family.GetMetric()[0].GetCounter().GetValue()
		}
	}

	assert.InDelta(t, 2.0, ticks, 0)
}

func TestScheduler_TickSubmitErrorIsLogged(t *testing.T) {
	submitter := &recordingSubmitter{err: errors.New("dispatcher closed")}
	s := New(discardLogger(), submitter)

	assert.NotPanics(t, func() { s.tick(context.Background()) })
	assert.Equal(t, 1, submitter.count())
}

func TestScheduler_StartAndStop(t *testing.T) {
	submitter := &recordingSubmitter{}
	s := New(discardLogger(), submitter, WithSpec("@every 1s"))

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	assert.Eventually(t, func() bool { return submitter.count() > 0 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := New(discardLogger(), &recordingSubmitter{}, WithSpec("every minute"))

	require.Error(t, s.Start(context.Background()))
	require.Error(t, Validate("61 * * * *"))
	require.NoError(t, Validate(DefaultSpec))
	require.NoError(t, Validate("*/5 9-17 * * 1-5"))
}
