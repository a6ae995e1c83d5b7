package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/crmflow/automation/pkg/channels/gochannel"
	"github.com/crmflow/automation/pkg/eventbus"
	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/mocks"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (s *recordingSubmitter) Submit(_ context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	return s.err
}

func (s *recordingSubmitter) submitted() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Event(nil), s.events...)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestEngine_SubmitRecordChange_Create(t *testing.T) {
	submitter := &recordingSubmitter{}
	engine := NewEngine(discardLogger(), submitter)

	err := engine.SubmitRecordChange(context.Background(), events.RecordChange{
		Model:      "lead",
		RecordID:   "lead-1",
		After:      map[string]any{"name": "Jane"},
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	submitted := submitter.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, models.TriggerRecordCreated, submitted[0].ChangeKind)
	assert.Equal(t, models.EventSourceRecordStore, submitted[0].Source)
}

func TestEngine_SubmitRecordChange_StageUpdate(t *testing.T) {
	submitter := &recordingSubmitter{}
	engine := NewEngine(discardLogger(), submitter)
	engine.now = fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	err := engine.SubmitRecordChange(context.Background(), events.RecordChange{
		Model:    "deal",
		RecordID: "deal-7",
		Before:   map[string]any{"stage": "proposal", "amount": 100},
		After:    map[string]any{"stage": "won", "amount": 100},
	})
	require.NoError(t, err)

	submitted := submitter.submitted()
	require.Len(t, submitted, 3)

	kinds := []models.TriggerType{submitted[0].ChangeKind, submitted[1].ChangeKind, submitted[2].ChangeKind}
	assert.Equal(t, []models.TriggerType{
		models.TriggerRecordUpdated,
		models.TriggerFieldChanged,
		models.TriggerStageChanged,
	}, kinds)

	for _, event := range submitted {
		assert.Equal(t, []string{"stage"}, event.ChangedFields)
		assert.True(t, event.OccurredAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	}
}

func TestEngine_SubmitRecordChange_StopsOnSubmitError(t *testing.T) {
	submitter := &recordingSubmitter{err: ErrDispatcherClosed}
	engine := NewEngine(discardLogger(), submitter)

	err := engine.SubmitRecordChange(context.Background(), events.RecordChange{
		Model:    "deal",
		RecordID: "deal-7",
		Before:   map[string]any{"stage": "proposal"},
		After:    map[string]any{"stage": "won"},
	})
	require.ErrorIs(t, err, ErrDispatcherClosed)
	assert.Len(t, submitter.submitted(), 1)
}

func TestEngine_SubmitEvent_DefaultsOccurredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	submitter := &recordingSubmitter{}
	engine := NewEngine(discardLogger(), submitter)
	engine.now = fixedClock(now)

	event := testutil.CreateTestEvent()
	event.OccurredAt = time.Time{}

	require.NoError(t, engine.SubmitEvent(context.Background(), event))
	assert.True(t, submitter.submitted()[0].OccurredAt.Equal(now))
}

func TestEngine_SubmitWebhook(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	submitter := &recordingSubmitter{}
	engine := NewEngine(discardLogger(), submitter)
	engine.now = fixedClock(now)

	payload := map[string]any{"form": "contact", "email": "a@example.com"}
	occurredAt := now.Add(-time.Minute)

	first, err := engine.SubmitWebhook(context.Background(), "web-form", payload, "dlv-1", occurredAt)
	require.NoError(t, err)

	second, err := engine.SubmitWebhook(context.Background(), "web-form", payload, "dlv-1", occurredAt)
	require.NoError(t, err)

	assert.Equal(t, "web-form", first.Model)
	assert.Equal(t, "dlv-1", first.RecordID)
	assert.Equal(t, models.TriggerWebhook, first.ChangeKind)
	assert.Equal(t, models.EventSourceWebhook, first.Source)
	assert.Equal(t, first.Ref(), second.Ref())

	undated, err := engine.SubmitWebhook(context.Background(), "web-form", payload, "dlv-2", time.Time{})
	require.NoError(t, err)
	assert.True(t, undated.OccurredAt.Equal(now))

	assert.Len(t, submitter.submitted(), 3)
}

func TestEngine_HandleRecordChanged(t *testing.T) {
	submitter := &recordingSubmitter{}
	engine := NewEngine(discardLogger(), submitter)

	err := engine.HandleRecordChanged(context.Background(), "not a record change")
	require.ErrorIs(t, err, ErrUnexpectedMessage)

	err = engine.HandleRecordChanged(context.Background(), &events.RecordChanged{
		BaseEvent: events.NewBaseEvent("msg-1", events.RecordChangedEvent, ""),
		Change: events.RecordChange{
			Model:      "contact",
			RecordID:   "c-1",
			After:      map[string]any{"email": "x@example.com"},
			OccurredAt: time.Now(),
		},
	})
	require.NoError(t, err)

	submitted := submitter.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, models.EventSourceBus, submitted[0].Source)
	assert.Equal(t, "contact", submitted[0].Model)
}

func TestEngine_Listen(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Handle", events.RecordChangedEvent, mock.Anything).Return(nil)
	bus.On("Subscribe", mock.Anything).Return(nil)

	engine := NewEngine(discardLogger(), &recordingSubmitter{})

	require.NoError(t, engine.Listen(context.Background(), bus))
	bus.AssertExpectations(t)
}

func TestEngine_ListenHandleError(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Handle", events.RecordChangedEvent, mock.Anything).Return(errors.New("already registered"))

	engine := NewEngine(discardLogger(), &recordingSubmitter{})

	err := engine.Listen(context.Background(), bus)
	require.Error(t, err)
	bus.AssertNotCalled(t, "Subscribe", mock.Anything)
}

func TestEngine_RecordChangeFromBusRunsWorkflow(t *testing.T) {
	f := newFixture(t)
	f.save(t, testutil.CreateTestWorkflow(
		testutil.WithID("welcome"),
		testutil.WithTrigger(models.TriggerRecordCreated, "contact"),
		testutil.WithActions(action("welcome", "ok")),
	))

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(discardLogger(), pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger, WithPublisher(bus))
	dispatcher := NewDispatcher(discardLogger(), f.store, executor)
	dispatcher.Start(context.Background())
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := make(chan *events.ExecutionCompleted, 1)
	require.NoError(t, bus.Handle(events.ExecutionCompletedEvent, func(_ context.Context, message any) error {
		if e, ok := message.(*events.ExecutionCompleted); ok {
			completed <- e
		}

		return nil
	}))

	engine := NewEngine(discardLogger(), dispatcher)
	require.NoError(t, engine.Listen(ctx, bus))

	err = bus.Publish(ctx, "c-1", events.RecordChanged{
		BaseEvent: events.NewBaseEvent(bus.GenerateID(), events.RecordChangedEvent, ""),
		Change: events.RecordChange{
			Model:      "contact",
			RecordID:   "c-1",
			After:      map[string]any{"email": "x@example.com"},
			OccurredAt: time.Now(),
		},
	})
	require.NoError(t, err)

	select {
	case result := <-completed:
		assert.Equal(t, "welcome", result.WorkflowID)
		assert.Equal(t, models.ExecutionSuccess, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("execution was not completed")
	}

	assert.Equal(t, []string{"welcome"}, f.calls.get())
}
