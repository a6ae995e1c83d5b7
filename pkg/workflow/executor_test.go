package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/metrics"
	"github.com/crmflow/automation/pkg/mocks"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence/memory"
	"github.com/crmflow/automation/pkg/protocol"
	"github.com/crmflow/automation/pkg/registry"
	"github.com/crmflow/automation/pkg/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}

	return total
}

func TestExecutor_RunsActionsInOrder(t *testing.T) {
	f := newFixture(t)
	publisher := &capturePublisher{}
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger, WithPublisher(publisher))

	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(
		action("first", "ok"),
		action("second", "ok"),
		action("third", "ok"),
	)))
	event := testutil.CreateTestEvent()

	record, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionSuccess, record.Status)
	assert.Equal(t, []string{"first", "second", "third"}, f.calls.get())
	require.Len(t, record.Steps, 3)

	for _, step := range record.Steps {
		assert.Equal(t, models.StepSuccess, step.Status)
	}

	assert.Equal(t, 1, record.Attempt)
	assert.Equal(t, workflow.Name, record.WorkflowName)
	assert.Equal(t, event.Ref(), record.EventRef)
	assert.Equal(t, models.IdempotencyKey(workflow.ID, event.Ref()), record.IdempotencyKey)
	require.NotNil(t, record.FinishedAt)

	stored, err := f.ledger.Get(context.Background(), record.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, stored.Status)

	saved, err := f.store.Get(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.ExecutionCount)
	require.NotNil(t, saved.LastExecutedAt)
	assert.True(t, saved.LastExecutedAt.Equal(record.StartedAt))

	published := publisher.published()
	require.Len(t, published, 1)

	completed, ok := published[0].(events.ExecutionCompleted)
	require.True(t, ok)
	assert.Equal(t, record.ID, completed.ExecutionID)
	assert.Equal(t, models.ExecutionSuccess, completed.Status)
	assert.Equal(t, 3, completed.StepCount)
	assert.Zero(t, completed.FailedSteps)
}

func TestExecutor_NoActionsIsSuccess(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)

	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions()))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, record.Status)
	assert.Empty(t, record.Steps)
}

func TestExecutor_FailureDoesNotStopLaterActions(t *testing.T) {
	f := newFixture(t)
	f.register(t, "fail", func(context.Context, map[string]any, models.Event) (map[string]any, error) {
		return nil, errors.New("smtp unavailable")
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(
		action("a", "ok"),
		action("b", "fail"),
		action("c", "ok"),
	)))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionPartialFailure, record.Status)
	assert.Equal(t, []string{"a", "b", "c"}, f.calls.get())
	assert.Equal(t, models.StepSuccess, record.Steps[0].Status)
	assert.Equal(t, models.StepFailed, record.Steps[1].Status)
	assert.Equal(t, "smtp unavailable", record.Steps[1].Error)
	assert.Equal(t, models.StepSuccess, record.Steps[2].Status)
	assert.False(t, record.Steps[2].StartedAt.Before(record.Steps[1].FinishedAt))
}

func TestExecutor_AllFailedIsFailed(t *testing.T) {
	f := newFixture(t)
	f.register(t, "fail", func(context.Context, map[string]any, models.Event) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "fail"), action("b", "fail"))))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, record.Status)
}

func TestExecutor_ConfigurationErrorsFailTheStep(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&funcHandler{
		actionType: "strict",
		schema: map[string]any{
			"type":     "object",
			"required": []any{"message"},
		},
		fn: func(context.Context, map[string]any, models.Event) (map[string]any, error) {
			return nil, nil
		},
	}))

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(
		action("unknown", "teleport"),
		action("invalid", "strict"),
		models.Action{ID: "bad-template", Type: "ok", Config: map[string]any{"x": "{{ .after.name "}},
		action("fine", "ok"),
	)))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionPartialFailure, record.Status)
	assert.Contains(t, record.Steps[0].Error, "unknown action type")
	assert.Contains(t, record.Steps[1].Error, registry.ErrInvalidConfig.Error())
	assert.Contains(t, record.Steps[2].Error, "rendering config")
	assert.Equal(t, models.StepSuccess, record.Steps[3].Status)
	assert.Equal(t, []string{"fine"}, f.calls.get())
}

func TestExecutor_RendersConfigAndPassesRunInfo(t *testing.T) {
	f := newFixture(t)

	var (
		gotConfig map[string]any
		gotInfo   protocol.RunInfo
	)

	f.register(t, "capture", func(ctx context.Context, config map[string]any, _ models.Event) (map[string]any, error) {
		gotConfig = config
		gotInfo = protocol.RunInfoFrom(ctx)

		return nil, nil
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(models.Action{
		ID:     "greet",
		Type:   "capture",
		Config: map[string]any{"message": "Hello {{ .after.name }} ({{ .record_id }})"},
	})))
	event := testutil.CreateTestEvent(testutil.WithRecord("lead", "lead-9"))

	record, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)

	assert.Equal(t, "Hello Jane Doe (lead-9)", gotConfig["message"])
	assert.Equal(t, workflow.ID, gotInfo.WorkflowID)
	assert.Equal(t, record.ID, gotInfo.ExecutionID)
	assert.Equal(t, "greet", gotInfo.ActionID)
	assert.Equal(t, 1, gotInfo.CascadeDepth)
	assert.Equal(t, "Hello {{ .after.name }} ({{ .record_id }})", workflow.Actions[0].Config["message"])
}

func TestExecutor_RunInfoCarriesNextCascadeDepth(t *testing.T) {
	f := newFixture(t)

	var gotDepth int

	f.register(t, "capture", func(ctx context.Context, _ map[string]any, _ models.Event) (map[string]any, error) {
		gotDepth = protocol.RunInfoFrom(ctx).CascadeDepth

		return nil, nil
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("capture", "capture"))))
	event := testutil.CreateTestEvent(func(e *models.Event) {
		e.Metadata = map[string]any{models.MetadataOriginWorkflow: "wf-upstream", models.MetadataCascadeDepth: "2"}
	})

	_, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)

	assert.Equal(t, 3, gotDepth)
}

func TestExecutor_ActionTimeout(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f.register(t, "stuck", func(context.Context, map[string]any, models.Event) (map[string]any, error) {
		<-release

		return nil, nil
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger,
		WithActionTimeout(20*time.Millisecond),
		WithMaxRunDuration(5*time.Second))
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("stuck", "stuck"), action("next", "ok"))))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionPartialFailure, record.Status)
	assert.Equal(t, models.StepFailed, record.Steps[0].Status)
	assert.Contains(t, record.Steps[0].Error, ErrActionTimeout.Error())
	assert.Equal(t, models.StepSuccess, record.Steps[1].Status)
}

func TestExecutor_ActionPanic(t *testing.T) {
	f := newFixture(t)
	f.register(t, "panics", func(context.Context, map[string]any, models.Event) (map[string]any, error) {
		panic("nil map write")
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("p", "panics"), action("next", "ok"))))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)

	assert.Equal(t, models.StepFailed, record.Steps[0].Status)
	assert.Contains(t, record.Steps[0].Error, "action panicked: nil map write")
	assert.Equal(t, models.StepSuccess, record.Steps[1].Status)
}

func TestExecutor_MaxRunDurationSkipsRemainingActions(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slow", func(ctx context.Context, _ map[string]any, _ models.Event) (map[string]any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger,
		WithActionTimeout(time.Second),
		WithMaxRunDuration(30*time.Millisecond))
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(
		action("slow", "slow"),
		action("after-1", "ok"),
		action("after-2", "ok"),
	)))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.Equal(t, models.StepFailed, record.Steps[0].Status)
	assert.Equal(t, models.StepSkipped, record.Steps[1].Status)
	assert.Equal(t, models.StepSkipped, record.Steps[2].Status)
	assert.Equal(t, "max run duration exceeded", record.Error)
	assert.Equal(t, []string{"slow"}, f.calls.get())
}

func TestExecutor_CancelledContextSkipsActionsButRecordsRun(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"), action("b", "ok"))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := executor.Execute(ctx, workflow, testutil.CreateTestEvent())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.Contains(t, record.Error, "cancelled")
	assert.Empty(t, f.calls.get())

	stored, err := f.ledger.Get(context.Background(), record.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
}

func TestExecutor_Idempotent(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger, WithMetrics(m))
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"))))
	event := testutil.CreateTestEvent()

	first, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)

	second, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"a"}, f.calls.get())

	saved, err := f.store.Get(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.ExecutionCount)
	assert.InDelta(t, 1.0, counterValue(t, m.Registry(), "crmflow_executions_deduplicated_total"), 0)
}

func TestExecutor_ConcurrentDuplicatesRunOnce(t *testing.T) {
	f := newFixture(t)

	var runs atomic.Int32

	f.register(t, "count", func(context.Context, map[string]any, models.Event) (map[string]any, error) {
		runs.Add(1)
		time.Sleep(10 * time.Millisecond)

		return nil, nil
	})

	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("c", "count"))))
	event := testutil.CreateTestEvent()

	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := executor.Execute(context.Background(), workflow, event)
			if err != nil {
				assert.ErrorIs(t, err, ErrRunInProgress)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())

	saved, err := f.store.Get(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.ExecutionCount)
}

func TestExecutor_DistinctEventsIncrementCounter(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"))))

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	saved, err := f.store.Get(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), saved.ExecutionCount)

	records, err := f.ledger.ListByWorkflow(context.Background(), workflow.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestExecutor_LiveRunInProgress(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"))))
	event := testutil.CreateTestEvent()

	running := &models.ExecutionRecord{
		ID:             "other-replica",
		WorkflowID:     workflow.ID,
		IdempotencyKey: models.IdempotencyKey(workflow.ID, event.Ref()),
		EventRef:       event.Ref(),
		Status:         models.ExecutionRunning,
		Attempt:        1,
		StartedAt:      time.Now().UTC(),
	}
	_, acquired, err := f.ledger.Acquire(context.Background(), running)
	require.NoError(t, err)
	require.True(t, acquired)

	record, err := executor.Execute(context.Background(), workflow, event)
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, "other-replica", record.ID)
	assert.Empty(t, f.calls.get())
}

func TestExecutor_ReclaimsExpiredLease(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger, WithMaxRunDuration(time.Minute))
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"))))
	event := testutil.CreateTestEvent()

	stale := &models.ExecutionRecord{
		ID:             "crashed-run",
		WorkflowID:     workflow.ID,
		IdempotencyKey: models.IdempotencyKey(workflow.ID, event.Ref()),
		EventRef:       event.Ref(),
		Status:         models.ExecutionRunning,
		Attempt:        1,
		StartedAt:      time.Now().UTC().Add(-time.Hour),
	}
	_, _, err := f.ledger.Acquire(context.Background(), stale)
	require.NoError(t, err)

	record, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)

	assert.Equal(t, "crashed-run", record.ID)
	assert.Equal(t, 2, record.Attempt)
	assert.Equal(t, models.ExecutionSuccess, record.Status)
	assert.Equal(t, []string{"a"}, f.calls.get())
}

func TestExecutor_LeaseOutlastsRunGuard(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger, WithMaxRunDuration(time.Minute))
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"))))
	event := testutil.CreateTestEvent()

	assert.Equal(t, time.Minute+completionTimeout+leaseMargin, executor.Lease(workflow))

	finishing := &models.ExecutionRecord{
		ID:             "still-recording",
		WorkflowID:     workflow.ID,
		IdempotencyKey: models.IdempotencyKey(workflow.ID, event.Ref()),
		EventRef:       event.Ref(),
		Status:         models.ExecutionRunning,
		Attempt:        1,
		StartedAt:      time.Now().UTC().Add(-time.Minute - time.Second),
	}
	_, _, err := f.ledger.Acquire(context.Background(), finishing)
	require.NoError(t, err)

	record, err := executor.Execute(context.Background(), workflow, event)
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, "still-recording", record.ID)
	assert.Empty(t, f.calls.get())
}

// slowLedger delays final writes like a loaded database.
type slowLedger struct {
	*memory.Ledger
	delay time.Duration
}

func (l *slowLedger) Put(ctx context.Context, record *models.ExecutionRecord) error {
	time.Sleep(l.delay)

	return l.Ledger.Put(ctx, record)
}

func TestExecutor_ReplicaDoesNotReclaimRunBeingRecorded(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f.register(t, "stuck", func(context.Context, map[string]any, models.Event) (map[string]any, error) {
		<-release

		return nil, nil
	})

	ledger := &slowLedger{Ledger: f.ledger, delay: 100 * time.Millisecond}
	replicaA := NewExecutor(discardLogger(), f.registry, f.store, ledger, WithActionTimeout(100*time.Millisecond))
	replicaB := NewExecutor(discardLogger(), f.registry, f.store, ledger, WithActionTimeout(100*time.Millisecond))
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("stuck", "stuck"))))
	event := testutil.CreateTestEvent()

	done := make(chan *models.ExecutionRecord, 1)

	go func() {
		record, err := replicaA.Execute(context.Background(), workflow, event)
		assert.NoError(t, err)
		done <- record
	}()

	time.Sleep(150 * time.Millisecond)

	_, err := replicaB.Execute(context.Background(), workflow, event)
	require.ErrorIs(t, err, ErrRunInProgress)

	record := <-done
	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.Equal(t, []string{"stuck"}, f.calls.get())

	stored, err := f.store.Get(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ExecutionCount)
}

func TestExecutor_LedgerErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	ledger := &mocks.MockLedger{}
	ledger.On("Acquire", mock.Anything, mock.Anything).Return(nil, false, errors.New("connection refused"))

	executor := NewExecutor(discardLogger(), f.registry, f.store, ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow())

	_, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, f.calls.get())
}

func TestExecutor_CounterErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)

	// never saved, so the counter update fails
	workflow := testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok")))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.Error(t, err)
	require.NotNil(t, record)

	stored, getErr := f.ledger.Get(context.Background(), record.IdempotencyKey)
	require.NoError(t, getErr)
	assert.Equal(t, models.ExecutionSuccess, stored.Status)
}

func TestExecutor_CounterUpdateIsRetried(t *testing.T) {
	f := newFixture(t)
	store := &mocks.MockDefinitionStore{}
	store.On("IncrementExecutionCount", mock.Anything, "wf-retry", mock.Anything).
		Return(errors.New("connection reset")).Twice()
	store.On("IncrementExecutionCount", mock.Anything, "wf-retry", mock.Anything).
		Return(nil).Once()

	executor := NewExecutor(discardLogger(), f.registry, store, f.ledger)
	workflow := testutil.CreateTestWorkflow(testutil.WithID("wf-retry"), testutil.WithActions(action("a", "ok")))

	record, err := executor.Execute(context.Background(), workflow, testutil.CreateTestEvent())
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, record.Status)

	store.AssertNumberOfCalls(t, "IncrementExecutionCount", 3)
}

func TestExecutor_Abandon(t *testing.T) {
	f := newFixture(t)
	publisher := &capturePublisher{}
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger, WithPublisher(publisher))
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"), action("b", "ok"))))
	event := testutil.CreateTestEvent()

	record, err := executor.Abandon(context.Background(), workflow, event, ShutdownReason)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.Equal(t, ShutdownReason, record.Error)
	require.Len(t, record.Steps, 2)
	assert.Equal(t, models.StepSkipped, record.Steps[0].Status)
	assert.Empty(t, f.calls.get())
	assert.Len(t, publisher.published(), 1)

	// the event is now handled
	again, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, again.Status)
	assert.Empty(t, f.calls.get())
}

func TestExecutor_AbandonLeavesTerminalRecord(t *testing.T) {
	f := newFixture(t)
	executor := NewExecutor(discardLogger(), f.registry, f.store, f.ledger)
	workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithActions(action("a", "ok"))))
	event := testutil.CreateTestEvent()

	done, err := executor.Execute(context.Background(), workflow, event)
	require.NoError(t, err)

	record, err := executor.Abandon(context.Background(), workflow, event, "worker panic")
	require.NoError(t, err)
	assert.Equal(t, done.ID, record.ID)
	assert.Equal(t, models.ExecutionSuccess, record.Status)
}

func TestExecutor_MaxRunDurationDefault(t *testing.T) {
	executor := NewExecutor(discardLogger(), nil, nil, nil, WithActionTimeout(10*time.Second))

	assert.Equal(t, 10*time.Second, executor.MaxRunDuration(testutil.CreateTestWorkflow(testutil.WithActions())))
	assert.Equal(t, 30*time.Second, executor.MaxRunDuration(testutil.CreateTestWorkflow(testutil.WithActions(
		action("a", "ok"), action("b", "ok"), action("c", "ok"),
	))))
}

func TestKeyedMutex(t *testing.T) {
	locks := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		counter int
	)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock := locks.Lock("wf")
			counter++
			unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Zero(t, locks.size())
}
