package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunLedgerSuite exercises the persistence.Ledger contract against a fresh
// ledger returned by newLedger for every subtest.
func RunLedgerSuite(t *testing.T, newLedger func(t *testing.T) persistence.Ledger) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("acquire stores new record", func(t *testing.T) {
		ledger := newLedger(t)
		record := CreateTestExecution("wf-1", base)

		stored, acquired, err := ledger.Acquire(ctx, record)
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, record.ID, stored.ID)

		got, err := ledger.Get(ctx, record.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionRunning, got.Status)
		assert.Equal(t, record.EventRef.RecordID, got.EventRef.RecordID)
	})

	t.Run("acquire returns existing record", func(t *testing.T) {
		ledger := newLedger(t)
		first := CreateTestExecution("wf-1", base)
		_, _, err := ledger.Acquire(ctx, first)
		require.NoError(t, err)

		second := first.Clone()
		second.ID = "another-id"

		existing, acquired, err := ledger.Acquire(ctx, second)
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, first.ID, existing.ID)
	})

	t.Run("concurrent acquire has one winner", func(t *testing.T) {
		ledger := newLedger(t)
		record := CreateTestExecution("wf-1", base)

		var winners atomic.Int32
		var wg sync.WaitGroup

		for range 8 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, acquired, err := ledger.Acquire(ctx, record.Clone())
				assert.NoError(t, err)

				if acquired {
					winners.Add(1)
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("put replaces record", func(t *testing.T) {
		ledger := newLedger(t)
		record := CreateTestExecution("wf-1", base)
		_, _, err := ledger.Acquire(ctx, record)
		require.NoError(t, err)

		finished := base.Add(time.Second)
		record.Status = models.ExecutionPartialFailure
		record.FinishedAt = &finished
		record.Steps = []models.StepResult{
			{ActionID: "a1", ActionType: models.ActionWebhook, Status: models.StepSuccess, Output: map[string]any{"status": float64(200)}},
			{ActionID: "a2", ActionType: models.ActionSendEmail, Status: models.StepFailed, Error: "boom"},
		}
		require.NoError(t, ledger.Put(ctx, record))

		got, err := ledger.Get(ctx, record.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionPartialFailure, got.Status)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, "boom", got.Steps[1].Error)
		assert.Equal(t, float64(200), got.Steps[0].Output["status"])
		require.NotNil(t, got.FinishedAt)
		assert.True(t, finished.Equal(*got.FinishedAt))
	})

	t.Run("put rejects record without key", func(t *testing.T) {
		ledger := newLedger(t)
		record := CreateTestExecution("wf-1", base)
		record.IdempotencyKey = ""

		err := ledger.Put(ctx, record)
		require.Error(t, err)
		assert.ErrorIs(t, err, persistence.ErrInvalidExecution)
	})

	t.Run("get missing key", func(t *testing.T) {
		ledger := newLedger(t)

		_, err := ledger.Get(ctx, "missing")
		require.Error(t, err)
		assert.True(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("reclaim running record", func(t *testing.T) {
		ledger := newLedger(t)
		record := CreateTestExecution("wf-1", base)
		_, _, err := ledger.Acquire(ctx, record)
		require.NoError(t, err)

		retry := record.Clone()
		retry.Attempt = 2
		retry.StartedAt = base.Add(time.Hour)

		ok, err := ledger.Reclaim(ctx, retry, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		again := retry.Clone()
		again.Attempt = 2

		ok, err = ledger.Reclaim(ctx, again, 1)
		require.NoError(t, err)
		assert.False(t, ok, "stale attempt must lose")

		got, err := ledger.Get(ctx, record.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempt)
	})

	t.Run("reclaim terminal record fails", func(t *testing.T) {
		ledger := newLedger(t)
		record := CreateTestExecution("wf-1", base)
		_, _, err := ledger.Acquire(ctx, record)
		require.NoError(t, err)

		record.Status = models.ExecutionSuccess
		require.NoError(t, ledger.Put(ctx, record))

		retry := record.Clone()
		retry.Status = models.ExecutionRunning
		retry.Attempt = 2

		ok, err := ledger.Reclaim(ctx, retry, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list by workflow newest first", func(t *testing.T) {
		ledger := newLedger(t)

		for i := range 3 {
			_, _, err := ledger.Acquire(ctx, CreateTestExecution("wf-1", base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}

		_, _, err := ledger.Acquire(ctx, CreateTestExecution("wf-2", base))
		require.NoError(t, err)

		records, err := ledger.ListByWorkflow(ctx, "wf-1", 0)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.True(t, records[0].StartedAt.After(records[1].StartedAt))
		assert.True(t, records[1].StartedAt.After(records[2].StartedAt))

		limited, err := ledger.ListByWorkflow(ctx, "wf-1", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		none, err := ledger.ListByWorkflow(ctx, "wf-3", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, newLedger(t).HealthCheck(ctx))
	})
}

// RunDefinitionStoreSuite exercises the persistence.DefinitionStore contract.
func RunDefinitionStoreSuite(t *testing.T, newStore func(t *testing.T) persistence.DefinitionStore) {
	t.Helper()

	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		store := newStore(t)
		workflow := CreateTestWorkflow(WithID("wf-1"), WithConditions(
			models.Condition{Field: "stage", Operator: models.OperatorEquals, Value: "won"},
		))
		require.NoError(t, store.Save(ctx, workflow))

		got, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.Name, got.Name)
		require.Len(t, got.TriggerConditions, 1)
		assert.Equal(t, "won", got.TriggerConditions[0].Value)
		require.Len(t, got.Actions, 1)
		assert.Equal(t, models.ActionSendNotification, got.Actions[0].Type)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := newStore(t).Get(ctx, "missing")
		require.Error(t, err)
		assert.True(t, persistence.IsWorkflowNotFound(err))
	})

	t.Run("list active filters", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("any-model"))))
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("lead-only"), WithTrigger(models.TriggerRecordCreated, "lead"))))
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("deal-only"), WithTrigger(models.TriggerRecordCreated, "deal"))))
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("updates"), WithTrigger(models.TriggerRecordUpdated, ""))))
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("draft"), WithState(models.WorkflowStateDraft))))
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("inactive"), WithState(models.WorkflowStateInactive))))

		active, err := store.ListActive(ctx, models.TriggerRecordCreated, "lead")
		require.NoError(t, err)

		ids := make([]string, 0, len(active))
		for _, w := range active {
			ids = append(ids, w.ID)
		}

		assert.ElementsMatch(t, []string{"any-model", "lead-only"}, ids)

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 6)
	})

	t.Run("increment execution count", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("wf-1"))))

		later := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
		earlier := later.Add(-time.Hour)

		require.NoError(t, store.IncrementExecutionCount(ctx, "wf-1", later))
		require.NoError(t, store.IncrementExecutionCount(ctx, "wf-1", earlier))

		got, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.ExecutionCount)
		require.NotNil(t, got.LastExecutedAt)
		assert.True(t, later.Equal(*got.LastExecutedAt), "last_executed_at must not move backwards")
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, CreateTestWorkflow(WithID("wf-1"))))

		var wg sync.WaitGroup

		for i := range 10 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				assert.NoError(t, store.IncrementExecutionCount(ctx, "wf-1", time.Now().Add(time.Duration(i)*time.Second)))
			}()
		}

		wg.Wait()

		got, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.ExecutionCount)
	})

	t.Run("increment missing workflow", func(t *testing.T) {
		err := newStore(t).IncrementExecutionCount(ctx, "missing", time.Now())
		require.Error(t, err)
		assert.True(t, persistence.IsWorkflowNotFound(err))
	})
}
