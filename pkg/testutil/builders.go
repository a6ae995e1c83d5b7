// Package testutil provides test data builders and shared conformance suites.
package testutil

import (
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/google/uuid"
)

// CreateTestWorkflow creates an active record_created workflow with a single
// send_notification action; overrides are applied in order.
func CreateTestWorkflow(overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	now := time.Now().UTC()
	workflow := &models.WorkflowDefinition{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "Workflow used in tests",
		TriggerType: models.TriggerRecordCreated,
		Actions: []models.Action{
			{
				ID:     "notify",
				Type:   models.ActionSendNotification,
				Config: map[string]any{"user_id": "u-1", "message": "hello"},
			},
		},
		State:     models.WorkflowStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithID sets the workflow id.
func WithID(id string) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.ID = id
	}
}

// WithTrigger sets the trigger type and model filter.
func WithTrigger(triggerType models.TriggerType, model string) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.TriggerType = triggerType
		w.TriggerModel = model
	}
}

// WithConditions replaces the trigger conditions.
func WithConditions(conditions ...models.Condition) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.TriggerConditions = conditions
	}
}

// WithActions replaces the action list.
func WithActions(actions ...models.Action) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Actions = actions
	}
}

// WithState sets the workflow state.
func WithState(state models.WorkflowState) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.State = state
	}
}

// CreateTestEvent creates a record_created event for a lead.
func CreateTestEvent(overrides ...func(*models.Event)) models.Event {
	event := models.Event{
		Model:      "lead",
		RecordID:   uuid.New().String(),
		ChangeKind: models.TriggerRecordCreated,
		After:      map[string]any{"name": "Jane Doe", "email": "jane@example.com", "stage": "new"},
		OccurredAt: time.Now().UTC(),
		Source:     models.EventSourceRecordStore,
	}

	for _, override := range overrides {
		override(&event)
	}

	return event
}

// WithRecord sets the event's model and record id.
func WithRecord(model, recordID string) func(*models.Event) {
	return func(e *models.Event) {
		e.Model = model
		e.RecordID = recordID
	}
}

// CreateTestExecution creates a running execution record for a workflow.
func CreateTestExecution(workflowID string, startedAt time.Time) *models.ExecutionRecord {
	ref := models.EventRef{Model: "lead", RecordID: uuid.New().String(), OccurredAt: startedAt.UTC()}

	return &models.ExecutionRecord{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		IdempotencyKey: models.IdempotencyKey(workflowID, ref),
		EventRef:       ref,
		ChangeKind:     models.TriggerRecordCreated,
		Status:         models.ExecutionRunning,
		Attempt:        1,
		StartedAt:      startedAt.UTC(),
	}
}
