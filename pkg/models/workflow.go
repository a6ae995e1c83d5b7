// Package models defines the core domain models for rule-based CRM automation
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// WorkflowState represents the lifecycle state of a workflow definition.
type WorkflowState string

const (
	WorkflowStateDraft    WorkflowState = "draft"    // Editable, never matched
	WorkflowStateActive   WorkflowState = "active"   // Eligible for matching
	WorkflowStateInactive WorkflowState = "inactive" // Paused, never matched
)

// TriggerType is the kind of change a workflow reacts to. Events carry the same
// value as their change kind.
type TriggerType string

const (
	TriggerRecordCreated TriggerType = "record_created"
	TriggerRecordUpdated TriggerType = "record_updated"
	TriggerFieldChanged  TriggerType = "field_changed"
	TriggerStageChanged  TriggerType = "stage_changed"
	TriggerScheduled     TriggerType = "scheduled"
	TriggerWebhook       TriggerType = "webhook"
)

// TriggerTypes lists every supported trigger type.
var TriggerTypes = []TriggerType{
	TriggerRecordCreated,
	TriggerRecordUpdated,
	TriggerFieldChanged,
	TriggerStageChanged,
	TriggerScheduled,
	TriggerWebhook,
}

// IsTriggerType reports whether t is one of TriggerTypes.
func IsTriggerType(t TriggerType) bool {
	for _, known := range TriggerTypes {
		if known == t {
			return true
		}
	}

	return false
}

// ActionType identifies the handler that executes an action.
type ActionType string

const (
	ActionSendEmail        ActionType = "send_email"
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateField      ActionType = "update_field"
	ActionAssignUser       ActionType = "assign_user"
	ActionCreateRecord     ActionType = "create_record"
	ActionSendNotification ActionType = "send_notification"
	ActionWebhook          ActionType = "webhook"
)

// Action is one step of a workflow's action pipeline. The position in
// WorkflowDefinition.Actions is authoritative; Order is advisory.
type Action struct {
	ID     string         `json:"id"     validate:"required"`
	Type   ActionType     `json:"type"   validate:"required"`
	Config map[string]any `json:"config"`
	Order  int            `json:"order"`
}

// WorkflowDefinition is a declarative automation rule: a trigger, a list of
// conditions and an ordered list of actions.
type WorkflowDefinition struct {
	ID                string        `json:"id"                          validate:"required"`
	Name              string        `json:"name"                        validate:"required,min=3"`
	Description       string        `json:"description"`
	TriggerType       TriggerType   `json:"trigger_type"                validate:"required,oneof=record_created record_updated field_changed stage_changed scheduled webhook"`
	TriggerModel      string        `json:"trigger_model,omitempty"`
	TriggerConditions []Condition   `json:"trigger_conditions"          validate:"dive"`
	TriggerSchedule   string        `json:"trigger_schedule,omitempty"`
	Actions           []Action      `json:"actions"                     validate:"dive"`
	State             WorkflowState `json:"state"                       validate:"required,oneof=draft active inactive"`
	ExecutionCount    int64         `json:"execution_count"`
	LastExecutedAt    *time.Time    `json:"last_executed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

var (
	// ErrInvalidWorkflow is returned when a definition fails validation.
	ErrInvalidWorkflow = errors.New("invalid workflow definition")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// IsActive reports whether the definition is eligible for matching.
func (w *WorkflowDefinition) IsActive() bool {
	return w.State == WorkflowStateActive
}

// Validate checks structural constraints of a definition. Unknown action types
// and unknown operators are accepted here; they fail at run time.
func (w *WorkflowDefinition) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	if w.TriggerSchedule != "" {
		if w.TriggerType != TriggerScheduled {
			return fmt.Errorf("%w: trigger_schedule is only valid for scheduled workflows", ErrInvalidWorkflow)
		}

		if _, err := ParseSchedule(w.TriggerSchedule); err != nil {
			return fmt.Errorf("%w: trigger_schedule: %w", ErrInvalidWorkflow, err)
		}
	}

	seen := make(map[string]struct{}, len(w.Actions))
	for _, action := range w.Actions {
		if _, ok := seen[action.ID]; ok {
			return fmt.Errorf("%w: duplicate action id %q", ErrInvalidWorkflow, action.ID)
		}

		seen[action.ID] = struct{}{}
	}

	return nil
}

// Clone returns a deep enough copy for snapshotting: slices and the timestamp
// pointer are copied, config maps are shared because they are never mutated.
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *w
	c.TriggerConditions = append([]Condition(nil), w.TriggerConditions...)
	c.Actions = append([]Action(nil), w.Actions...)

	if w.LastExecutedAt != nil {
		t := *w.LastExecutedAt
		c.LastExecutedAt = &t
	}

	return &c
}
