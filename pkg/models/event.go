package models

import "time"

// EventSource tells where an event entered the engine.
type EventSource string

const (
	EventSourceRecordStore EventSource = "record_store"
	EventSourceScheduler   EventSource = "scheduler"
	EventSourceWebhook     EventSource = "webhook"
	EventSourceBus         EventSource = "bus"
)

// Event is a normalized business event. It is never persisted; execution
// records keep only its EventRef.
type Event struct {
	Model         string         `json:"model"                    validate:"required"`
	RecordID      string         `json:"record_id"                validate:"required"`
	ChangeKind    TriggerType    `json:"change_kind"              validate:"required,oneof=record_created record_updated field_changed stage_changed scheduled webhook"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Source        EventSource    `json:"source,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Metadata keys carried by changes the engine made itself. The record store
// echoes them from the request headers of a run's writes.
const (
	MetadataOriginWorkflow  = "origin_workflow_id"
	MetadataOriginExecution = "origin_execution_id"
	MetadataCascadeDepth    = "cascade_depth"
)

// EventRef identifies the event that caused an execution.
type EventRef struct {
	Model      string    `json:"model"`
	RecordID   string    `json:"record_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Ref returns the event's reference.
func (e *Event) Ref() EventRef {
	return EventRef{
		Model:      e.Model,
		RecordID:   e.RecordID,
		OccurredAt: e.OccurredAt.UTC(),
	}
}

// OriginWorkflowID returns the workflow whose run caused the event, or "" for
// changes made outside the engine.
func (e *Event) OriginWorkflowID() string {
	id, _ := e.Metadata[MetadataOriginWorkflow].(string)

	return id
}

// CascadeDepth returns how many chained runs led to the event. External
// changes have depth zero.
func (e *Event) CascadeDepth() int {
	depth, ok := ToFloat(e.Metadata[MetadataCascadeDepth])
	if !ok || depth < 0 {
		return 0
	}

	return int(depth)
}

// HasChanged reports whether field is one of the event's changed fields.
func (e *Event) HasChanged(field string) bool {
	for _, f := range e.ChangedFields {
		if f == field {
			return true
		}
	}

	return false
}

// Data is the view of the event exposed to templates and expressions.
func (e *Event) Data() map[string]any {
	return map[string]any{
		"model":          e.Model,
		"record_id":      e.RecordID,
		"change_kind":    string(e.ChangeKind),
		"before":         e.Before,
		"after":          e.After,
		"changed_fields": e.ChangedFields,
		"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"metadata":       e.Metadata,
	}
}

// Validate checks the required event fields.
func (e *Event) Validate() error {
	return validate.Struct(e)
}
