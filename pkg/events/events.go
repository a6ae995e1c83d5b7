// Package events defines the messages exchanged on the event bus and the
// adapter that normalizes record-store changes, scheduler ticks and webhook
// calls into models.Event.
package events

import (
	"time"

	"github.com/crmflow/automation/pkg/models"
)

type EventType string

// Topics.
const (
	RecordChangesTopic = "crmflow.record-changes" // Record-store change notifications consumed by the engine
	ExecutionsTopic    = "crmflow.executions"     // Execution results published by the engine
	OutboxTopic        = "crmflow.outbox"         // Email and notification requests for external senders
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RecordChangedEvent         EventType = "record.changed"
	ExecutionCompletedEvent    EventType = "execution.completed"
	EmailRequestedEvent        EventType = "email.requested"
	NotificationRequestedEvent EventType = "notification.requested"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case RecordChangedEvent:
		return RecordChangesTopic
	case ExecutionCompletedEvent:
		return ExecutionsTopic
	default:
		return OutboxTopic
	}
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent fills the common fields.
func NewBaseEvent(id string, eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         id,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

// RecordChanged carries a record-store change over the bus.
type RecordChanged struct {
	BaseEvent

	Change RecordChange `json:"change"`
}

func (r RecordChanged) GetType() EventType {
	return RecordChangedEvent
}

// ExecutionCompleted announces the terminal state of a workflow run.
type ExecutionCompleted struct {
	BaseEvent

	ExecutionID    string                 `json:"execution_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Status         models.ExecutionStatus `json:"status"`
	EventRef       models.EventRef        `json:"event_ref"`
	Attempt        int                    `json:"attempt"`
	StepCount      int                    `json:"step_count"`
	FailedSteps    int                    `json:"failed_steps"`
	Error          string                 `json:"error,omitempty"`
	Duration       time.Duration          `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// EmailRequested asks the external email sender to deliver a message.
type EmailRequested struct {
	BaseEvent

	To       []string        `json:"to"`
	Cc       []string        `json:"cc,omitempty"`
	Subject  string          `json:"subject"`
	Body     string          `json:"body"`
	EventRef models.EventRef `json:"event_ref"`
}

func (e EmailRequested) GetType() EventType {
	return EmailRequestedEvent
}

// NotificationRequested asks the notification service to alert a user or channel.
type NotificationRequested struct {
	BaseEvent

	UserID   string          `json:"user_id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Message  string          `json:"message"`
	Level    string          `json:"level"`
	EventRef models.EventRef `json:"event_ref"`
}

func (n NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}
