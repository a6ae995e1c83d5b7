package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	ExecutionRunning        ExecutionStatus = "running"
	ExecutionSuccess        ExecutionStatus = "success"
	ExecutionPartialFailure ExecutionStatus = "partial_failure"
	ExecutionFailed         ExecutionStatus = "failed"
)

// IsTerminal reports whether the run has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionPartialFailure || s == ExecutionFailed
}

// StepStatus is the outcome of one action.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one action in a run.
type StepResult struct {
	ActionID   string         `json:"action_id"`
	ActionType ActionType     `json:"action_type"`
	Status     StepStatus     `json:"status"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ExecutionRecord is the auditable history of one workflow run for one event.
// Exactly one record exists per idempotency key.
type ExecutionRecord struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	WorkflowName   string          `json:"workflow_name,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventRef       EventRef        `json:"event_ref"`
	ChangeKind     TriggerType     `json:"change_kind,omitempty"`
	Status         ExecutionStatus `json:"status"`
	Steps          []StepResult    `json:"steps"`
	Error          string          `json:"error,omitempty"`
	Attempt        int             `json:"attempt"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// IdempotencyKey derives the key identifying a (workflow, event) pair.
func IdempotencyKey(workflowID string, ref EventRef) string {
	sum := sha256.Sum256([]byte(workflowID + "|" + ref.Model + "|" + ref.RecordID + "|" +
		ref.OccurredAt.UTC().Format(time.RFC3339Nano)))

	return hex.EncodeToString(sum[:])
}

// DeriveStatus computes the run status from step outcomes: no steps or all
// successful is success, a mix with at least one success is partial_failure,
// anything else is failed.
func DeriveStatus(steps []StepResult) ExecutionStatus {
	if len(steps) == 0 {
		return ExecutionSuccess
	}

	succeeded := 0
	for _, step := range steps {
		if step.Status == StepSuccess {
			succeeded++
		}
	}

	switch succeeded {
	case len(steps):
		return ExecutionSuccess
	case 0:
		return ExecutionFailed
	default:
		return ExecutionPartialFailure
	}
}

// LeaseExpired reports whether a running record has outlived its lease and
// may be reclaimed.
func (r *ExecutionRecord) LeaseExpired(now time.Time, lease time.Duration) bool {
	return r.Status == ExecutionRunning && !now.Before(r.StartedAt.Add(lease))
}

// Clone returns a copy that shares no slices with the original.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	c := *r
	c.Steps = append([]StepResult(nil), r.Steps...)

	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}

	return &c
}
