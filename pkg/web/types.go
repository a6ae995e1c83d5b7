package web

import (
	"time"

	"github.com/crmflow/automation/pkg/models"
)

// AcceptedResponse acknowledges an event handed to the engine. Runs happen
// asynchronously; their outcome is visible through the execution endpoints.
type AcceptedResponse struct {
	Status     string    `json:"status"`
	Model      string    `json:"model"`
	RecordID   string    `json:"record_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func accepted(model, recordID string, occurredAt time.Time) AcceptedResponse {
	return AcceptedResponse{Status: "accepted", Model: model, RecordID: recordID, OccurredAt: occurredAt}
}

type WorkflowListResponse struct {
	Workflows  []*models.WorkflowDefinition `json:"workflows"`
	TotalCount int                          `json:"total_count"`
}

type ExecutionListResponse struct {
	WorkflowID string                    `json:"workflow_id"`
	Executions []*models.ExecutionRecord `json:"executions"`
	Limit      int                       `json:"limit"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Checkers  map[string]string `json:"checkers"`
	Actions   []string          `json:"actions"`
	Timestamp time.Time         `json:"timestamp"`
}
