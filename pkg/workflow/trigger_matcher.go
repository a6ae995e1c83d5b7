package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/crmflow/automation/pkg/models"
)

// MatchError reports a definition that could not be evaluated, such as one
// with an unknown condition operator. The definition does not match.
type MatchError struct {
	WorkflowID string
	Err        error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("workflow %s: %v", e.WorkflowID, e.Err)
}

func (e *MatchError) Unwrap() error {
	return e.Err
}

// Match returns the definitions triggered by event, sorted by id. It is pure:
// the result depends only on its inputs, not on their order.
func Match(event models.Event, workflows []*models.WorkflowDefinition) []*models.WorkflowDefinition {
	matched, _ := match(event, workflows)

	return matched
}

func match(event models.Event, workflows []*models.WorkflowDefinition) ([]*models.WorkflowDefinition, []*MatchError) {
	var (
		matched []*models.WorkflowDefinition
		errs    []*MatchError
	)

	for _, workflow := range workflows {
		if workflow == nil {
			continue
		}

		ok, err := matches(event, workflow)
		if err != nil {
			errs = append(errs, &MatchError{WorkflowID: workflow.ID, Err: err})

			continue
		}

		if ok {
			matched = append(matched, workflow)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ID < matched[j].ID
	})

	return matched, errs
}

func matches(event models.Event, workflow *models.WorkflowDefinition) (bool, error) {
	if !workflow.IsActive() || workflow.TriggerType != event.ChangeKind {
		return false, nil
	}

	if workflow.TriggerModel != "" && workflow.TriggerModel != event.Model {
		return false, nil
	}

	switch workflow.TriggerType {
	case models.TriggerFieldChanged:
		if !watchedFieldChanged(event, workflow.TriggerConditions) {
			return false, nil
		}
	case models.TriggerScheduled:
		if !models.IsDue(workflow.TriggerSchedule, event.OccurredAt) {
			return false, nil
		}
	}

	for _, condition := range workflow.TriggerConditions {
		ok, err := condition.Evaluate(event.After)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// watchedFieldChanged reports whether any condition field, or the top-level
// field of a dotted path, is among the changed fields. Without conditions
// every change counts.
func watchedFieldChanged(event models.Event, conditions []models.Condition) bool {
	if len(conditions) == 0 {
		return len(event.ChangedFields) > 0
	}

	for _, condition := range conditions {
		root, _, _ := strings.Cut(condition.Field, ".")
		if event.HasChanged(condition.Field) || event.HasChanged(root) {
			return true
		}
	}

	return false
}

// TriggerMatcher wraps Match with logging of matches and configuration errors.
type TriggerMatcher struct {
	logger *slog.Logger
}

func NewTriggerMatcher(logger *slog.Logger) *TriggerMatcher {
	return &TriggerMatcher{
		logger: logger.With("module", "trigger_matcher"),
	}
}

func (tm *TriggerMatcher) Match(ctx context.Context, event models.Event, workflows []*models.WorkflowDefinition) []*models.WorkflowDefinition {
	matched, errs := match(event, workflows)

	for _, err := range errs {
		tm.logger.WarnContext(ctx, "workflow condition is invalid, not matching",
			"workflow_id", err.WorkflowID,
			"error", err.Err)
	}

	tm.logger.DebugContext(ctx, "completed trigger matching",
		"model", event.Model,
		"record_id", event.RecordID,
		"change_kind", event.ChangeKind,
		"candidates", len(workflows),
		"matches_found", len(matched))

	return matched
}
