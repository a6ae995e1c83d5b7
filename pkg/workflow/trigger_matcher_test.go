package workflow

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(workflows []*models.WorkflowDefinition) []string {
	out := make([]string, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, w.ID)
	}

	return out
}

func TestMatch_TriggerTypeModelAndState(t *testing.T) {
	event := testutil.CreateTestEvent(testutil.WithRecord("lead", "lead-1"))

	workflows := []*models.WorkflowDefinition{
		testutil.CreateTestWorkflow(testutil.WithID("any-model")),
		testutil.CreateTestWorkflow(testutil.WithID("lead-only"), testutil.WithTrigger(models.TriggerRecordCreated, "lead")),
		testutil.CreateTestWorkflow(testutil.WithID("deal-only"), testutil.WithTrigger(models.TriggerRecordCreated, "deal")),
		testutil.CreateTestWorkflow(testutil.WithID("updated"), testutil.WithTrigger(models.TriggerRecordUpdated, "")),
		testutil.CreateTestWorkflow(testutil.WithID("draft"), testutil.WithState(models.WorkflowStateDraft)),
		testutil.CreateTestWorkflow(testutil.WithID("inactive"), testutil.WithState(models.WorkflowStateInactive)),
		nil,
	}

	assert.Equal(t, []string{"any-model", "lead-only"}, ids(Match(event, workflows)))
}

func TestMatch_ConditionsAreConjunction(t *testing.T) {
	event := testutil.CreateTestEvent(func(e *models.Event) {
		e.After = map[string]any{"status": "qualified", "score": 80, "owner": map[string]any{"email": "o@example.com"}}
	})

	tests := []struct {
		name       string
		conditions []models.Condition
		want       bool
	}{
		{"no conditions", nil, true},
		{"single true", []models.Condition{{Field: "status", Operator: models.OperatorEquals, Value: "qualified"}}, true},
		{"all true", []models.Condition{
			{Field: "status", Operator: models.OperatorEquals, Value: "qualified"},
			{Field: "score", Operator: models.OperatorGreater, Value: 50},
			{Field: "owner.email", Operator: models.OperatorContains, Value: "EXAMPLE"},
		}, true},
		{"one false", []models.Condition{
			{Field: "status", Operator: models.OperatorEquals, Value: "qualified"},
			{Field: "score", Operator: models.OperatorLess, Value: 50},
		}, false},
		{"unknown operator", []models.Condition{{Field: "status", Operator: "matches", Value: "q"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workflow := testutil.CreateTestWorkflow(testutil.WithConditions(tt.conditions...))

			assert.Equal(t, tt.want, len(Match(event, []*models.WorkflowDefinition{workflow})) == 1)
		})
	}
}

func TestMatch_FieldChanged(t *testing.T) {
	event := testutil.CreateTestEvent(func(e *models.Event) {
		e.ChangeKind = models.TriggerFieldChanged
		e.Before = map[string]any{"status": "new", "owner": map[string]any{"email": "a@example.com"}}
		e.After = map[string]any{"status": "new", "owner": map[string]any{"email": "b@example.com"}}
		e.ChangedFields = []string{"owner"}
	})

	watchStatus := testutil.CreateTestWorkflow(
		testutil.WithID("watch-status"),
		testutil.WithTrigger(models.TriggerFieldChanged, ""),
		testutil.WithConditions(models.Condition{Field: "status", Operator: models.OperatorIsNotEmpty}),
	)
	watchOwner := testutil.CreateTestWorkflow(
		testutil.WithID("watch-owner"),
		testutil.WithTrigger(models.TriggerFieldChanged, ""),
		testutil.WithConditions(models.Condition{Field: "owner.email", Operator: models.OperatorIsNotEmpty}),
	)
	anyChange := testutil.CreateTestWorkflow(
		testutil.WithID("any-change"),
		testutil.WithTrigger(models.TriggerFieldChanged, ""),
	)

	matched := Match(event, []*models.WorkflowDefinition{watchStatus, watchOwner, anyChange})
	assert.Equal(t, []string{"any-change", "watch-owner"}, ids(matched))

	event.ChangedFields = nil
	assert.Empty(t, Match(event, []*models.WorkflowDefinition{anyChange}))
}

func TestMatch_Scheduled(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC) // a Monday
	event := testutil.CreateTestEvent(func(e *models.Event) {
		e.Model = "schedule"
		e.RecordID = "tick"
		e.ChangeKind = models.TriggerScheduled
		e.After = nil
		e.OccurredAt = at
	})

	scheduled := func(id, schedule string) *models.WorkflowDefinition {
		return testutil.CreateTestWorkflow(
			testutil.WithID(id),
			testutil.WithTrigger(models.TriggerScheduled, ""),
			func(w *models.WorkflowDefinition) { w.TriggerSchedule = schedule },
		)
	}

	workflows := []*models.WorkflowDefinition{
		scheduled("every-tick", ""),
		scheduled("weekday-nine", "0 9 * * 1-5"),
		scheduled("hourly-half", "30 * * * *"),
		scheduled("broken", "not a cron"),
		scheduled("every-five", "@every 5m"),
		scheduled("every-two-hours", "@every 2h"),
	}

	assert.Equal(t, []string{"every-five", "every-tick", "weekday-nine"}, ids(Match(event, workflows)))
}

func TestMatch_OrderIndependent(t *testing.T) {
	event := testutil.CreateTestEvent()

	var workflows []*models.WorkflowDefinition
	for _, id := range []string{"d", "a", "c", "b", "e"} {
		workflows = append(workflows, testutil.CreateTestWorkflow(testutil.WithID(id)))
	}

	expected := ids(Match(event, workflows))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, expected)

	for range 20 {
		shuffled := append([]*models.WorkflowDefinition(nil), workflows...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		assert.Equal(t, expected, ids(Match(event, shuffled)))
	}
}

func TestMatch_DoesNotModifyInput(t *testing.T) {
	event := testutil.CreateTestEvent()
	workflows := []*models.WorkflowDefinition{
		testutil.CreateTestWorkflow(testutil.WithID("b")),
		testutil.CreateTestWorkflow(testutil.WithID("a")),
	}

	_ = Match(event, workflows)

	assert.Equal(t, []string{"b", "a"}, ids(workflows))
}

func TestTriggerMatcher_ReportsInvalidConditions(t *testing.T) {
	matcher := NewTriggerMatcher(slog.New(slog.DiscardHandler))
	event := testutil.CreateTestEvent()

	broken := testutil.CreateTestWorkflow(
		testutil.WithID("broken"),
		testutil.WithConditions(models.Condition{Field: "name", Operator: "regex", Value: ".*"}),
	)
	fine := testutil.CreateTestWorkflow(testutil.WithID("fine"))

	matched := matcher.Match(context.Background(), event, []*models.WorkflowDefinition{broken, fine})
	assert.Equal(t, []string{"fine"}, ids(matched))

	_, errs := match(event, []*models.WorkflowDefinition{broken})
	require.Len(t, errs, 1)
	assert.Equal(t, "broken", errs[0].WorkflowID)
	assert.ErrorIs(t, errs[0], models.ErrUnknownOperator)
}
