package events

import (
	"reflect"
	"sort"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/google/uuid"
)

// StageField is the record field whose change produces a stage_changed event.
const StageField = "stage"

// ScheduleModel and TickRecordID identify scheduler tick events.
const (
	ScheduleModel = "schedule"
	TickRecordID  = "tick"
)

// RecordChange is what the record-store reports for a create or update.
type RecordChange struct {
	Model      string             `json:"model"                validate:"required"`
	RecordID   string             `json:"record_id"            validate:"required"`
	Kind       models.TriggerType `json:"kind,omitempty"`
	Before     map[string]any     `json:"before,omitempty"`
	After      map[string]any     `json:"after,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// Normalize turns a record change into engine events. A create yields one
// record_created event. An update yields record_updated, plus field_changed
// when any field differs and stage_changed when the stage differs. Any other
// explicit kind is passed through as a single event.
func Normalize(change RecordChange) []models.Event {
	occurredAt := change.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	occurredAt = occurredAt.UTC()

	newEvent := func(kind models.TriggerType, changed []string) models.Event {
		return models.Event{
			Model:         change.Model,
			RecordID:      change.RecordID,
			ChangeKind:    kind,
			Before:        change.Before,
			After:         change.After,
			ChangedFields: changed,
			OccurredAt:    occurredAt,
			Source:        models.EventSourceRecordStore,
			Metadata:      change.Metadata,
		}
	}

	kind := change.Kind
	if kind == "" {
		kind = models.TriggerRecordUpdated
		if change.Before == nil {
			kind = models.TriggerRecordCreated
		}
	}

	switch kind {
	case models.TriggerRecordCreated:
		return []models.Event{newEvent(models.TriggerRecordCreated, nil)}
	case models.TriggerRecordUpdated:
		changed := ChangedFields(change.Before, change.After)
		result := []models.Event{newEvent(models.TriggerRecordUpdated, changed)}

		if len(changed) > 0 {
			result = append(result, newEvent(models.TriggerFieldChanged, changed))
		}

		if contains(changed, StageField) {
			result = append(result, newEvent(models.TriggerStageChanged, changed))
		}

		return result
	default:
		var changed []string
		if change.Before != nil {
			changed = ChangedFields(change.Before, change.After)
		}

		return []models.Event{newEvent(kind, changed)}
	}
}

// ChangedFields lists, sorted, the top-level keys whose values differ between
// the two snapshots, including keys present in only one of them.
func ChangedFields(before, after map[string]any) []string {
	changed := make([]string, 0)

	for key, a := range after {
		b, ok := before[key]
		if !ok || !reflect.DeepEqual(a, b) {
			changed = append(changed, key)
		}
	}

	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}

	sort.Strings(changed)

	return changed
}

// Tick builds the scheduled event for the minute containing at. Ticks within
// one minute share an idempotency key.
func Tick(at time.Time) models.Event {
	minute := at.UTC().Truncate(time.Minute)

	return models.Event{
		Model:      ScheduleModel,
		RecordID:   TickRecordID,
		ChangeKind: models.TriggerScheduled,
		After:      map[string]any{"tick_at": minute.Format(time.RFC3339)},
		OccurredAt: minute,
		Source:     models.EventSourceScheduler,
	}
}

// Webhook builds the event for an inbound webhook call on hook. An empty
// deliveryID gets a fresh UUID, so undelivered retries without an id are not
// deduplicated.
func Webhook(hook string, payload map[string]any, deliveryID string, at time.Time) models.Event {
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	if at.IsZero() {
		at = time.Now()
	}

	return models.Event{
		Model:      hook,
		RecordID:   deliveryID,
		ChangeKind: models.TriggerWebhook,
		After:      payload,
		OccurredAt: at.UTC(),
		Source:     models.EventSourceWebhook,
	}
}

func contains(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}

	return false
}
