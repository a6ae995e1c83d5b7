package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crmflow/automation/pkg/eventbus"
	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/models"
)

var ErrUnexpectedMessage = errors.New("unexpected message type")

// Submitter accepts normalized events.
type Submitter interface {
	Submit(ctx context.Context, event models.Event) error
}

// Engine is the intake surface of the automation engine: it normalizes
// record changes, webhooks and bus messages into events for the dispatcher.
type Engine struct {
	logger     *slog.Logger
	dispatcher Submitter
	now        func() time.Time
}

func NewEngine(logger *slog.Logger, dispatcher Submitter) *Engine {
	return &Engine{
		logger:     logger.With("module", "engine"),
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// SubmitEvent hands an already normalized event to the dispatcher.
func (e *Engine) SubmitEvent(ctx context.Context, event models.Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}

	return e.dispatcher.Submit(ctx, event)
}

// SubmitRecordChange normalizes a record-store change and submits every
// resulting event.
func (e *Engine) SubmitRecordChange(ctx context.Context, change events.RecordChange) error {
	return e.submitChange(ctx, change, models.EventSourceRecordStore)
}

func (e *Engine) submitChange(ctx context.Context, change events.RecordChange, source models.EventSource) error {
	if change.OccurredAt.IsZero() {
		change.OccurredAt = e.now()
	}

	for _, event := range events.Normalize(change) {
		event.Source = source

		err := e.dispatcher.Submit(ctx, event)
		if err != nil {
			return err
		}
	}

	return nil
}

// SubmitWebhook turns an inbound webhook payload into a webhook event.
// Redeliveries are deduplicated when they carry the same delivery id and
// occurredAt; a zero occurredAt means now.
func (e *Engine) SubmitWebhook(ctx context.Context, hook string, payload map[string]any, deliveryID string, occurredAt time.Time) (models.Event, error) {
	if occurredAt.IsZero() {
		occurredAt = e.now()
	}

	event := events.Webhook(hook, payload, deliveryID, occurredAt)

	return event, e.dispatcher.Submit(ctx, event)
}

// HandleRecordChanged is the event bus handler for record.changed messages.
func (e *Engine) HandleRecordChanged(ctx context.Context, message any) error {
	changed, ok := message.(*events.RecordChanged)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, message)
	}

	e.logger.DebugContext(ctx, "record change received from bus",
		"message_id", changed.ID,
		"model", changed.Change.Model,
		"record_id", changed.Change.RecordID)

	return e.submitChange(ctx, changed.Change, models.EventSourceBus)
}

// Listen registers the engine's bus handlers and starts consuming.
func (e *Engine) Listen(ctx context.Context, bus eventbus.EventSubscriber) error {
	err := bus.Handle(events.RecordChangedEvent, e.HandleRecordChanged)
	if err != nil {
		return fmt.Errorf("registering record change handler: %w", err)
	}

	return bus.Subscribe(ctx)
}
