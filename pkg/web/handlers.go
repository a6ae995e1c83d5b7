package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/crmflow/automation/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	DefaultExecutionLimit = 50
	MaxExecutionLimit     = 500

	DeliveryIDHeader = "X-Delivery-Id"
	OccurredAtHeader = "X-Occurred-At"
)

type handlers struct {
	intake   Intake
	store    persistence.DefinitionStore
	ledger   persistence.Ledger
	actions  ActionTypes
	validate *validator.Validate
	logger   *slog.Logger
}

func (h *handlers) SubmitEvent(c fiber.Ctx) error {
	var event models.Event
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validate.Struct(event); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.intake.SubmitEvent(c.Context(), event); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(accepted(event.Model, event.RecordID, event.OccurredAt))
}

func (h *handlers) SubmitRecordChange(c fiber.Ctx) error {
	var change events.RecordChange
	if err := c.Bind().JSON(&change); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validate.Struct(change); err != nil {
		return badRequest(c, err.Error())
	}

	if change.Kind != "" && !models.IsTriggerType(change.Kind) {
		return badRequest(c, "unknown change kind "+string(change.Kind))
	}

	change.Metadata = originMetadata(c, change.Metadata)

	if err := h.intake.SubmitRecordChange(c.Context(), change); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(accepted(change.Model, change.RecordID, change.OccurredAt))
}

// originMetadata copies the run headers a record store forwards with changes
// made by the engine into the change metadata, without overriding the body.
func originMetadata(c fiber.Ctx, metadata map[string]any) map[string]any {
	headers := map[string]string{
		models.MetadataOriginWorkflow:  protocol.WorkflowIDHeader,
		models.MetadataOriginExecution: protocol.ExecutionIDHeader,
		models.MetadataCascadeDepth:    protocol.CascadeDepthHeader,
	}

	for key, header := range headers {
		value := c.Get(header)
		if value == "" {
			continue
		}

		if _, ok := metadata[key]; ok {
			continue
		}

		if metadata == nil {
			metadata = make(map[string]any, len(headers))
		}

		metadata[key] = value
	}

	return metadata
}

// SubmitWebhook accepts any JSON object as payload. Senders that retry should
// repeat the delivery id and occurred-at headers so redeliveries run once.
func (h *handlers) SubmitWebhook(c fiber.Ctx) error {
	hook := c.Params("hook")
	if hook == "" {
		return badRequest(c, "Webhook name is required")
	}

	payload := map[string]any{}
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "Webhook payload must be a JSON object")
		}
	}

	var occurredAt time.Time

	if raw := c.Get(OccurredAtHeader); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return badRequest(c, OccurredAtHeader+" must be an RFC 3339 timestamp")
		}

		occurredAt = parsed
	}

	event, err := h.intake.SubmitWebhook(c.Context(), hook, payload, c.Get(DeliveryIDHeader), occurredAt)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(accepted(event.Model, event.RecordID, event.OccurredAt))
}

// ListWorkflows returns all definitions, optionally filtered by state and
// trigger type.
func (h *handlers) ListWorkflows(c fiber.Ctx) error {
	workflows, err := h.store.List(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	state := models.WorkflowState(c.Query("state"))
	triggerType := models.TriggerType(c.Query("trigger_type"))

	filtered := make([]*models.WorkflowDefinition, 0, len(workflows))

	for _, w := range workflows {
		if state != "" && w.State != state {
			continue
		}

		if triggerType != "" && w.TriggerType != triggerType {
			continue
		}

		filtered = append(filtered, w)
	}

	return c.JSON(WorkflowListResponse{Workflows: filtered, TotalCount: len(filtered)})
}

func (h *handlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.store.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(workflow)
}

func (h *handlers) ListExecutions(c fiber.Ctx) error {
	id := c.Params("id")

	limit := DefaultExecutionLimit

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}

		limit = min(parsed, MaxExecutionLimit)
	}

	_, err := h.store.Get(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	records, err := h.ledger.ListByWorkflow(c.Context(), id, limit)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(ExecutionListResponse{WorkflowID: id, Executions: records, Limit: limit})
}

func (h *handlers) GetExecution(c fiber.Ctx) error {
	record, err := h.ledger.Get(c.Context(), c.Params("key"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(record)
}

func (h *handlers) Health(c fiber.Ctx) error {
	checkers := map[string]string{"definitions": "ok", "ledger": "ok"}
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.HealthCheck(c.Context()); err != nil {
		checkers["definitions"] = err.Error()
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if err := h.ledger.HealthCheck(c.Context()); err != nil {
		checkers["ledger"] = err.Error()
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if status != "healthy" {
		h.logger.WarnContext(c.Context(), "health check failed", "checkers", checkers)
	}

	var actions []string
	if h.actions != nil {
		actions = h.actions.Types()
	}

	return c.Status(httpStatus).JSON(HealthResponse{
		Status:    status,
		Checkers:  checkers,
		Actions:   actions,
		Timestamp: time.Now().UTC(),
	})
}
