package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/crmflow/automation/pkg/eventbus"
	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/metrics"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/otelhelper"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/crmflow/automation/pkg/protocol"
	"github.com/crmflow/automation/pkg/registry"
	"github.com/crmflow/automation/pkg/template"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultActionTimeout = 30 * time.Second

	// completionTimeout bounds the final ledger and counter writes, which run
	// even when the run context has been cancelled.
	completionTimeout = 10 * time.Second

	// leaseMargin is added on top of the run guard and the completion writes
	// before another replica may reclaim a running record.
	leaseMargin = 5 * time.Second

	incrementRetries       = 3
	incrementRetryInterval = 50 * time.Millisecond
)

var (
	// ErrRunInProgress is returned when another live run holds the event's key.
	ErrRunInProgress = errors.New("workflow run already in progress")
	ErrActionTimeout = errors.New("action timed out")
	ErrActionPanic   = errors.New("action panicked")
)

// HandlerRegistry resolves and validates action handlers.
type HandlerRegistry interface {
	Get(actionType string) (protocol.ActionHandler, bool)
	Validate(actionType string, config map[string]any) error
}

// Executor runs a matched workflow's actions for one event and records the
// outcome in the ledger exactly once per idempotency key.
type Executor struct {
	logger    *slog.Logger
	registry  HandlerRegistry
	store     persistence.DefinitionStore
	ledger    persistence.Ledger
	publisher eventbus.EventPublisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	actionTimeout  time.Duration
	maxRunDuration time.Duration

	now   func() time.Time
	newID func() string

	inflight singleflight.Group
	counters *keyedMutex
}

type ExecutorOption func(*Executor)

// WithPublisher makes the executor announce finished runs on the bus.
func WithPublisher(publisher eventbus.EventPublisher) ExecutorOption {
	return func(e *Executor) { e.publisher = publisher }
}

func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

// WithActionTimeout sets the per-action timeout. Non-positive values keep the default.
func WithActionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithMaxRunDuration overrides the run guard, which defaults to the action
// timeout times the number of actions.
func WithMaxRunDuration(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.maxRunDuration = d }
}

func NewExecutor(
	logger *slog.Logger,
	handlers HandlerRegistry,
	store persistence.DefinitionStore,
	ledger persistence.Ledger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		logger:        logger.With("module", "workflow_executor"),
		registry:      handlers,
		store:         store,
		ledger:        ledger,
		tracer:        otelhelper.NoopTracer(),
		actionTimeout: DefaultActionTimeout,
		now:           time.Now,
		newID:         uuid.NewString,
		counters:      newKeyedMutex(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// MaxRunDuration returns the run guard for a workflow.
func (e *Executor) MaxRunDuration(workflow *models.WorkflowDefinition) time.Duration {
	if e.maxRunDuration > 0 {
		return e.maxRunDuration
	}

	return e.actionTimeout * time.Duration(max(1, len(workflow.Actions)))
}

// Lease returns how long a running record is owned by its run. It outlasts
// the run guard and the completion writes, so a live run that is still
// recording its result is never reclaimed.
func (e *Executor) Lease(workflow *models.WorkflowDefinition) time.Duration {
	return e.MaxRunDuration(workflow) + completionTimeout + leaseMargin
}

// Execute runs workflow for event unless the event was already handled.
//
// A terminal record for the key is returned unchanged with no side effects.
// A running record whose lease has expired is reclaimed and run again; one
// with a live lease is returned together with ErrRunInProgress. The returned
// error is reserved for infrastructure failures: action failures are recorded
// in the steps.
func (e *Executor) Execute(ctx context.Context, workflow *models.WorkflowDefinition, event models.Event) (*models.ExecutionRecord, error) {
	key := models.IdempotencyKey(workflow.ID, event.Ref())

	result, err, _ := e.inflight.Do(key, func() (any, error) {
		return e.execute(ctx, workflow, event, key)
	})

	record, _ := result.(*models.ExecutionRecord)
	if record != nil {
		record = record.Clone()
	}

	return record, err
}

func (e *Executor) execute(ctx context.Context, workflow *models.WorkflowDefinition, event models.Event, key string) (*models.ExecutionRecord, error) {
	logger := e.logger.With(
		"workflow_id", workflow.ID,
		"idempotency_key", key,
		"model", event.Model,
		"record_id", event.RecordID,
	)

	record := e.newRecord(workflow, event, key)

	existing, acquired, err := e.ledger.Acquire(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("acquiring execution %s: %w", key, err)
	}

	if !acquired {
		if existing.Status.IsTerminal() {
			e.metrics.Deduplicated()
			logger.DebugContext(ctx, "event already handled", "execution_id", existing.ID, "status", existing.Status)

			return existing, nil
		}

		if !existing.LeaseExpired(record.StartedAt, e.Lease(workflow)) {
			return existing, ErrRunInProgress
		}

		reclaimed := existing.Clone()
		reclaimed.Attempt = existing.Attempt + 1
		reclaimed.StartedAt = record.StartedAt
		reclaimed.Steps = nil
		reclaimed.Error = ""
		reclaimed.FinishedAt = nil

		ok, err := e.ledger.Reclaim(ctx, reclaimed, existing.Attempt)
		if err != nil {
			return nil, fmt.Errorf("reclaiming execution %s: %w", key, err)
		}

		if !ok {
			return existing, ErrRunInProgress
		}

		logger.WarnContext(ctx, "reclaimed stale execution", "execution_id", reclaimed.ID, "attempt", reclaimed.Attempt)

		record = reclaimed
	}

	return e.run(ctx, logger, workflow, event, record)
}

func (e *Executor) newRecord(workflow *models.WorkflowDefinition, event models.Event, key string) *models.ExecutionRecord {
	return &models.ExecutionRecord{
		ID:             e.newID(),
		WorkflowID:     workflow.ID,
		WorkflowName:   workflow.Name,
		IdempotencyKey: key,
		EventRef:       event.Ref(),
		ChangeKind:     event.ChangeKind,
		Status:         models.ExecutionRunning,
		Attempt:        1,
		StartedAt:      e.now().UTC(),
	}
}

func (e *Executor) run(
	ctx context.Context,
	logger *slog.Logger,
	workflow *models.WorkflowDefinition,
	event models.Event,
	record *models.ExecutionRecord,
) (*models.ExecutionRecord, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.WorkflowNameKey, workflow.Name),
		attribute.String(otelhelper.TriggerTypeKey, string(workflow.TriggerType)),
		attribute.String(otelhelper.ExecutionIDKey, record.ID),
		attribute.String(otelhelper.IdempotencyKeyKey, record.IdempotencyKey),
		attribute.Int(otelhelper.AttemptKey, record.Attempt),
		attribute.String(otelhelper.EventModelKey, event.Model),
		attribute.String(otelhelper.EventRecordIDKey, event.RecordID),
	)
	defer span.End()

	e.metrics.RunStarted()
	defer e.metrics.RunDone()

	logger = logger.With("execution_id", record.ID, "attempt", record.Attempt)
	logger.InfoContext(ctx, "starting workflow run", "actions", len(workflow.Actions))

	runCtx, cancel := context.WithTimeout(ctx, e.MaxRunDuration(workflow))
	defer cancel()

	steps := make([]models.StepResult, 0, len(workflow.Actions))

	for i, action := range workflow.Actions {
		if runCtx.Err() != nil {
			reason := interruption(ctx)
			for _, rest := range workflow.Actions[i:] {
				steps = append(steps, e.skippedStep(rest, reason))
			}

			record.Error = reason
			logger.WarnContext(ctx, "workflow run interrupted", "reason", reason, "skipped", len(workflow.Actions)-i)

			break
		}

		steps = append(steps, e.runStep(runCtx, logger, record, action, event))
	}

	record.Steps = steps
	record.Status = models.DeriveStatus(steps)
	finished := e.now().UTC()
	record.FinishedAt = &finished

	span.SetAttributes(attribute.String(otelhelper.StatusKey, string(record.Status)))

	err := e.complete(ctx, workflow, record)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "failed to record workflow run", "error", err)

		return record, err
	}

	logger.InfoContext(ctx, "workflow run finished",
		"status", record.Status,
		"duration", finished.Sub(record.StartedAt))

	return record, nil
}

// interruption describes why a run stopped early.
func interruption(parent context.Context) string {
	if parent.Err() != nil {
		return "cancelled: " + parent.Err().Error()
	}

	return "max run duration exceeded"
}

func (e *Executor) skippedStep(action models.Action, reason string) models.StepResult {
	now := e.now().UTC()

	return models.StepResult{
		ActionID:   action.ID,
		ActionType: action.Type,
		Status:     models.StepSkipped,
		Error:      reason,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (e *Executor) runStep(
	ctx context.Context,
	logger *slog.Logger,
	record *models.ExecutionRecord,
	action models.Action,
	event models.Event,
) models.StepResult {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
		attribute.String(otelhelper.ActionIDKey, action.ID),
		attribute.String(otelhelper.ActionTypeKey, string(action.Type)),
	)
	defer span.End()

	result := models.StepResult{
		ActionID:   action.ID,
		ActionType: action.Type,
		StartedAt:  e.now().UTC(),
	}

	output, err := e.invoke(ctx, record, action, event)
	result.FinishedAt = e.now().UTC()
	result.Output = output

	if err != nil {
		result.Status = models.StepFailed
		result.Error = err.Error()

		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "action failed", "action_id", action.ID, "action_type", action.Type, "error", err)
	} else {
		result.Status = models.StepSuccess

		logger.DebugContext(ctx, "action succeeded", "action_id", action.ID, "action_type", action.Type)
	}

	span.SetAttributes(attribute.String(otelhelper.StatusKey, string(result.Status)))
	e.metrics.StepFinished(string(action.Type), string(result.Status), result.FinishedAt.Sub(result.StartedAt))

	return result
}

type outcome struct {
	output map[string]any
	err    error
}

// invoke runs one action under the action timeout. The handler runs in its
// own goroutine so that a handler ignoring its context cannot hold the run;
// panics are turned into errors.
func (e *Executor) invoke(
	ctx context.Context,
	record *models.ExecutionRecord,
	action models.Action,
	event models.Event,
) (map[string]any, error) {
	actionType := string(action.Type)

	handler, ok := e.registry.Get(actionType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownActionType, actionType)
	}

	err := e.registry.Validate(actionType, action.Config)
	if err != nil {
		return nil, err
	}

	config, err := template.RenderConfig(action.Config, event)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}

	actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	actionCtx = protocol.WithRunInfo(actionCtx, protocol.RunInfo{
		WorkflowID:   record.WorkflowID,
		ExecutionID:  record.ID,
		ActionID:     action.ID,
		Attempt:      record.Attempt,
		CascadeDepth: event.CascadeDepth() + 1,
	})

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrActionPanic, r)}
			}
		}()

		output, err := handler.Execute(actionCtx, config, event)
		done <- outcome{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-actionCtx.Done():
		if ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrActionTimeout, e.actionTimeout)
		}

		return nil, ctx.Err()
	}
}

// complete stores the final record and bumps the workflow counters. Both
// writes happen under the workflow's lock and outlive cancellation of ctx.
func (e *Executor) complete(ctx context.Context, workflow *models.WorkflowDefinition, record *models.ExecutionRecord) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	unlock := e.counters.Lock(workflow.ID)
	defer unlock()

	err := e.ledger.Put(writeCtx, record)
	if err != nil {
		return fmt.Errorf("storing execution %s: %w", record.IdempotencyKey, err)
	}

	err = e.incrementExecutionCount(writeCtx, workflow.ID, record.StartedAt)
	if err != nil {
		return fmt.Errorf("incrementing execution count of %s: %w", workflow.ID, err)
	}

	e.metrics.ExecutionFinished(string(record.Status), record.FinishedAt.Sub(record.StartedAt))
	e.publish(writeCtx, record)

	return nil
}

// incrementExecutionCount retries the counter update. The terminal record is
// already stored at this point and a redelivered event will not repeat it.
func (e *Executor) incrementExecutionCount(ctx context.Context, workflowID string, at time.Time) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = incrementRetryInterval

	return backoff.Retry(func() error {
		err := e.store.IncrementExecutionCount(ctx, workflowID, at)
		if persistence.IsWorkflowNotFound(err) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, incrementRetries), ctx))
}

func (e *Executor) publish(ctx context.Context, record *models.ExecutionRecord) {
	if e.publisher == nil {
		return
	}

	failed := 0
	for _, step := range record.Steps {
		if step.Status != models.StepSuccess {
			failed++
		}
	}

	var duration time.Duration
	if record.FinishedAt != nil {
		duration = record.FinishedAt.Sub(record.StartedAt)
	}

	event := events.ExecutionCompleted{
		BaseEvent:      events.NewBaseEvent(e.newID(), events.ExecutionCompletedEvent, record.WorkflowID),
		ExecutionID:    record.ID,
		IdempotencyKey: record.IdempotencyKey,
		Status:         record.Status,
		EventRef:       record.EventRef,
		Attempt:        record.Attempt,
		StepCount:      len(record.Steps),
		FailedSteps:    failed,
		Error:          record.Error,
		Duration:       duration,
	}

	err := e.publisher.Publish(ctx, record.WorkflowID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish execution result",
			"workflow_id", record.WorkflowID,
			"execution_id", record.ID,
			"error", err)
	}
}

// Abandon records a failed run for workflow and event without running any
// action, marking every action skipped with reason. It is used for runs that
// were dispatched but could not be executed, such as queued runs at shutdown.
// A terminal record for the key is left untouched.
func (e *Executor) Abandon(ctx context.Context, workflow *models.WorkflowDefinition, event models.Event, reason string) (*models.ExecutionRecord, error) {
	key := models.IdempotencyKey(workflow.ID, event.Ref())
	record := e.newRecord(workflow, event, key)

	steps := make([]models.StepResult, 0, len(workflow.Actions))
	for _, action := range workflow.Actions {
		steps = append(steps, e.skippedStep(action, reason))
	}

	finished := e.now().UTC()
	record.Status = models.ExecutionFailed
	record.Steps = steps
	record.Error = reason
	record.FinishedAt = &finished

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	existing, acquired, err := e.ledger.Acquire(writeCtx, record)
	if err != nil {
		return nil, fmt.Errorf("acquiring execution %s: %w", key, err)
	}

	if !acquired {
		if existing.Status.IsTerminal() {
			return existing, nil
		}

		record.ID = existing.ID
		record.Attempt = existing.Attempt
		record.StartedAt = existing.StartedAt

		err = e.ledger.Put(writeCtx, record)
		if err != nil {
			return nil, fmt.Errorf("storing execution %s: %w", key, err)
		}
	}

	e.logger.WarnContext(ctx, "workflow run abandoned",
		"workflow_id", workflow.ID,
		"idempotency_key", key,
		"reason", reason)

	e.metrics.ExecutionFinished(string(record.Status), 0)
	e.publish(writeCtx, record)

	return record, nil
}
