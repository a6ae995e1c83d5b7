package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/crmflow/automation/pkg/metrics"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256

	// DefaultMaxCascadeDepth caps how many workflow-caused changes may chain
	// off one external change.
	DefaultMaxCascadeDepth = 3

	// ShutdownReason is recorded on runs still queued when shutdown times out.
	ShutdownReason = "shutdown"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Runner executes dispatched runs.
type Runner interface {
	Execute(ctx context.Context, workflow *models.WorkflowDefinition, event models.Event) (*models.ExecutionRecord, error)
	Abandon(ctx context.Context, workflow *models.WorkflowDefinition, event models.Event, reason string) (*models.ExecutionRecord, error)
}

type task struct {
	workflow *models.WorkflowDefinition
	event    models.Event
}

// Dispatcher matches events against the active definitions and feeds the
// resulting runs to a fixed pool of workers through a bounded queue.
type Dispatcher struct {
	logger  *slog.Logger
	store   persistence.DefinitionStore
	matcher *TriggerMatcher
	runner  Runner
	metrics *metrics.Metrics

	workers         int
	queue           chan task
	maxCascadeDepth int

	rotation   atomic.Uint64
	intake     sync.RWMutex
	closed     bool
	done       chan struct{}
	submitting sync.WaitGroup

	startOnce sync.Once
	group     *errgroup.Group
	cancel    context.CancelFunc
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan task, n)
		}
	}
}

// WithMaxCascadeDepth sets the depth at which workflow-caused events are
// dropped instead of matched.
func WithMaxCascadeDepth(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxCascadeDepth = n
		}
	}
}

func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(
	logger *slog.Logger,
	store persistence.DefinitionStore,
	runner Runner,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		logger:  logger.With("module", "dispatcher"),
		store:   store,
		matcher: NewTriggerMatcher(logger),
		runner:  runner,
		workers: DefaultWorkers,
		queue:   make(chan task, DefaultQueueSize),
		done:    make(chan struct{}),

		maxCascadeDepth: DefaultMaxCascadeDepth,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start launches the workers. Runs inherit ctx's values but not its
// cancellation: in-flight runs are only cancelled when Stop's deadline passes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.cancel = cancel
		d.group, workerCtx = errgroup.WithContext(workerCtx)

		for i := range d.workers {
			d.group.Go(func() error {
				d.work(workerCtx, i)

				return nil
			})
		}

		d.logger.InfoContext(ctx, "dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
	})
}

// Submit matches event against a snapshot of the active definitions and
// queues one run per match. It blocks while the queue is full. Store failures
// drop the event and are only logged; the returned error is limited to
// ErrDispatcherClosed and ctx errors.
func (d *Dispatcher) Submit(ctx context.Context, event models.Event) error {
	d.intake.RLock()
	if d.closed {
		d.intake.RUnlock()

		return ErrDispatcherClosed
	}
	d.submitting.Add(1)
	d.intake.RUnlock()

	defer d.submitting.Done()

	logger := d.logger.With("model", event.Model, "record_id", event.RecordID, "change_kind", event.ChangeKind)
	d.metrics.EventReceived(string(event.ChangeKind))

	err := event.Validate()
	if err != nil {
		logger.WarnContext(ctx, "dropping invalid event", "error", err)
		d.metrics.DispatchDropped("invalid_event")

		return nil
	}

	if depth := event.CascadeDepth(); depth >= d.maxCascadeDepth {
		logger.WarnContext(ctx, "dropping event past cascade depth",
			"cascade_depth", depth,
			"origin_workflow_id", event.OriginWorkflowID(),
		)
		d.metrics.DispatchDropped("cascade_limit")

		return nil
	}

	workflows, err := d.store.ListActive(ctx, event.ChangeKind, event.Model)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.ErrorContext(ctx, "failed to list active workflows, dropping event", "error", err)
		d.metrics.DispatchDropped("store_error")

		return nil
	}

	snapshot := make([]*models.WorkflowDefinition, 0, len(workflows))
	for _, w := range workflows {
		snapshot = append(snapshot, w.Clone())
	}

	matched := d.withoutOrigin(ctx, logger, event, d.matcher.Match(ctx, event, snapshot))
	d.metrics.WorkflowsMatched(string(event.ChangeKind), len(matched))

	for _, workflow := range d.rotate(matched) {
		select {
		case d.queue <- task{workflow: workflow, event: event}:
			d.metrics.SetQueueDepth(len(d.queue))
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return ErrDispatcherClosed
		}
	}

	return nil
}

// withoutOrigin drops the workflow whose own run wrote the change, so a
// workflow never retriggers itself.
func (d *Dispatcher) withoutOrigin(
	ctx context.Context,
	logger *slog.Logger,
	event models.Event,
	matched []*models.WorkflowDefinition,
) []*models.WorkflowDefinition {
	origin := event.OriginWorkflowID()
	if origin == "" {
		return matched
	}

	kept := make([]*models.WorkflowDefinition, 0, len(matched))
	for _, workflow := range matched {
		if workflow.ID == origin {
			logger.DebugContext(ctx, "skipping self-triggered workflow", "workflow_id", workflow.ID)
			d.metrics.DispatchDropped("self_trigger")

			continue
		}

		kept = append(kept, workflow)
	}

	return kept
}

// rotate starts each submission's enqueue order at a different position so
// that no workflow is always queued last.
func (d *Dispatcher) rotate(matched []*models.WorkflowDefinition) []*models.WorkflowDefinition {
	if len(matched) < 2 {
		return matched
	}

	offset := int(d.rotation.Add(1) % uint64(len(matched)))

	return append(matched[offset:len(matched):len(matched)], matched[:offset]...)
}

// QueueDepth returns the number of queued runs.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With("worker_id", id)
	logger.DebugContext(ctx, "worker started")

	for {
		select {
		case t := <-d.queue:
			d.process(ctx, t)
		case <-d.done:
			d.drain(ctx)
			logger.DebugContext(ctx, "worker stopped")

			return
		case <-ctx.Done():
			return
		}
	}
}

// drain runs what is left in the queue until it is empty or ctx ends.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case t := <-d.queue:
			d.process(ctx, t)
		default:
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, t task) {
	d.metrics.SetQueueDepth(len(d.queue))

	logger := d.logger.With(
		"workflow_id", t.workflow.ID,
		"model", t.event.Model,
		"record_id", t.event.RecordID,
	)

	if ctx.Err() != nil {
		d.abandon(ctx, t, ShutdownReason)

		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "worker recovered from panic", "panic", r)
			d.abandon(ctx, t, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	_, err := d.runner.Execute(ctx, t.workflow, t.event)

	switch {
	case errors.Is(err, ErrRunInProgress):
		logger.DebugContext(ctx, "run already in progress elsewhere")
	case err != nil:
		logger.ErrorContext(ctx, "workflow run failed", "error", err)
		d.metrics.DispatchDropped("execution_error")
	}
}

func (d *Dispatcher) abandon(ctx context.Context, t task, reason string) {
	_, err := d.runner.Abandon(context.WithoutCancel(ctx), t.workflow, t.event, reason)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to record abandoned run",
			"workflow_id", t.workflow.ID,
			"reason", reason,
			"error", err)
	}
}

// Stop closes intake and waits for the workers to drain the queue. When ctx
// ends first, in-flight runs are cancelled and every run still queued is
// recorded as failed with ShutdownReason.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.intake.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.intake.Unlock()

	// Submits in progress see done and return promptly.
	d.submitting.Wait()

	if d.group != nil {
		waited := make(chan error, 1)
		go func() { waited <- d.group.Wait() }()

		select {
		case <-waited:
		case <-ctx.Done():
			d.logger.WarnContext(ctx, "shutdown deadline reached, cancelling runs", "queued", len(d.queue))
			d.cancel()
			<-waited
		}

		d.cancel()
	}

	abandoned := 0

	for {
		select {
		case t := <-d.queue:
			d.abandon(ctx, t, ShutdownReason)
			abandoned++
		default:
			d.metrics.SetQueueDepth(0)

			if abandoned > 0 {
				d.logger.WarnContext(ctx, "abandoned queued runs at shutdown", "count", abandoned)
			}

			return ctx.Err()
		}
	}
}
