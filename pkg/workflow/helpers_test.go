package workflow

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/crmflow/automation/pkg/eventbus"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence/memory"
	"github.com/crmflow/automation/pkg/registry"
	"github.com/stretchr/testify/require"
)

// funcHandler is an action handler backed by a function.
type funcHandler struct {
	actionType string
	schema     map[string]any
	fn         func(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error)
}

func (h *funcHandler) Type() string           { return h.actionType }
func (h *funcHandler) Schema() map[string]any { return h.schema }

func (h *funcHandler) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	return h.fn(ctx, config, event)
}

// callLog records action invocations in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, id)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.calls...)
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturePublisher) published() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]eventbus.Event(nil), p.events...)
}

type fixture struct {
	store    *memory.DefinitionStore
	ledger   *memory.Ledger
	registry *registry.Registry
	calls    *callLog
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.NewDefinitionStore(),
		ledger:   memory.NewLedger(),
		registry: registry.NewRegistry(discardLogger()),
		calls:    &callLog{},
	}

	f.register(t, "ok", func(_ context.Context, config map[string]any, _ models.Event) (map[string]any, error) {
		return map[string]any{"config": config}, nil
	})

	return f
}

// register adds a handler whose calls are logged by action id.
func (f *fixture) register(t *testing.T, actionType string, fn func(context.Context, map[string]any, models.Event) (map[string]any, error)) {
	t.Helper()

	require.NoError(t, f.registry.Register(&funcHandler{
		actionType: actionType,
		fn: func(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
			if id, ok := config["id"].(string); ok {
				f.calls.add(id)
			}

			return fn(ctx, config, event)
		},
	}))
}

func (f *fixture) save(t *testing.T, workflow *models.WorkflowDefinition) *models.WorkflowDefinition {
	t.Helper()

	require.NoError(t, f.store.Save(context.Background(), workflow))

	return workflow
}

func action(id, actionType string) models.Action {
	return models.Action{ID: id, Type: models.ActionType(actionType), Config: map[string]any{"id": id}}
}
