// Package registry maps action types to their handlers and validates action
// configuration.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrInvalidConfig     = errors.New("invalid action config")
	ErrDuplicateHandler  = errors.New("action handler already registered")
)

type entry struct {
	handler protocol.ActionHandler
	schema  *gojsonschema.Schema
}

type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]entry
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:   log.With("module", "registry"),
		handlers: make(map[string]entry),
	}
}

// Register adds a handler and compiles its config schema. A handler without
// a schema accepts any config.
func (r *Registry) Register(handler protocol.ActionHandler) error {
	actionType := handler.Type()

	var compiled *gojsonschema.Schema

	if schema := handler.Schema(); schema != nil {
		var err error

		compiled, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return fmt.Errorf("compiling schema for %s: %w", actionType, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[actionType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, actionType)
	}

	r.handlers[actionType] = entry{handler: handler, schema: compiled}
	r.logger.Debug("registered action handler", "action_type", actionType)

	return nil
}

// Get returns the handler for an action type.
func (r *Registry) Get(actionType string) (protocol.ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.handlers[actionType]

	return e.handler, ok
}

// Types returns the registered action types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for actionType := range r.handlers {
		types = append(types, actionType)
	}

	sort.Strings(types)

	return types
}

// Validate checks config against the schema of the action type.
func (r *Registry) Validate(actionType string, config map[string]any) error {
	r.mu.RLock()
	e, ok := r.handlers[actionType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}

	if e.schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !result.Valid() {
		var errs []string
		for _, resultErr := range result.Errors() {
			errs = append(errs, resultErr.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ValidateWorkflow checks every action of a workflow against the registry.
func (r *Registry) ValidateWorkflow(workflow *models.WorkflowDefinition) error {
	var errs []error

	for _, action := range workflow.Actions {
		err := r.Validate(string(action.Type), action.Config)
		if err != nil {
			errs = append(errs, fmt.Errorf("action %s: %w", action.ID, err))
		}
	}

	return errors.Join(errs...)
}
