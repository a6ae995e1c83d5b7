// Package recordops provides the actions that change business records through
// the record store: update_field, assign_user, create_task and create_record.
package recordops

import (
	"errors"
	"fmt"
	"sync"

	"github.com/crmflow/automation/pkg/actions"
	"github.com/crmflow/automation/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrMissingTarget = errors.New("no target record")

// target resolves the record an action applies to: the triggering record
// unless the config names another one.
func target(config map[string]any, event models.Event) (string, string, error) {
	model := actions.StringOr(config, "model", event.Model)
	recordID := actions.StringOr(config, "record_id", event.RecordID)

	if model == "" || recordID == "" {
		return "", "", ErrMissingTarget
	}

	return model, recordID, nil
}

// Evaluator evaluates expr-lang expressions against an event. Compiled
// programs are cached by source.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs expression with the event's template view as environment,
// e.g. `after.amount * 0.1` or `upper(after.name)`.
func (e *Evaluator) Evaluate(expression string, event models.Event) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	result, err := expr.Run(program, event.Data())
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}

	return result, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok = e.cache[expression]; ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, err)
	}

	e.cache[expression] = program

	return program, nil
}

var targetProperties = map[string]any{
	"model":     map[string]any{"type": "string", "minLength": 1},
	"record_id": map[string]any{"type": "string", "minLength": 1},
}

func withTarget(properties map[string]any) map[string]any {
	out := make(map[string]any, len(properties)+len(targetProperties))
	for k, v := range targetProperties {
		out[k] = v
	}

	for k, v := range properties {
		out[k] = v
	}

	return out
}
