package recordstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/crmflow/automation/pkg/models"
	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("record not found")

// Memory is an in-process record store for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]map[string]any
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]map[string]any)}
}

// Put seeds a record.
func (m *Memory) Put(model, recordID string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(model, recordID, maps.Clone(fields))
}

func (m *Memory) Get(model, recordID string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[model][recordID]

	return maps.Clone(record), ok
}

// List returns copies of all records of a model.
func (m *Memory) List(model string) []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]map[string]any, 0, len(m.records[model]))
	for _, record := range m.records[model] {
		out = append(out, maps.Clone(record))
	}

	return out
}

func (m *Memory) UpdateFields(ctx context.Context, model, recordID string, fields map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[model][recordID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, model, recordID)
	}

	maps.Copy(record, fields)

	return maps.Clone(record), nil
}

func (m *Memory) Create(ctx context.Context, model string, fields map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := maps.Clone(fields)
	if record == nil {
		record = map[string]any{}
	}

	// The key and the stored id always agree; non-string ids such as JSON
	// numbers are stored in their string form.
	recordID := models.Stringify(record["id"])
	if recordID == "" {
		recordID = uuid.NewString()
	}

	record["id"] = recordID

	m.put(model, recordID, record)

	return maps.Clone(record), nil
}

func (m *Memory) put(model, recordID string, record map[string]any) {
	if m.records[model] == nil {
		m.records[model] = make(map[string]map[string]any)
	}

	if record == nil {
		record = map[string]any{}
	}

	m.records[model][recordID] = record
}
