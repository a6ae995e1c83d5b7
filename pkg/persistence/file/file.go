// Package file provides file-based persistence for workflow definitions and the
// execution ledger. Every entity is one JSON document under the root directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Persistence groups the file-backed definition store and ledger sharing one root.
type Persistence struct {
	workflows  *WorkflowRepository
	executions *ExecutionRepository
}

// NewPersistence creates a new instance of Persistence with the specified root
// directory; a leading file:// is stripped.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		workflows:  &WorkflowRepository{base: base{root: cleanRoot}},
		executions: &ExecutionRepository{base: base{root: cleanRoot}},
	}
}

// Workflows returns the persistence.DefinitionStore implementation.
func (fp *Persistence) Workflows() *WorkflowRepository {
	return fp.workflows
}

// Executions returns the persistence.Ledger implementation.
func (fp *Persistence) Executions() *ExecutionRepository {
	return fp.executions
}

type base struct {
	root string
	mu   sync.Mutex
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (b *base) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (b *base) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(b.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// validateID checks that an identifier is safe to use as a file name.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("id %q contains invalid characters", id)
	}

	return nil
}

// writeJSON writes v to path through a temporary file so readers never see a
// partially written document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return err
	}

	return nil
}

// createJSON writes v to path only if path does not exist yet. It reports
// false when another writer created the file first.
func createJSON(path string, v any) (bool, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return false, err
	}

	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	// link(2) fails with EEXIST when the target exists, which makes the
	// create atomic across processes sharing the directory.
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return "", err
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())

		return "", err
	}

	return f.Name(), nil
}

func readJSON(path string, v any) error {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	return json.Unmarshal(body, v)
}
