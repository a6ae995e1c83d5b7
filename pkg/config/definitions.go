// Package config loads workflow definitions from JSON and YAML files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crmflow/automation/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrNoDefinitions = errors.New("no workflow definitions found")

// DefinitionError reports a definition that could not be loaded.
type DefinitionError struct {
	Path  string
	Index int
	Err   error
}

func (e *DefinitionError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %v", e.Path, e.Index, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// LoadDefinitions reads definitions from path, which is either one file or a
// directory whose *.json, *.yaml and *.yml files are read in name order. A
// file holds a single definition or a list of them. Every definition is
// structurally validated; all problems are returned joined.
func LoadDefinitions(path string) ([]*models.WorkflowDefinition, error) {
	files, err := definitionFiles(path)
	if err != nil {
		return nil, err
	}

	var (
		result []*models.WorkflowDefinition
		errs   []error
	)

	seen := make(map[string]string)

	for _, file := range files {
		definitions, err := loadFile(file)
		if err != nil {
			errs = append(errs, &DefinitionError{Path: file, Index: -1, Err: err})

			continue
		}

		for i, definition := range definitions {
			err := definition.Validate()
			if err != nil {
				errs = append(errs, &DefinitionError{Path: file, Index: i, Err: err})

				continue
			}

			if other, ok := seen[definition.ID]; ok {
				errs = append(errs, &DefinitionError{
					Path:  file,
					Index: i,
					Err:   fmt.Errorf("duplicate workflow id %q, also defined in %s", definition.ID, other),
				})

				continue
			}

			seen[definition.ID] = file
			result = append(result, definition)
		}
	}

	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDefinitions, path)
	}

	return result, nil
}

func definitionFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions %s: %w", path, err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory %s: %w", path, err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}

		files = append(files, filepath.Join(path, entry.Name()))
	}

	sort.Strings(files)

	return files, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// loadFile decodes a file into definitions. YAML is converted to JSON first so
// that both formats share the models' json field names.
func loadFile(path string) ([]*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}

		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML: %w", err)
		}
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var definitions []*models.WorkflowDefinition
		if err := json.Unmarshal(data, &definitions); err != nil {
			return nil, fmt.Errorf("failed to parse definitions: %w", err)
		}

		return definitions, nil
	}

	var definition models.WorkflowDefinition
	if err := json.Unmarshal(data, &definition); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}

	return []*models.WorkflowDefinition{&definition}, nil
}
