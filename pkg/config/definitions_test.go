package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crmflow/automation/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const welcomeJSON = `{
  "id": "welcome-lead",
  "name": "Welcome new leads",
  "trigger_type": "record_created",
  "trigger_model": "lead",
  "trigger_conditions": [{"field": "source", "operator": "equals", "value": "web"}],
  "actions": [
    {"id": "email", "type": "send_email", "config": {"to": "{{ .after.email }}", "subject": "Hi", "body": "Welcome"}}
  ],
  "state": "active"
}`

const stageYAML = `
- id: deal-won
  name: Celebrate won deals
  trigger_type: stage_changed
  trigger_model: deal
  trigger_conditions:
    - field: stage
      operator: equals
      value: won
  actions:
    - id: notify
      type: send_notification
      config:
        channel: sales
        message: "Deal {{ .record_id }} won"
  state: active
- id: daily-digest
  name: Daily digest
  trigger_type: scheduled
  trigger_schedule: "0 8 * * *"
  actions: []
  state: inactive
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefinitions_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a-welcome.json", welcomeJSON)
	writeFile(t, dir, "b-stage.yaml", stageYAML)
	writeFile(t, dir, "README.md", "not a definition")

	definitions, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, definitions, 3)

	assert.Equal(t, "welcome-lead", definitions[0].ID)
	assert.Equal(t, models.OperatorEquals, definitions[0].TriggerConditions[0].Operator)

	assert.Equal(t, "deal-won", definitions[1].ID)
	assert.Equal(t, models.TriggerStageChanged, definitions[1].TriggerType)
	assert.Equal(t, "sales", definitions[1].Actions[0].Config["channel"])

	assert.Equal(t, "0 8 * * *", definitions[2].TriggerSchedule)
	assert.Equal(t, models.WorkflowStateInactive, definitions[2].State)
}

func TestLoadDefinitions_SingleFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "welcome.json", welcomeJSON)

	definitions, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, definitions, 1)
	assert.Equal(t, "lead", definitions[0].TriggerModel)
}

func TestLoadDefinitions_Errors(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		_, err := LoadDefinitions(filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := LoadDefinitions(t.TempDir())
		require.ErrorIs(t, err, ErrNoDefinitions)
	})

	t.Run("invalid definitions are reported and valid ones kept", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.json", welcomeJSON)
		writeFile(t, dir, "b.json", `{"id": "x", "name": "Broken", "trigger_type": "record_deleted", "state": "active"}`)
		writeFile(t, dir, "c.json", welcomeJSON)
		writeFile(t, dir, "d.yaml", "id: [unterminated")

		definitions, err := LoadDefinitions(dir)
		require.Error(t, err)
		require.ErrorIs(t, err, models.ErrInvalidWorkflow)
		assert.Contains(t, err.Error(), "duplicate workflow id")
		assert.Contains(t, err.Error(), "d.yaml")

		var defErr *DefinitionError
		require.ErrorAs(t, err, &defErr)

		require.Len(t, definitions, 1)
		assert.Equal(t, "welcome-lead", definitions[0].ID)
	})
}
