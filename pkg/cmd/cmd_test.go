package cmd

import (
	"context"
	"log/slog"
	"testing"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/crmflow/automation/pkg/persistence/file"
	"github.com/crmflow/automation/pkg/persistence/memory"
	"github.com/crmflow/automation/pkg/recordstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewStores(t *testing.T) {
	ctx := context.Background()

	stores, err := NewStores(ctx, discardLogger(), "memory://", "")
	require.NoError(t, err)
	assert.IsType(t, &memory.DefinitionStore{}, stores.Definitions)
	assert.IsType(t, &memory.Ledger{}, stores.Ledger)
	require.NoError(t, stores.HealthCheck(ctx))
	require.NoError(t, stores.Close(ctx))

	dir := t.TempDir()
	stores, err = NewStores(ctx, discardLogger(), "file://"+dir, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &file.WorkflowRepository{}, stores.Definitions)
	assert.IsType(t, &memory.Ledger{}, stores.Ledger)

	_, err = NewStores(ctx, discardLogger(), "mongodb://user:secret@db:27017", "")
	require.ErrorIs(t, err, persistence.ErrUnsupportedURL)
	assert.NotContains(t, err.Error(), "secret")

	_, err = NewStores(ctx, discardLogger(), "memory://", "etcd://localhost")
	require.ErrorIs(t, err, persistence.ErrUnsupportedURL)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/crm", redact("postgres://user:pw@db:5432/crm"))
	assert.Equal(t, "redis://localhost:6379", redact("redis://localhost:6379"))
	assert.Equal(t, "memory", redact("memory"))
}

func TestNewEventBus(t *testing.T) {
	bus, err := NewEventBus(discardLogger(), "gochannel", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus(discardLogger(), "kafka", nil)
	require.Error(t, err)

	_, err = NewEventBus(discardLogger(), "rabbitmq", nil)
	require.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	bus, err := NewEventBus(discardLogger(), "gochannel", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	store, err := NewRecordStore(discardLogger(), "", "")
	require.NoError(t, err)
	assert.IsType(t, &recordstore.Memory{}, store)

	reg, err := NewRegistry(discardLogger(), bus, store, nil)
	require.NoError(t, err)

	expected := []string{
		string(models.ActionAssignUser),
		string(models.ActionCreateRecord),
		string(models.ActionCreateTask),
		string(models.ActionSendEmail),
		string(models.ActionSendNotification),
		string(models.ActionUpdateField),
		string(models.ActionWebhook),
	}
	assert.Equal(t, expected, reg.Types())

	_, err = NewRecordStore(discardLogger(), "ftp://crm.example.com", "")
	require.Error(t, err)

	httpStore, err := NewRecordStore(discardLogger(), "https://crm.example.com/api", "token")
	require.NoError(t, err)
	assert.IsType(t, &recordstore.HTTPClient{}, httpStore)
}
