package cmd

import (
	"log/slog"
	"net/http"

	"github.com/crmflow/automation/pkg/actions/email"
	"github.com/crmflow/automation/pkg/actions/notification"
	"github.com/crmflow/automation/pkg/actions/recordops"
	"github.com/crmflow/automation/pkg/actions/webhook"
	"github.com/crmflow/automation/pkg/eventbus"
	"github.com/crmflow/automation/pkg/protocol"
	"github.com/crmflow/automation/pkg/recordstore"
	"github.com/crmflow/automation/pkg/registry"
)

// NewRecordStore returns the REST client for the business application, or an
// in-memory store when baseURL is empty.
//
// nolint:ireturn // the caller only needs the action-facing interface
func NewRecordStore(logger *slog.Logger, baseURL, token string) (protocol.RecordStore, error) {
	if baseURL == "" {
		logger.Warn("no record store configured, record actions write to memory")

		return recordstore.NewMemory(), nil
	}

	var opts []recordstore.Option
	if token != "" {
		opts = append(opts, recordstore.WithToken(token))
	}

	return recordstore.NewHTTPClient(logger, baseURL, opts...)
}

// NewRegistry registers every built-in action handler.
func NewRegistry(logger *slog.Logger, bus eventbus.EventBus, store protocol.RecordStore, client *http.Client) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	handlers := []protocol.ActionHandler{
		email.NewAction(logger, bus),
		notification.NewAction(logger, bus),
		webhook.NewAction(logger, client),
		recordops.NewUpdateField(logger, store),
		recordops.NewAssignUser(logger, store),
		recordops.NewCreateTask(logger, store),
		recordops.NewCreateRecord(logger, store),
	}

	for _, handler := range handlers {
		err := reg.Register(handler)
		if err != nil {
			return nil, err
		}
	}

	return reg, nil
}
