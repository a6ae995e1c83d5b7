// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crmflow/automation/pkg/persistence"
	"github.com/crmflow/automation/pkg/persistence/file"
	"github.com/crmflow/automation/pkg/persistence/memory"
	"github.com/crmflow/automation/pkg/persistence/postgresql"
	"github.com/crmflow/automation/pkg/persistence/redis"
)

// Stores bundles the definition store and the ledger the engine runs on.
type Stores struct {
	Definitions persistence.DefinitionStore
	Ledger      persistence.Ledger
}

func (s *Stores) Close(ctx context.Context) error {
	return errors.Join(s.Ledger.Close(ctx), s.Definitions.Close(ctx))
}

func (s *Stores) HealthCheck(ctx context.Context) error {
	return errors.Join(s.Definitions.HealthCheck(ctx), s.Ledger.HealthCheck(ctx))
}

// NewStores opens the stores named by databaseURL: memory://, file://<dir> or
// postgres://. A non-empty ledgerURL (redis:// or memory://) moves the ledger
// off the database.
func NewStores(ctx context.Context, logger *slog.Logger, databaseURL, ledgerURL string) (*Stores, error) {
	stores := &Stores{}

	switch scheme(databaseURL) {
	case "", "memory":
		stores.Definitions = memory.NewDefinitionStore()
		stores.Ledger = memory.NewLedger()
	case "file":
		p := file.NewPersistence(databaseURL)
		stores.Definitions = p.Workflows()
		stores.Ledger = p.Executions()
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		stores.Definitions = p.Workflows()
		stores.Ledger = p.Executions()
	default:
		return nil, fmt.Errorf("%w: %s", persistence.ErrUnsupportedURL, redact(databaseURL))
	}

	if ledgerURL == "" {
		return stores, nil
	}

	switch scheme(ledgerURL) {
	case "redis", "rediss":
		ledger, err := redis.NewLedgerFromURL(ledgerURL)
		if err != nil {
			_ = stores.Definitions.Close(ctx)

			return nil, err
		}

		_ = stores.Ledger.Close(ctx)
		stores.Ledger = ledger
	case "memory":
		_ = stores.Ledger.Close(ctx)
		stores.Ledger = memory.NewLedger()
	default:
		_ = stores.Definitions.Close(ctx)

		return nil, fmt.Errorf("%w: %s", persistence.ErrUnsupportedURL, redact(ledgerURL))
	}

	return stores, nil
}

func scheme(url string) string {
	before, _, found := strings.Cut(url, "://")
	if !found {
		return url
	}

	return strings.ToLower(before)
}

// redact drops credentials so URLs can be logged and returned in errors.
func redact(url string) string {
	before, after, found := strings.Cut(url, "://")
	if !found {
		return url
	}

	if at := strings.LastIndex(after, "@"); at >= 0 {
		after = "***@" + after[at+1:]
	}

	return before + "://" + after
}
