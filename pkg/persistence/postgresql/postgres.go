// Package postgresql provides PostgreSQL persistence for workflow definitions
// and the execution ledger.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/crmflow/automation/pkg/persistence/postgresql/migrations"
	"github.com/crmflow/automation/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence owns the database handle shared by both repositories.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	workflowRepo   *WorkflowRepository
	executionsRepo *ExecutionRepository
}

// NewPersistence connects, migrates and returns a PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	// Run migrations on initialization
	err = sqlbase.NewMigrationManager(logger, migrations.FS, databaseURL).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	p := &Persistence{db: database, logger: logger}
	p.workflowRepo = &WorkflowRepository{persistence: p}
	p.executionsRepo = &ExecutionRepository{persistence: p}

	return p, nil
}

// Workflows returns the persistence.DefinitionStore implementation.
func (p *Persistence) Workflows() *WorkflowRepository {
	return p.workflowRepo
}

// Executions returns the persistence.Ledger implementation.
func (p *Persistence) Executions() *ExecutionRepository {
	return p.executionsRepo
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
