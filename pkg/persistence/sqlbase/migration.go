// Package sqlbase provides the base functionality for SQL database persistence.
package sqlbase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationManager applies embedded SQL migrations with golang-migrate.
type MigrationManager struct {
	logger      *slog.Logger
	migrations  fs.FS
	databaseURL string
}

// NewMigrationManager creates a migration manager for the *.up.sql/*.down.sql
// files at the root of migrations.
func NewMigrationManager(logger *slog.Logger, migrations fs.FS, databaseURL string) *MigrationManager {
	return &MigrationManager{
		logger:      logger,
		migrations:  migrations,
		databaseURL: databaseURL,
	}
}

// RunMigrations brings the schema up to the latest version.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting database migrations")

	source, err := iofs.New(m.migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, m.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	defer func() {
		srcErr, dbErr := migrator.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			m.logger.ErrorContext(ctx, "failed to close migrator", "error", err)
		}
	}()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	m.logger.InfoContext(ctx, "Database migrations completed", "version", version, "dirty", dirty)

	return nil
}
