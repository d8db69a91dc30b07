// Package migrate provides database migration functionality using Goose.
package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/docfoundry/docfoundry/migrations"
	"github.com/docfoundry/docfoundry/pkg/logger"
)

// Module provides migration dependencies and applies pending migrations
// during application startup.
var Module = fx.Module("migrate",
	fx.Provide(NewMigrator),
	fx.Invoke(RunOnStart),
)

// Migrator handles database migrations.
type Migrator struct {
	db  *bun.DB
	log *slog.Logger
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *bun.DB, log *slog.Logger) *Migrator {
	return &Migrator{
		db:  db,
		log: log.With(logger.Scope("migrator")),
	}
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	m.log.Info("running database migrations")

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, m.db.DB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	m.log.Info("migrations completed")
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	m.log.Info("rolling back last migration")

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.DownContext(ctx, m.db.DB, "."); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}

	return nil
}

// RunOnStart registers an fx hook that applies migrations before the
// server and worker begin accepting work.
func RunOnStart(lc fx.Lifecycle, m *Migrator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Up(ctx)
		},
	})
}
