package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun/migrate"
)

var migrations = migrate.NewMigrations()

// Migrate applies pending schema migrations under the migration lock.
func (s *DB) Migrate(ctx context.Context) error {
	migrator := migrate.NewMigrator(s.bun, migrations)
	if err := migrator.Init(ctx); err != nil {
		return wrapErr("init migrations", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return wrapErr("acquire migration lock", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			s.logger.Warn("migration_unlock_failed", "error", err)
		}
	}()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if group.IsZero() {
		s.logger.Info("migrations_up_to_date")
	} else {
		s.logger.Info("migrations_applied", "group", group.ID, "count", len(group.Migrations))
	}
	return nil
}
