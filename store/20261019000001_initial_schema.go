package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	migrations.MustRegister(up20261019000001, down20261019000001)
}

func up20261019000001(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{
		(*userModel)(nil),
		(*groupModel)(nil),
		(*groupMemberModel)(nil),
		(*publicKeyModel)(nil),
	} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_group_member_member ON group_member(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_public_key_entity ON public_key(entity_id)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func down20261019000001(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{
		(*publicKeyModel)(nil),
		(*groupMemberModel)(nil),
		(*groupModel)(nil),
		(*userModel)(nil),
	} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", model, err)
		}
	}
	return nil
}
