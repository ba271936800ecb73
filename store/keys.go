package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"keyauthority/auth"
)

// PublicKey is an SSH public key owned by a user or group.
type PublicKey struct {
	ID       uuid.UUID `json:"id"`
	EntityID uuid.UUID `json:"entity_id"`
	KeyType  string    `json:"key_type"`
	KeyData  string    `json:"key_data"`
	Comment  string    `json:"comment,omitempty"`
}

// CreatePublicKey stores key, assigning an id when it has none.
func (s *DB) CreatePublicKey(ctx context.Context, key *PublicKey) error {
	if key.ID == uuid.Nil {
		id, err := s.GenerateID(ctx)
		if err != nil {
			return err
		}
		key.ID = id
	}
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	_, err := s.bun.NewInsert().Model(&publicKeyModel{
		ID:       key.ID.String(),
		EntityID: key.EntityID.String(),
		KeyType:  key.KeyType,
		KeyData:  key.KeyData,
		Comment:  key.Comment,
	}).Exec(ctx)
	return wrapErr("create public key", err)
}

// ListPublicKeys returns the keys v allows, ordered by id.
func (s *DB) ListPublicKeys(ctx context.Context, v auth.Visibility) ([]PublicKey, error) {
	if !v.All && len(v.Closure) == 0 {
		return nil, nil
	}
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	var rows []publicKeyModel
	q := s.bun.NewSelect().Model(&rows).Order("id")
	q = visible(q, v)
	if err := q.Scan(ctx); err != nil {
		return nil, wrapErr("list public keys", err)
	}

	keys := make([]PublicKey, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("parse public key id %q: %w", row.ID, err)
		}
		owner, err := uuid.Parse(row.EntityID)
		if err != nil {
			return nil, fmt.Errorf("parse public key owner %q: %w", row.EntityID, err)
		}
		keys = append(keys, PublicKey{ID: id, EntityID: owner, KeyType: row.KeyType, KeyData: row.KeyData, Comment: row.Comment})
	}
	return keys, nil
}

// DeletePublicKey removes a key. Keys outside v are reported as ErrNotFound.
func (s *DB) DeletePublicKey(ctx context.Context, id uuid.UUID, v auth.Visibility) error {
	if !v.All && len(v.Closure) == 0 {
		return fmt.Errorf("delete public key %s: %w", id, ErrNotFound)
	}
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	q := s.bun.NewDelete().Model((*publicKeyModel)(nil)).Where("id = ?", id.String())
	if !v.All {
		q = q.Where("entity_id IN (?)", bun.In(idStrings(v.Closure.IDs())))
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return wrapErr(fmt.Sprintf("delete public key %s", id), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete public key %s: %w", id, ErrNotFound)
	}
	return nil
}

func visible(q *bun.SelectQuery, v auth.Visibility) *bun.SelectQuery {
	if v.All {
		return q
	}
	return q.Where("entity_id IN (?)", bun.In(idStrings(v.Closure.IDs())))
}
