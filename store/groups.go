package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"keyauthority/auth"
)

// CreateGroup inserts a group and returns its entity id.
func (s *DB) CreateGroup(ctx context.Context, name string) (uuid.UUID, error) {
	id, err := s.GenerateID(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	_, err = s.bun.NewInsert().Model(&groupModel{EntityID: id.String(), Name: name}).Exec(ctx)
	if err != nil {
		return uuid.Nil, wrapErr(fmt.Sprintf("create group %q", name), err)
	}
	return id, nil
}

// AddGroupMember makes member (a user or a group) a direct member of group.
// Adding an existing edge is a no-op.
func (s *DB) AddGroupMember(ctx context.Context, group, member uuid.UUID, addedBy *uuid.UUID) error {
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	m := &groupMemberModel{
		GroupID:  group.String(),
		MemberID: member.String(),
		AddDate:  time.Now().UTC(),
	}
	if addedBy != nil {
		by := addedBy.String()
		m.AddedBy = &by
	}
	_, err := s.bun.NewInsert().Model(m).On("CONFLICT (group_id, member_id) DO NOTHING").Exec(ctx)
	return wrapErr("add group member", err)
}

// DirectGroupIDs returns the groups directly containing any of memberIDs.
func (s *DB) DirectGroupIDs(ctx context.Context, memberIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	var raw []string
	err := s.bun.NewSelect().
		Model((*groupMemberModel)(nil)).
		Column("group_id").
		Where("member_id IN (?)", bun.In(idStrings(memberIDs))).
		Scan(ctx, &raw)
	if err != nil {
		return nil, wrapErr("fetch group memberships", err)
	}
	return parseIDs(raw)
}

// FetchPermissionIDs returns entityID plus every group reachable from it.
func (s *DB) FetchPermissionIDs(ctx context.Context, entityID uuid.UUID) (auth.PermissionClosure, error) {
	return auth.NewPermissionResolver(s, nil).Resolve(ctx, entityID)
}
