package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"keyauthority/auth"
)

// FetchUserByUID returns the user with login name uid.
func (s *DB) FetchUserByUID(ctx context.Context, uid string) (*auth.User, error) {
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	var m userModel
	err := s.bun.NewSelect().Model(&m).Where("uid = ?", uid).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fetch user %q: %w", uid, auth.ErrUserNotFound)
	}
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("fetch user %q", uid), err)
	}
	return m.toUser()
}

// CreateUser inserts a new user.
func (s *DB) CreateUser(ctx context.Context, user *auth.User) error {
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	m := fromUser(user)
	_, err := s.bun.NewInsert().Model(m).Exec(ctx)
	return wrapErr(fmt.Sprintf("create user %q", user.UID), err)
}

// SaveUser updates name, email and type of an existing user.
func (s *DB) SaveUser(ctx context.Context, user *auth.User) error {
	ctx, cancel := s.acquire(ctx)
	defer cancel()

	m := fromUser(user)
	res, err := s.bun.NewUpdate().Model(m).Column("name", "email", "type").WherePK().Exec(ctx)
	if err != nil {
		return wrapErr(fmt.Sprintf("save user %q", user.UID), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save user %q: %w", user.UID, ErrNotFound)
	}
	return nil
}

func fromUser(u *auth.User) *userModel {
	return &userModel{
		EntityID: u.EntityID.String(),
		UID:      u.UID,
		Name:     u.Name,
		Email:    u.Email,
		Type:     string(u.Role),
	}
}

func (m *userModel) toUser() (*auth.User, error) {
	id, err := uuid.Parse(m.EntityID)
	if err != nil {
		return nil, fmt.Errorf("parse user id %q: %w", m.EntityID, err)
	}
	var role auth.Role
	if err := role.UnmarshalText([]byte(m.Type)); err != nil {
		return nil, fmt.Errorf("user %q: %w", m.UID, err)
	}
	return &auth.User{
		EntityID: id,
		UID:      m.UID,
		Name:     m.Name,
		Email:    m.Email,
		Role:     role,
	}, nil
}
