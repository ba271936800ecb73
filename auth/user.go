package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// User is the local record of an identity that has logged in.
type User struct {
	EntityID uuid.UUID
	UID      string
	Name     string
	Email    string
	Role     Role
}

// UserStore is the storage collaborator used after a successful login.
// FetchUserByUID returns an error wrapping ErrUserNotFound for unknown uids.
type UserStore interface {
	GenerateID(ctx context.Context) (uuid.UUID, error)
	FetchUserByUID(ctx context.Context, uid string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	SaveUser(ctx context.Context, user *User) error
}

// upsertUser creates the user on first login and saves it when the provider
// reports a changed name, email or role.
func upsertUser(ctx context.Context, users UserStore, id IdentityClaims, role Role) (*User, error) {
	existing, err := users.FetchUserByUID(ctx, id.Username)
	switch {
	case err == nil:
		if existing.Name == id.DisplayName && existing.Email == id.Email && existing.Role == role {
			return existing, nil
		}
		existing.Name, existing.Email, existing.Role = id.DisplayName, id.Email, role
		if err := users.SaveUser(ctx, existing); err != nil {
			return nil, fmt.Errorf("save user %q: %w", id.Username, err)
		}
		return existing, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, fmt.Errorf("fetch user %q: %w", id.Username, err)
	}

	entityID, err := users.GenerateID(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}
	user := &User{
		EntityID: entityID,
		UID:      id.Username,
		Name:     id.DisplayName,
		Email:    id.Email,
		Role:     role,
	}
	if err := users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user %q: %w", id.Username, err)
	}
	return user, nil
}
