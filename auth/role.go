package auth

import (
	"fmt"
	"slices"
)

// Role is the coarse authorization tier derived from granted scopes.
type Role string

const (
	RoleUser      Role = "User"
	RoleAdmin     Role = "Admin"
	RoleSuperuser Role = "Superuser"
)

func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperuser:
		return true
	}
	return false
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("unknown role %q", string(r))
	}
	return []byte(r), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	v := Role(b)
	if !v.valid() {
		return fmt.Errorf("unknown role %q", string(b))
	}
	*r = v
	return nil
}

// DeriveRole maps granted scopes to a role. The user scope is mandatory;
// holding only the admin or superuser scope is an error.
func DeriveRole(scopes []string, secrets SecretMaterial) (Role, error) {
	if !slices.Contains(scopes, secrets.UserScope) {
		return "", ErrTokenMissesUserScope
	}
	switch {
	case slices.Contains(scopes, secrets.AdminScope):
		return RoleAdmin, nil
	case slices.Contains(scopes, secrets.SuperuserScope):
		return RoleSuperuser, nil
	default:
		return RoleUser, nil
	}
}
