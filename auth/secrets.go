package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AppSecretSize is the number of secret bytes the application keys are taken from.
const AppSecretSize = 32

// Default scope names granted by the identity provider.
const (
	DefaultUserScope      = "ssh-key-authority.user"
	DefaultAdminScope     = "ssh-key-authority.admin"
	DefaultSuperuserScope = "ssh-key-authority.superuser"
)

// SecretMaterial is the immutable key and OAuth client configuration shared by
// every auth component. It is built once at startup and passed by value.
type SecretMaterial struct {
	AppSecret         []byte
	OAuthClientID     string
	OAuthClientSecret string
	IssuerURL         string
	RedirectURL       string
	UserScope         string
	AdminScope        string
	SuperuserScope    string
}

// NewSecretMaterial copies the first AppSecretSize bytes of appSecret and fills
// in default scope names. The remaining fields are taken from base.
func NewSecretMaterial(appSecret []byte, base SecretMaterial) (SecretMaterial, error) {
	if len(appSecret) < AppSecretSize {
		return SecretMaterial{}, fmt.Errorf("%w: app secret must be at least %d bytes, got %d", ErrInvalidSecret, AppSecretSize, len(appSecret))
	}
	s := base
	s.AppSecret = append([]byte(nil), appSecret[:AppSecretSize]...)
	if s.UserScope == "" {
		s.UserScope = DefaultUserScope
	}
	if s.AdminScope == "" {
		s.AdminScope = DefaultAdminScope
	}
	if s.SuperuserScope == "" {
		s.SuperuserScope = DefaultSuperuserScope
	}
	return s, s.Validate()
}

// Validate reports the first missing or malformed field.
func (s SecretMaterial) Validate() error {
	switch {
	case len(s.AppSecret) != AppSecretSize:
		return fmt.Errorf("%w: app secret must be exactly %d bytes", ErrInvalidSecret, AppSecretSize)
	case s.OAuthClientID == "":
		return errors.New("oauth client id is required")
	case s.IssuerURL == "":
		return errors.New("oauth issuer url is required")
	case s.RedirectURL == "":
		return errors.New("oauth redirect url is required")
	case s.UserScope == "" || s.AdminScope == "" || s.SuperuserScope == "":
		return errors.New("user, admin and superuser scopes are required")
	}
	return nil
}

// deriveKey expands the app secret into an independent key for purpose.
func (s SecretMaterial) deriveKey(purpose string, size int) ([]byte, error) {
	key := make([]byte, size)
	r := hkdf.New(sha256.New, s.AppSecret, nil, []byte("keyauthority/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}
