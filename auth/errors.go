package auth

import (
	"errors"
)

var (
	// ErrInvalidSecret is returned when key material is too short to be used.
	ErrInvalidSecret = errors.New("invalid secret")

	ErrTokenMissesUsername  = errors.New("token misses preferred_username claim")
	ErrTokenMissesEmail     = errors.New("token misses email claim")
	ErrTokenMissesName      = errors.New("token misses name claim")
	ErrTokenMissesUserScope = errors.New("token misses user scope")

	ErrCallbackParams  = errors.New("callback is missing code or state")
	ErrStateMismatch   = errors.New("callback state does not match state cookie")
	ErrNonceMismatch   = errors.New("id token nonce mismatch")
	ErrSubjectMismatch = errors.New("userinfo subject does not match access token subject")
	ErrUserNotFound    = errors.New("user not found")
)

// ProviderError wraps a failed call to the identity provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return "identity provider " + e.Op + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorCode maps an error to the coarse code used in logs and metrics.
// Provider messages are never part of the code.
func ErrorCode(err error) string {
	var perr *ProviderError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCallbackParams):
		return "missing_params"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrTokenMissesUsername):
		return "missing_username"
	case errors.Is(err, ErrTokenMissesEmail):
		return "missing_email"
	case errors.Is(err, ErrTokenMissesName):
		return "missing_name"
	case errors.Is(err, ErrTokenMissesUserScope):
		return "missing_user_scope"
	case errors.Is(err, ErrNonceMismatch), errors.Is(err, ErrSubjectMismatch):
		return "claim_verification"
	case errors.As(err, &perr):
		return "provider_error"
	default:
		return "internal_error"
	}
}

func isClaimError(err error) bool {
	return errors.Is(err, ErrTokenMissesUsername) ||
		errors.Is(err, ErrTokenMissesEmail) ||
		errors.Is(err, ErrTokenMissesName)
}
