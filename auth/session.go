package auth

import (
	"context"
	"log/slog"
	"net/http"
)

type sessionKey struct{}

// Session is the authenticated caller of one request.
type Session struct {
	Claims   SessionClaims
	resolver *PermissionResolver
}

// IsAdmin reports whether the caller bypasses permission closures.
func (s *Session) IsAdmin() bool {
	return s.Claims.Role == RoleAdmin
}

// PermissionIDs resolves the caller's closure fresh for this request.
func (s *Session) PermissionIDs(ctx context.Context) (PermissionClosure, error) {
	return s.resolver.Resolve(ctx, s.Claims.EntityID)
}

// Visibility is full for administrators and the permission closure for
// everybody else.
func (s *Session) Visibility(ctx context.Context) (Visibility, error) {
	if s.IsAdmin() {
		return Visibility{All: true}, nil
	}
	closure, err := s.PermissionIDs(ctx)
	if err != nil {
		return Visibility{}, err
	}
	return Visibility{Closure: closure}, nil
}

// Authenticator resolves the session of each request from its cookies.
type Authenticator struct {
	codec    *SessionCodec
	flow     *OAuthFlow
	resolver *PermissionResolver
	logger   *slog.Logger
	metrics  *Metrics
}

func NewAuthenticator(codec *SessionCodec, flow *OAuthFlow, resolver *PermissionResolver, logger *slog.Logger, metrics *Metrics) *Authenticator {
	return &Authenticator{
		codec:    codec,
		flow:     flow,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
	}
}

// Authenticate decodes the session cookie. If that yields nothing and a
// refresh token cookie is present, the refresh grant is used and the new
// cookies are written to w.
func (a *Authenticator) Authenticate(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		if claims, ok := a.codec.Decode(c.Value); ok {
			return a.newSession(*claims), true
		}
	}

	rt, err := r.Cookie(RefreshTokenCookieName)
	if err != nil || rt.Value == "" {
		return nil, false
	}
	claims, cookies, err := a.flow.Refresh(r, rt.Value)
	if err != nil {
		code := ErrorCode(err)
		a.metrics.refresh(code)
		a.logger.Warn("session_refresh_failed", "code", code, "error", err)
		return nil, false
	}
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
	a.metrics.refresh("success")
	a.logger.Info("session_refreshed", "uid", claims.UID)
	return a.newSession(*claims), true
}

// Middleware attaches the session, if any, to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := a.Authenticate(w, r); ok {
			r = r.WithContext(WithSession(r.Context(), sess))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) newSession(claims SessionClaims) *Session {
	return &Session{Claims: claims, resolver: a.resolver}
}

// WithSession stores sess on ctx.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the session attached by Middleware.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok && sess != nil
}
