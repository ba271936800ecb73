package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/securecookie"
	"golang.org/x/oauth2"
)

// Post-callback redirect targets. The error flag tells the UI which message
// to show without exposing provider details.
const (
	DefaultRedirect       = "/app/"
	RedirectMissingParams = "/app/?error=1"
	RedirectStateMismatch = "/app/?error=2"
	RedirectMissingClaims = "/app/?error=3"
	RedirectMissingScope  = "/app/?error=4"
)

// IdentityClaims is the normalized identity returned by the provider.
type IdentityClaims struct {
	Username    string
	DisplayName string
	Email       string
	Expiry      time.Time
	Scopes      []string
}

type profileClaims struct {
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Name              string `json:"name"`
}

func (p profileClaims) identity(expiry time.Time, scopes []string) (IdentityClaims, error) {
	switch {
	case p.PreferredUsername == "":
		return IdentityClaims{}, ErrTokenMissesUsername
	case p.Email == "":
		return IdentityClaims{}, ErrTokenMissesEmail
	case p.Name == "":
		return IdentityClaims{}, ErrTokenMissesName
	}
	return IdentityClaims{
		Username:    p.PreferredUsername,
		DisplayName: p.Name,
		Email:       p.Email,
		Expiry:      expiry,
		Scopes:      scopes,
	}, nil
}

// oauthState is sealed into the state cookie for the redirect round trip.
type oauthState struct {
	CSRF  string `json:"csrf"`
	Nonce string `json:"nonce"`
}

// FlowOptions wires an OAuthFlow.
type FlowOptions struct {
	Provider IdentityProvider
	Secrets  SecretMaterial
	Codec    *SessionCodec
	Users    UserStore
	Cookies  CookieConfig
	Logger   *slog.Logger
	Metrics  *Metrics

	// SessionTTL bounds sessions whose tokens carry no expiry.
	// Zero means DefaultSessionTTL.
	SessionTTL time.Duration
}

// OAuthFlow drives the authorization-code login and the refresh grant.
// It keeps no per-login state; everything pending lives in cookies.
type OAuthFlow struct {
	provider IdentityProvider
	secrets  SecretMaterial
	codec    *SessionCodec
	users    UserStore
	state    *securecookie.SecureCookie
	cookies  CookieConfig
	logger   *slog.Logger
	metrics  *Metrics
	ttl      time.Duration
	now      func() time.Time
}

func NewOAuthFlow(opts FlowOptions) (*OAuthFlow, error) {
	hashKey, err := opts.Secrets.deriveKey("state-hash", 32)
	if err != nil {
		return nil, err
	}
	blockKey, err := opts.Secrets.deriveKey("state-block", 32)
	if err != nil {
		return nil, err
	}
	state := securecookie.New(hashKey, blockKey).
		MaxAge(stateCookieMaxAge).
		SetSerializer(securecookie.JSONEncoder{})

	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &OAuthFlow{
		provider: opts.Provider,
		secrets:  opts.Secrets,
		codec:    opts.Codec,
		users:    opts.Users,
		state:    state,
		cookies:  opts.Cookies,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// LoginStart is what the login route sends back to the browser.
type LoginStart struct {
	AuthURL string
	Nonce   string
	Cookies []*http.Cookie
}

// StartLogin mints state and nonce, seals them into the state cookie and
// builds the authorization URL. A redirect cookie is added only for a safe
// requested target.
func (f *OAuthFlow) StartLogin(r *http.Request, requestedRedirect string) (LoginStart, error) {
	csrf, err := randomToken()
	if err != nil {
		return LoginStart{}, err
	}
	nonce, err := randomToken()
	if err != nil {
		return LoginStart{}, err
	}
	sealed, err := f.state.Encode(StateCookieName, oauthState{CSRF: csrf, Nonce: nonce})
	if err != nil {
		return LoginStart{}, fmt.Errorf("seal oauth state: %w", err)
	}

	cookies := []*http.Cookie{f.cookies.New(r, StateCookieName, sealed, stateCookieMaxAge)}
	if target, ok := SafeRedirect(requestedRedirect); ok {
		cookies = append(cookies, f.cookies.New(r, RedirectCookieName, target, 0))
	} else if requestedRedirect != "" {
		f.logger.Warn("oauth_redirect_rejected", "redirect", requestedRedirect)
	}

	return LoginStart{
		AuthURL: f.provider.AuthCodeURL(csrf, nonce),
		Nonce:   nonce,
		Cookies: cookies,
	}, nil
}

// LoginResult is the outcome of the callback. Cookies always clear the state
// and redirect cookies. Redirect is empty only for provider or internal
// failures, which the caller should answer with a 5xx.
type LoginResult struct {
	Redirect string
	Cookies  []*http.Cookie
	Claims   *SessionClaims
}

// CompleteLogin handles the provider callback.
func (f *OAuthFlow) CompleteLogin(r *http.Request) (res LoginResult, err error) {
	res = LoginResult{
		Redirect: DefaultRedirect,
		Cookies: []*http.Cookie{
			f.cookies.Delete(r, StateCookieName),
			f.cookies.Delete(r, RedirectCookieName),
		},
	}
	defer func() { f.recordLogin(res, err) }()

	if c, cerr := r.Cookie(RedirectCookieName); cerr == nil {
		if target, ok := SafeRedirect(c.Value); ok {
			res.Redirect = target
		}
	}

	query := r.URL.Query()
	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		res.Redirect = RedirectMissingParams
		return res, ErrCallbackParams
	}

	pending, ok := f.readState(r)
	if !ok || subtle.ConstantTimeCompare([]byte(pending.CSRF), []byte(state)) != 1 {
		res.Redirect = RedirectStateMismatch
		return res, ErrStateMismatch
	}

	tok, err := f.provider.Exchange(r.Context(), code)
	if err != nil {
		res.Redirect = ""
		return res, err
	}

	claims, cookies, err := f.establish(r, tok, pending.Nonce)
	if err != nil {
		res.Redirect = failureRedirect(err)
		return res, err
	}
	res.Cookies = append(res.Cookies, cookies...)
	res.Claims = claims
	return res, nil
}

// Refresh redeems refreshToken and establishes a new session from the
// response. The returned cookies replace the session and token cookies.
func (f *OAuthFlow) Refresh(r *http.Request, refreshToken string) (*SessionClaims, []*http.Cookie, error) {
	tok, err := f.provider.Refresh(r.Context(), refreshToken)
	if err != nil {
		return nil, nil, err
	}
	return f.establish(r, tok, "")
}

// Logout returns the cookies that end a session. It never fails.
func (f *OAuthFlow) Logout(r *http.Request) []*http.Cookie {
	return []*http.Cookie{
		f.cookies.Delete(r, SessionCookieName),
		f.cookies.Delete(r, AccessTokenCookieName),
		f.cookies.Delete(r, RefreshTokenCookieName),
		f.cookies.Delete(r, CSRFCookieName),
	}
}

func (f *OAuthFlow) readState(r *http.Request) (oauthState, bool) {
	c, err := r.Cookie(StateCookieName)
	if err != nil || c.Value == "" {
		return oauthState{}, false
	}
	var st oauthState
	if err := f.state.Decode(StateCookieName, c.Value, &st); err != nil {
		f.logger.Warn("oauth_state_invalid", "error", err)
		return oauthState{}, false
	}
	return st, st.CSRF != ""
}

// establish turns a token response into a session: identity, role, local
// user record, encoded session token and the cookies carrying them.
func (f *OAuthFlow) establish(r *http.Request, tok *oauth2.Token, nonce string) (*SessionClaims, []*http.Cookie, error) {
	ctx := r.Context()
	id, err := f.identity(ctx, tok, nonce)
	if err != nil {
		return nil, nil, err
	}
	role, err := DeriveRole(id.Scopes, f.secrets)
	if err != nil {
		return nil, nil, err
	}
	user, err := upsertUser(ctx, f.users, id, role)
	if err != nil {
		return nil, nil, err
	}

	expiry := id.Expiry
	if expiry.IsZero() {
		expiry = f.now().Add(f.ttl)
	}
	name := user.Name
	claims := &SessionClaims{
		EntityID: user.EntityID,
		UID:      user.UID,
		Name:     &name,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    SessionIssuer,
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	encoded, err := f.codec.Encode(*claims)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session: %w", err)
	}

	cookies := []*http.Cookie{
		f.cookies.New(r, SessionCookieName, encoded, 0),
		f.cookies.New(r, AccessTokenCookieName, tok.AccessToken, 0),
	}
	if tok.RefreshToken != "" {
		cookies = append(cookies, f.cookies.New(r, RefreshTokenCookieName, tok.RefreshToken, 0))
	}
	return claims, cookies, nil
}

// identity prefers an inline ID token and falls back to userinfo, looked up
// with the subject read (unverified) from the access token.
func (f *OAuthFlow) identity(ctx context.Context, tok *oauth2.Token, nonce string) (IdentityClaims, error) {
	scopes := tokenScopes(tok)

	if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := f.provider.VerifyIDToken(ctx, rawIDToken)
		if err != nil {
			return IdentityClaims{}, err
		}
		if nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
			return IdentityClaims{}, ErrNonceMismatch
		}
		var profile profileClaims
		if err := idToken.Claims(&profile); err != nil {
			return IdentityClaims{}, fmt.Errorf("parse id_token claims: %w", err)
		}
		return profile.identity(idToken.Expiry, scopes)
	}

	subject, expiry, err := accessTokenSubject(tok.AccessToken)
	if err != nil {
		return IdentityClaims{}, err
	}
	info, err := f.provider.UserInfo(ctx, tok)
	if err != nil {
		return IdentityClaims{}, err
	}
	if info.Subject != subject {
		return IdentityClaims{}, ErrSubjectMismatch
	}
	var profile profileClaims
	if err := info.Claims(&profile); err != nil {
		return IdentityClaims{}, fmt.Errorf("parse userinfo claims: %w", err)
	}
	return profile.identity(expiry, scopes)
}

func (f *OAuthFlow) recordLogin(res LoginResult, err error) {
	code := ErrorCode(err)
	f.metrics.login(code)
	switch {
	case err == nil:
		f.logger.Info("oauth_login_succeeded", "uid", res.Claims.UID, "role", string(res.Claims.Role))
	case res.Redirect == "":
		f.logger.Error("oauth_callback_failed", "code", code, "error", err)
	default:
		f.logger.Warn("oauth_callback_rejected", "code", code, "error", err)
	}
}

// accessTokenSubject reads sub and exp from a JWT access token without
// verifying it. The subject only selects the userinfo identity to expect.
func accessTokenSubject(accessToken string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("read access token claims: %w", err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", time.Time{}, errors.New("access token carries no subject")
	}
	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}
	return subject, expiry, nil
}

func tokenScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	return strings.Fields(raw)
}

func failureRedirect(err error) string {
	switch {
	case isClaimError(err):
		return RedirectMissingClaims
	case errors.Is(err, ErrTokenMissesUserScope):
		return RedirectMissingScope
	case errors.Is(err, ErrNonceMismatch), errors.Is(err, ErrSubjectMismatch):
		return RedirectStateMismatch
	}
	return ""
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
