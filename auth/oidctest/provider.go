// Package oidctest is a small OpenID Connect provider that logs in a fixed
// identity without prompting. It backs end-to-end tests and the dev-idp
// command.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the user the provider authenticates.
type Identity struct {
	Subject           string
	PreferredUsername string
	Email             string
	Name              string
	Scopes            []string
}

type grant struct {
	identity    Identity
	nonce       string
	redirectURI string
	expires     time.Time
}

// Provider serves discovery, JWKS, authorize, token and userinfo endpoints.
type Provider struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	TokenTTL     time.Duration

	key    *rsa.PrivateKey
	kid    string
	router chi.Router

	mu          sync.Mutex
	identity    Identity
	omitIDToken bool
	codes       map[string]grant
	refresh     map[string]Identity
	access      map[string]Identity
}

// NewProvider creates a provider with a fresh RSA signing key.
func NewProvider(issuer, clientID, clientSecret string) (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	p := &Provider{
		Issuer:       strings.TrimSuffix(issuer, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenTTL:     15 * time.Minute,
		key:          key,
		kid:          randomString(8),
		codes:        make(map[string]grant),
		refresh:      make(map[string]Identity),
		access:       make(map[string]Identity),
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/jwks", p.handleJWKS)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/userinfo", p.handleUserInfo)
	p.router = r
	return p, nil
}

func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// SetIdentity replaces the identity used for subsequent logins.
func (p *Provider) SetIdentity(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = id
}

// SetOmitIDToken makes token responses carry no id_token, forcing clients
// onto the userinfo endpoint.
func (p *Provider) SetOmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omit
}

// NewCode issues an authorization code for the current identity, as the
// authorize endpoint would.
func (p *Provider) NewCode(nonce, redirectURI string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := randomString(16)
	p.codes[code] = grant{
		identity:    p.identity,
		nonce:       nonce,
		redirectURI: redirectURI,
		expires:     time.Now().Add(time.Minute),
	}
	return code
}

// NewRefreshToken issues a refresh token for the current identity.
func (p *Provider) NewRefreshToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := randomString(24)
	p.refresh[token] = p.identity
	return token
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Issuer + "/authorize",
		"token_endpoint":                        p.Issuer + "/token",
		"userinfo_endpoint":                     p.Issuer + "/userinfo",
		"jwks_uri":                              p.Issuer + "/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"claims_supported":                      []string{"sub", "preferred_username", "email", "name"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     p.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != p.ClientID || q.Get("response_type") != "code" {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}

	code := p.NewCode(q.Get("nonce"), redirectURI)
	params := target.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !p.authenticateClient(r) {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	var (
		id    Identity
		nonce string
	)
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		g, ok := p.redeemCode(r.PostForm.Get("code"), r.PostForm.Get("redirect_uri"))
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		id, nonce = g.identity, g.nonce
	case "refresh_token":
		p.mu.Lock()
		rid, ok := p.refresh[r.PostForm.Get("refresh_token")]
		p.mu.Unlock()
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		id = rid
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	resp, err := p.tokenResponse(id, nonce)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	id, ok := p.access[token]
	p.mu.Unlock()
	if token == "" || !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		oauthError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	writeJSON(w, http.StatusOK, profile(id, jwt.MapClaims{"sub": id.Subject}))
}

func (p *Provider) authenticateClient(r *http.Request) bool {
	clientID, secret, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
		secret, _ = url.QueryUnescape(secret)
	} else {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return clientID == p.ClientID && secret == p.ClientSecret
}

func (p *Provider) redeemCode(code, redirectURI string) (grant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.codes[code]
	if !ok {
		return grant{}, false
	}
	delete(p.codes, code)
	if time.Now().After(g.expires) || (redirectURI != "" && g.redirectURI != "" && redirectURI != g.redirectURI) {
		return grant{}, false
	}
	return g, true
}

func (p *Provider) tokenResponse(id Identity, nonce string) (map[string]any, error) {
	now := time.Now()
	exp := now.Add(p.TokenTTL)
	scope := strings.Join(id.Scopes, " ")

	access, err := p.sign(jwt.MapClaims{
		"iss":   p.Issuer,
		"sub":   id.Subject,
		"aud":   p.ClientID,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
		"scope": scope,
		"jti":   randomString(8),
	})
	if err != nil {
		return nil, err
	}
	refresh := randomString(24)

	p.mu.Lock()
	p.access[access] = id
	p.refresh[refresh] = id
	omitIDToken := p.omitIDToken
	p.mu.Unlock()

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(p.TokenTTL.Seconds()),
		"refresh_token": refresh,
		"scope":         scope,
	}
	if !omitIDToken {
		claims := profile(id, jwt.MapClaims{
			"iss": p.Issuer,
			"sub": id.Subject,
			"aud": p.ClientID,
			"iat": now.Unix(),
			"exp": exp.Unix(),
		})
		if nonce != "" {
			claims["nonce"] = nonce
		}
		idToken, err := p.sign(claims)
		if err != nil {
			return nil, err
		}
		resp["id_token"] = idToken
	}
	return resp, nil
}

func (p *Provider) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	signed, err := token.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// profile adds the non-empty profile claims of id to claims.
func profile(id Identity, claims jwt.MapClaims) jwt.MapClaims {
	if id.PreferredUsername != "" {
		claims["preferred_username"] = id.PreferredUsername
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	return claims
}

// Server is a Provider listening on a local httptest server.
type Server struct {
	*Provider
	srv *httptest.Server
}

// NewServer starts a provider whose issuer is the server URL.
func NewServer(clientID, clientSecret string) (*Server, error) {
	p, err := NewProvider("", clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	srv := httptest.NewServer(p)
	p.Issuer = srv.URL
	return &Server{Provider: p, srv: srv}, nil
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() { s.srv.Close() }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func randomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("oidctest: read random: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
