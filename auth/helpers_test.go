package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"keyauthority/auth/oidctest"
)

const (
	testClientID     = "keyauthority"
	testClientSecret = "s3cret"
	testRedirectURL  = "http://app.test/app/auth/callback"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSecrets(t *testing.T, issuer string) SecretMaterial {
	t.Helper()
	s, err := NewSecretMaterial(bytes.Repeat([]byte("k"), 40), SecretMaterial{
		OAuthClientID:     testClientID,
		OAuthClientSecret: testClientSecret,
		IssuerURL:         issuer,
		RedirectURL:       testRedirectURL,
	})
	require.NoError(t, err)
	return s
}

// memoryUsers is a UserStore backed by a map.
type memoryUsers struct {
	mu      sync.Mutex
	byUID   map[string]User
	creates int
	saves   int
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byUID: make(map[string]User)}
}

func (m *memoryUsers) GenerateID(context.Context) (uuid.UUID, error) {
	return uuid.NewRandom()
}

func (m *memoryUsers) FetchUserByUID(_ context.Context, uid string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byUID[uid]
	if !ok {
		return nil, fmt.Errorf("uid %q: %w", uid, ErrUserNotFound)
	}
	return &u, nil
}

func (m *memoryUsers) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	m.byUID[u.UID] = *u
	return nil
}

func (m *memoryUsers) SaveUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.byUID[u.UID] = *u
	return nil
}

// graph is a MembershipLookup over member -> groups edges.
type graph struct {
	edges   map[uuid.UUID][]uuid.UUID
	queried map[uuid.UUID]int
	rounds  int
	err     error
	failAt  int
}

func newGraph() *graph {
	return &graph{edges: make(map[uuid.UUID][]uuid.UUID), queried: make(map[uuid.UUID]int)}
}

func (g *graph) add(member, group uuid.UUID) {
	g.edges[member] = append(g.edges[member], group)
}

func (g *graph) DirectGroupIDs(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	g.rounds++
	if g.err != nil && g.rounds >= g.failAt {
		return nil, g.err
	}
	var out []uuid.UUID
	for _, id := range ids {
		g.queried[id]++
		out = append(out, g.edges[id]...)
	}
	return out, nil
}

type flowFixture struct {
	idp     *oidctest.Server
	secrets SecretMaterial
	users   *memoryUsers
	codec   *SessionCodec
	flow    *OAuthFlow
	reg     *prometheus.Registry
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	idp, err := oidctest.NewServer(testClientID, testClientSecret)
	require.NoError(t, err)
	t.Cleanup(idp.Close)
	idp.SetIdentity(oidctest.Identity{
		Subject:           "sub-alice",
		PreferredUsername: "alice",
		Email:             "alice@example.com",
		Name:              "Alice Example",
		Scopes:            []string{"openid", DefaultUserScope},
	})

	secrets := testSecrets(t, idp.URL())
	logger := discardLogger()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	provider, err := NewOIDCProvider(context.Background(), secrets, nil, logger)
	require.NoError(t, err)

	users := newMemoryUsers()
	codec := NewSessionCodec(secrets.AppSecret, logger, metrics)
	flow, err := NewOAuthFlow(FlowOptions{
		Provider: provider,
		Secrets:  secrets,
		Codec:    codec,
		Users:    users,
		Logger:   logger,
		Metrics:  metrics,
	})
	require.NoError(t, err)

	return &flowFixture{idp: idp, secrets: secrets, users: users, codec: codec, flow: flow, reg: reg}
}

// callback runs StartLogin and returns a callback request carrying the
// state/redirect cookies and a code minted for the login's nonce.
func (f *flowFixture) callback(t *testing.T, redirect string) *http.Request {
	t.Helper()
	start, err := f.flow.StartLogin(httptest.NewRequest(http.MethodGet, "/app/auth/oauth2", nil), redirect)
	require.NoError(t, err)
	authURL, err := url.Parse(start.AuthURL)
	require.NoError(t, err)

	state := authURL.Query().Get("state")
	code := f.idp.NewCode(authURL.Query().Get("nonce"), testRedirectURL)
	req := httptest.NewRequest(http.MethodGet, "/app/auth/callback?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil)
	for _, c := range start.Cookies {
		req.AddCookie(c)
	}
	return req
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
