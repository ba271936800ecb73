package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauthority/auth"
	"keyauthority/auth/oidctest"
	"keyauthority/store"
)

const (
	e2eClientID     = "keyauthority"
	e2eClientSecret = "s3cret"
)

var alice = oidctest.Identity{
	Subject:           "sub-alice",
	PreferredUsername: "alice",
	Email:             "alice@example.com",
	Name:              "Alice Example",
	Scopes:            []string{"openid", auth.DefaultUserScope},
}

type e2e struct {
	t      *testing.T
	idp    *oidctest.Server
	app    *App
	srv    *httptest.Server
	db     *store.DB
	jar    *cookiejar.Jar
	client *http.Client
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	idp, err := oidctest.NewServer(e2eClientID, e2eClientSecret)
	require.NoError(t, err)
	t.Cleanup(idp.Close)
	idp.SetIdentity(alice)

	db, err := store.Open(context.Background(), store.Options{URL: "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	srv := httptest.NewUnstartedServer(nil)
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://" + srv.Listener.Addr().String()
	cfg.Auth.AppSecret = testSecret
	cfg.Auth.OAuth.IssuerURL = idp.URL()
	cfg.Auth.OAuth.ClientID = e2eClientID
	cfg.Auth.OAuth.ClientSecret = e2eClientSecret
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg, logger, db, Options{})
	require.NoError(t, err)
	srv.Config.Handler = app.Routes()
	srv.Start()
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &e2e{t: t, idp: idp, app: app, srv: srv, db: db, jar: jar, client: client}
}

func (e *e2e) get(path string) *http.Response {
	e.t.Helper()
	target := path
	if strings.HasPrefix(path, "/") {
		target = e.srv.URL + path
	}
	resp, err := e.client.Get(target)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *e2e) postForm(path string, form url.Values) *http.Response {
	e.t.Helper()
	resp, err := e.client.PostForm(e.srv.URL+path, form)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// login runs the browser side of the authorization-code flow and returns
// the final callback response.
func (e *e2e) login(red string) *http.Response {
	e.t.Helper()
	start := e.get(LoginPath + "?red=" + url.QueryEscape(red))
	require.Equal(e.t, http.StatusTemporaryRedirect, start.StatusCode)

	authorize := e.get(start.Header.Get("Location"))
	require.Equal(e.t, http.StatusFound, authorize.StatusCode)
	callback := authorize.Header.Get("Location")
	require.True(e.t, strings.HasPrefix(callback, e.srv.URL+CallbackPath), callback)

	return e.get(callback)
}

func (e *e2e) cookie(name string) string {
	u, _ := url.Parse(e.srv.URL)
	for _, c := range e.jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLoginSessionAndLogout(t *testing.T) {
	e := newE2E(t)

	resp := e.login("/app/keys")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/app/keys", resp.Header.Get("Location"))
	assert.NotEmpty(t, e.cookie(auth.SessionCookieName))
	assert.NotEmpty(t, e.cookie(auth.AccessTokenCookieName))
	assert.NotEmpty(t, e.cookie(auth.RefreshTokenCookieName))
	assert.Empty(t, e.cookie(auth.StateCookieName))
	assert.Empty(t, e.cookie(auth.RedirectCookieName))

	resp = e.get("/app/api/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decodeJSON[sessionResponse](t, resp)
	assert.Equal(t, "alice", sess.UID)
	assert.Equal(t, "Alice Example", sess.Name)
	assert.Equal(t, auth.RoleUser, sess.Role)
	assert.False(t, sess.IsAdmin)
	assert.NotEmpty(t, sess.CSRFToken)
	assert.NotEqual(t, uuid.Nil, sess.EntityID)

	user, err := e.db.FetchUserByUID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, sess.EntityID, user.EntityID)

	resp = e.get(LogoutPath + "?red=/app/bye")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/app/bye", resp.Header.Get("Location"))
	assert.Empty(t, e.cookie(auth.SessionCookieName))
	assert.Empty(t, e.cookie(auth.RefreshTokenCookieName))

	resp = e.get("/app/api/session")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutRejectsForeignRedirect(t *testing.T) {
	e := newE2E(t)
	resp := e.get(LogoutPath + "?red=" + url.QueryEscape("https://evil.example.com/"))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, LogoutFallback, resp.Header.Get("Location"))
}

func TestLoginWithUnsafeRedirectFallsBackToDefault(t *testing.T) {
	e := newE2E(t)
	resp := e.login("//evil.example.com/")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, auth.DefaultRedirect, resp.Header.Get("Location"))
}

func TestCallbackErrorRedirects(t *testing.T) {
	t.Run("missing params", func(t *testing.T) {
		e := newE2E(t)
		resp := e.get(CallbackPath + "?code=abc")
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, auth.RedirectMissingParams, resp.Header.Get("Location"))
	})

	t.Run("state without cookie", func(t *testing.T) {
		e := newE2E(t)
		resp := e.get(CallbackPath + "?code=abc&state=forged")
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, auth.RedirectStateMismatch, resp.Header.Get("Location"))
	})

	t.Run("missing user scope", func(t *testing.T) {
		e := newE2E(t)
		id := alice
		id.Scopes = []string{"openid"}
		e.idp.SetIdentity(id)
		resp := e.login("/app/")
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, auth.RedirectMissingScope, resp.Header.Get("Location"))
		assert.Empty(t, e.cookie(auth.SessionCookieName))
	})

	t.Run("missing email", func(t *testing.T) {
		e := newE2E(t)
		id := alice
		id.Email = ""
		e.idp.SetIdentity(id)
		resp := e.login("/app/")
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, auth.RedirectMissingClaims, resp.Header.Get("Location"))
	})

	t.Run("provider rejects code", func(t *testing.T) {
		e := newE2E(t)
		start := e.get(LoginPath)
		require.Equal(t, http.StatusTemporaryRedirect, start.StatusCode)
		authURL, err := url.Parse(start.Header.Get("Location"))
		require.NoError(t, err)

		resp := e.get(CallbackPath + "?code=bogus&state=" + url.QueryEscape(authURL.Query().Get("state")))
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.NotContains(t, string(body), "invalid_grant")
	})
}

func TestAdminScopeGrantsAdminRole(t *testing.T) {
	e := newE2E(t)
	id := alice
	id.Scopes = append([]string{auth.DefaultAdminScope}, alice.Scopes...)
	e.idp.SetIdentity(id)

	e.login("/app/")
	sess := decodeJSON[sessionResponse](t, e.get("/app/api/session"))
	assert.Equal(t, auth.RoleAdmin, sess.Role)
	assert.True(t, sess.IsAdmin)
}

func TestKeysFollowPermissionClosure(t *testing.T) {
	e := newE2E(t)
	ctx := context.Background()

	e.login("/app/")
	sess := decodeJSON[sessionResponse](t, e.get("/app/api/session"))

	team, err := e.db.CreateGroup(ctx, "team")
	require.NoError(t, err)
	ops, err := e.db.CreateGroup(ctx, "ops")
	require.NoError(t, err)
	require.NoError(t, e.db.AddGroupMember(ctx, team, sess.EntityID, nil))
	require.NoError(t, e.db.AddGroupMember(ctx, ops, team, nil))

	teamKey := &store.PublicKey{EntityID: team, KeyType: "ssh-ed25519", KeyData: "AAAAteam"}
	opsKey := &store.PublicKey{EntityID: ops, KeyType: "ssh-ed25519", KeyData: "AAAAops"}
	otherKey := &store.PublicKey{EntityID: uuid.New(), KeyType: "ssh-rsa", KeyData: "AAAAother"}
	for _, k := range []*store.PublicKey{teamKey, opsKey, otherKey} {
		require.NoError(t, e.db.CreatePublicKey(ctx, k))
	}

	resp := e.get("/app/api/keys")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := decodeJSON[keysResponse](t, resp).Keys
	var got []uuid.UUID
	for _, k := range keys {
		got = append(got, k.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{teamKey.ID, opsKey.ID}, got)

	deletePath := "/app/api/keys/" + opsKey.ID.String() + "/delete"
	resp = e.postForm(deletePath, url.Values{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.postForm("/app/api/keys/"+otherKey.ID.String()+"/delete", url.Values{auth.CSRFFormField: {sess.CSRFToken}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.postForm(deletePath, url.Values{auth.CSRFFormField: {sess.CSRFToken}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	keys = decodeJSON[keysResponse](t, e.get("/app/api/keys")).Keys
	require.Len(t, keys, 1)
	assert.Equal(t, teamKey.ID, keys[0].ID)
}

func TestRefreshTokenRestoresSession(t *testing.T) {
	e := newE2E(t)
	e.login("/app/")
	refresh := e.cookie(auth.RefreshTokenCookieName)
	require.NotEmpty(t, refresh)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/app/api/session", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: auth.RefreshTokenCookieName, Value: refresh})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var names []string
	for _, c := range resp.Cookies() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, auth.SessionCookieName)
	assert.Contains(t, names, auth.RefreshTokenCookieName)
	assert.Equal(t, "alice", decodeJSON[sessionResponse](t, resp).UID)
}

func TestUnauthenticatedAPI(t *testing.T) {
	e := newE2E(t)
	for _, path := range []string{"/app/api/session", "/app/api/keys"} {
		resp := e.get(path)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "unauthenticated", decodeJSON[errorResponse](t, resp).Error)
	}

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/app/api/keys", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "garbage"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newE2E(t)
	e.login("/app/")

	resp := e.get("/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	scrape := func() string {
		resp := e.get(DefaultMetricsPath)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	assert.Contains(t, scrape(), `keyauthority_auth_logins_total{result="success"} 1`)
	// Request counters are recorded after the response is written.
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), `route="/app/auth/callback"`)
	}, 2*time.Second, 20*time.Millisecond)
}
