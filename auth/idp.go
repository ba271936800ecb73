package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
)

// IdentityProvider is the upstream OpenID Connect provider as seen by the flow.
type IdentityProvider interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
	UserInfo(ctx context.Context, token *oauth2.Token) (*oidc.UserInfo, error)
}

// NoRedirectClient returns an HTTP client that reports redirects instead of
// following them, so provider responses cannot steer requests elsewhere.
func NoRedirectClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// OIDCProvider talks to a discovered OpenID Connect provider.
type OIDCProvider struct {
	provider    *oidc.Provider
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	client      *http.Client
	logger      *slog.Logger
}

// NewOIDCProvider runs discovery against secrets.IssuerURL.
func NewOIDCProvider(ctx context.Context, secrets SecretMaterial, client *http.Client, logger *slog.Logger) (*OIDCProvider, error) {
	if client == nil {
		client = NoRedirectClient(30 * time.Second)
	}
	ctx, span := startSpan(ctx, "oidc.Discover", attribute.String("oidc.issuer", secrets.IssuerURL))
	defer span.End()

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, client), secrets.IssuerURL)
	if err != nil {
		perr := &ProviderError{Op: "discovery", Err: err}
		recordError(span, perr)
		return nil, perr
	}

	endpoint := op.Endpoint()
	if secrets.OAuthClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	logger.Debug("oidc_provider_discovered", "issuer", secrets.IssuerURL, "token_url", endpoint.TokenURL)
	return &OIDCProvider{
		provider: op,
		oauthConfig: &oauth2.Config{
			ClientID:     secrets.OAuthClientID,
			ClientSecret: secrets.OAuthClientSecret,
			RedirectURL:  secrets.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: op.Verifier(&oidc.Config{ClientID: secrets.OAuthClientID}),
		client:   client,
		logger:   logger,
	}, nil
}

// AuthCodeURL builds the authorization request.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauthConfig.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange trades an authorization code for a token response.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, span := startSpan(ctx, "oidc.Exchange")
	defer span.End()

	tok, err := p.oauthConfig.Exchange(p.clientContext(ctx), code)
	if err != nil {
		perr := &ProviderError{Op: "exchange", Err: err}
		recordError(span, perr)
		return nil, perr
	}
	return tok, nil
}

// Refresh redeems a refresh token.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, span := startSpan(ctx, "oidc.Refresh")
	defer span.End()

	src := p.oauthConfig.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		perr := &ProviderError{Op: "refresh", Err: err}
		recordError(span, perr)
		return nil, perr
	}
	return tok, nil
}

// VerifyIDToken checks signature, issuer, audience and expiry. The nonce is
// checked by the caller.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	ctx, span := startSpan(ctx, "oidc.VerifyIDToken")
	defer span.End()

	idToken, err := p.verifier.Verify(p.clientContext(ctx), rawIDToken)
	if err != nil {
		perr := &ProviderError{Op: "verify id_token", Err: err}
		recordError(span, perr)
		return nil, perr
	}
	return idToken, nil
}

// UserInfo calls the userinfo endpoint with the access token.
func (p *OIDCProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*oidc.UserInfo, error) {
	ctx, span := startSpan(ctx, "oidc.UserInfo")
	defer span.End()

	info, err := p.provider.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(token))
	if err != nil {
		perr := &ProviderError{Op: "userinfo", Err: err}
		recordError(span, perr)
		return nil, perr
	}
	return info, nil
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.client)
}
