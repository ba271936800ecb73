package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"keyauthority/auth"
	"keyauthority/store"
)

// DefaultHSTSMaxAge is one year.
const DefaultHSTSMaxAge = 31536000

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config        Config
	Logger        *slog.Logger
	Store         *store.DB
	Registry      *prometheus.Registry
	Metrics       *auth.Metrics
	Provider      auth.IdentityProvider
	Flow          *auth.OAuthFlow
	CSRF          *auth.CSRFProtector
	Codec         *auth.SessionCodec
	Resolver      *auth.PermissionResolver
	Authenticator *auth.Authenticator
}

// Options overrides collaborators NewApp would otherwise build itself.
type Options struct {
	// Provider skips OIDC discovery when set.
	Provider auth.IdentityProvider
	// Registry receives the metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// NewApp wires together the application state from configuration. db must
// already be migrated.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, db *store.DB, opts Options) (*App, error) {
	secrets, err := cfg.SecretMaterial()
	if err != nil {
		return nil, fmt.Errorf("load secret material: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := auth.NewMetrics(reg)

	provider := opts.Provider
	if provider == nil {
		provider, err = auth.NewOIDCProvider(ctx, secrets, auth.NoRedirectClient(30*time.Second), logger)
		if err != nil {
			return nil, fmt.Errorf("init identity provider: %w", err)
		}
	}

	cookies := cfg.CookieConfig()
	codec := auth.NewSessionCodec(secrets.AppSecret, logger, metrics)
	csrf, err := auth.NewCSRFProtector(secrets, cookies, metrics)
	if err != nil {
		return nil, fmt.Errorf("init csrf protector: %w", err)
	}
	flow, err := auth.NewOAuthFlow(auth.FlowOptions{
		Provider:   provider,
		Secrets:    secrets,
		Codec:      codec,
		Users:      db,
		Cookies:    cookies,
		Logger:     logger,
		Metrics:    metrics,
		SessionTTL: cfg.Auth.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init oauth flow: %w", err)
	}
	resolver := auth.NewPermissionResolver(db, metrics)

	return &App{
		Config:        cfg,
		Logger:        logger,
		Store:         db,
		Registry:      reg,
		Metrics:       metrics,
		Provider:      provider,
		Flow:          flow,
		CSRF:          csrf,
		Codec:         codec,
		Resolver:      resolver,
		Authenticator: auth.NewAuthenticator(codec, flow, resolver, logger, metrics),
	}, nil
}
