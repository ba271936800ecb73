package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"keyauthority/auth"
	"keyauthority/auth/oidctest"
	"keyauthority/server"
)

func providerCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Identity provider tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run discovery and probe the authorization endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(flags.configPath, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runProviderCheck(ctx, cfg, logger, nil); err != nil {
				logger.Error("provider connectivity failed", "issuer", cfg.Auth.OAuth.IssuerURL, "error", err)
				return err
			}
			logger.Info("provider connectivity succeeded", "issuer", cfg.Auth.OAuth.IssuerURL)
			return nil
		},
	})
	return cmd
}

// runProviderCheck discovers the provider and requests its authorization
// endpoint once. Redirects are reported, not followed.
func runProviderCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, client *http.Client) error {
	secrets, err := cfg.SecretMaterial()
	if err != nil {
		return err
	}
	if client == nil {
		client = auth.NoRedirectClient(30 * time.Second)
	}

	provider, err := auth.NewOIDCProvider(ctx, secrets, client, logger)
	if err != nil {
		return err
	}

	authURL := provider.AuthCodeURL(randomHex(8), randomHex(8))
	logger.Info("connect.start", "auth_url", authURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "location", resp.Header.Get("Location"))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %s for the authorization request", resp.Status)
	}
	return nil
}

type devIDPOptions struct {
	addr         string
	issuer       string
	clientID     string
	clientSecret string
	omitIDToken  bool
	identity     oidctest.Identity
}

func devIDPCmd(flags *globalFlags) *cobra.Command {
	opts := devIDPOptions{}
	var scopes string

	cmd := &cobra.Command{
		Use:   "dev-idp",
		Short: "Run a local OpenID Connect provider that logs in a fixed identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			opts.identity.Scopes = strings.Fields(strings.ReplaceAll(scopes, ",", " "))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDevIDP(ctx, opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:9090", "Listen address")
	f.StringVar(&opts.issuer, "issuer", "", "Issuer URL (default http://<addr>)")
	f.StringVar(&opts.clientID, "client-id", "keyauthority", "Accepted OAuth client ID")
	f.StringVar(&opts.clientSecret, "client-secret", "", "Accepted OAuth client secret")
	f.BoolVar(&opts.omitIDToken, "omit-id-token", false, "Answer token requests without an id_token")
	f.StringVar(&opts.identity.Subject, "subject", "dev-user", "Subject of the logged in user")
	f.StringVar(&opts.identity.PreferredUsername, "username", "dev", "preferred_username claim")
	f.StringVar(&opts.identity.Email, "email", "dev@example.com", "email claim")
	f.StringVar(&opts.identity.Name, "name", "Dev User", "name claim")
	f.StringVar(&scopes, "scopes", "openid profile email "+auth.DefaultUserScope+" "+auth.DefaultAdminScope, "Granted scopes")
	return cmd
}

func runDevIDP(ctx context.Context, opts devIDPOptions, logger *slog.Logger) error {
	issuer := opts.issuer
	if issuer == "" {
		issuer = "http://" + opts.addr
	}
	provider, err := oidctest.NewProvider(issuer, opts.clientID, opts.clientSecret)
	if err != nil {
		return err
	}
	provider.SetIdentity(opts.identity)
	provider.SetOmitIDToken(opts.omitIDToken)

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           provider,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("dev identity provider listening", "addr", opts.addr, "issuer", issuer, "uid", opts.identity.PreferredUsername)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dev identity provider: %w", err)
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
