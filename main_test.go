package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keyauthority/auth/oidctest"
	"keyauthority/server"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func providerConfig(t *testing.T, idp *oidctest.Server, clientID string) server.Config {
	t.Helper()
	cfg := server.DefaultConfig()
	secret, err := server.GenerateAppSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	cfg.Auth.AppSecret = secret
	cfg.Auth.OAuth.IssuerURL = idp.URL()
	cfg.Auth.OAuth.ClientID = clientID
	return cfg
}

func TestRunProviderCheckSuccess(t *testing.T) {
	idp, err := oidctest.NewServer("keyauthority", "")
	if err != nil {
		t.Fatalf("start provider: %v", err)
	}
	defer idp.Close()

	if err := runProviderCheck(context.Background(), providerConfig(t, idp, "keyauthority"), discard(), nil); err != nil {
		t.Fatalf("runProviderCheck returned error: %v", err)
	}
}

func TestRunProviderCheckFailureStatus(t *testing.T) {
	idp, err := oidctest.NewServer("keyauthority", "")
	if err != nil {
		t.Fatalf("start provider: %v", err)
	}
	defer idp.Close()

	err = runProviderCheck(context.Background(), providerConfig(t, idp, "unknown-client"), discard(), nil)
	if err == nil {
		t.Fatalf("expected error for rejected authorization request")
	}
}

func TestRunProviderCheckDiscoveryFailure(t *testing.T) {
	idp, err := oidctest.NewServer("keyauthority", "")
	if err != nil {
		t.Fatalf("start provider: %v", err)
	}
	cfg := providerConfig(t, idp, "keyauthority")
	idp.Close()

	if err := runProviderCheck(context.Background(), cfg, discard(), nil); err == nil {
		t.Fatalf("expected discovery error")
	}
}

func TestRunConfigInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	if err := runConfigInit(path, nil, io.Discard); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if _, err := cfg.SecretMaterial(); err != nil {
		t.Fatalf("generated secret unusable: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	if err := runConfigInit(path, nil, io.Discard); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestRunConfigInitInteractive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"n",                       // dev mode
		"keys.example.com",        // domain
		"ops@example.com",         // acme email
		"https://idp.example.com", // issuer
		"",                        // client id (default)
		"client-secret",           // client secret
		"postgres://keys@db/keys", // database
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := runConfigInit(path, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.DevMode {
		t.Fatalf("expected production mode")
	}
	if cfg.Server.PublicURL != "https://keys.example.com" {
		t.Fatalf("unexpected public url %q", cfg.Server.PublicURL)
	}
	if cfg.Auth.OAuth.IssuerURL != "https://idp.example.com" || cfg.Auth.OAuth.ClientID != "keyauthority" {
		t.Fatalf("unexpected oauth settings %+v", cfg.Auth.OAuth)
	}
	if cfg.Database.URL != "postgres://keys@db/keys" {
		t.Fatalf("unexpected database url %q", cfg.Database.URL)
	}
	if !strings.Contains(out.String(), "OIDC issuer URL") {
		t.Fatalf("prompts not written: %q", out.String())
	}
}

func TestRunDevIDPStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := devIDPOptions{addr: "127.0.0.1:0", clientID: "keyauthority"}
	if err := runDevIDP(ctx, opts, discard()); err != nil {
		t.Fatalf("runDevIDP returned error: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, v := range []string{"", "info", "DEBUG", "warning", "err"} {
		if _, err := parseLogLevel(v); err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", v, err)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "keyauthority "+version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
