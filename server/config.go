package server

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"keyauthority/auth"
	"keyauthority/store"
)

// Hardcoded database defaults
const (
	DefaultDatabaseURL    = "file:keyauthority.db?_pragma=busy_timeout(5000)"
	DefaultAcquireTimeout = 5 * time.Second
	DefaultMetricsPath    = "/metrics"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	SecretsPath       string    `yaml:"secrets_path"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// AuthConfig holds the application secret and the upstream OAuth client.
type AuthConfig struct {
	AppSecret     string        `yaml:"app_secret,omitempty"`
	AppSecretFile string        `yaml:"app_secret_file,omitempty"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	OAuth         OAuthConfig   `yaml:"oauth"`
}

// OAuthConfig describes the upstream identity provider registration.
type OAuthConfig struct {
	IssuerURL      string `yaml:"issuer_url"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RedirectURL    string `yaml:"redirect_url"`
	UserScope      string `yaml:"user_scope"`
	AdminScope     string `yaml:"admin_scope"`
	SuperuserScope string `yaml:"superuser_scope"`
}

// DatabaseConfig configures the storage pool.
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MaxOpenConns   int           `yaml:"max_open_conns"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		Auth: AuthConfig{
			SessionTTL: auth.DefaultSessionTTL,
			OAuth: OAuthConfig{
				IssuerURL:      "http://127.0.0.1:9090",
				ClientID:       "keyauthority",
				UserScope:      auth.DefaultUserScope,
				AdminScope:     auth.DefaultAdminScope,
				SuperuserScope: auth.DefaultSuperuserScope,
			},
		},
		Database: DatabaseConfig{
			URL:            DefaultDatabaseURL,
			AcquireTimeout: DefaultAcquireTimeout,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// GenerateAppSecret returns a fresh base64 encoded application secret.
func GenerateAppSecret() (string, error) {
	buf := make([]byte, auth.AppSecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate app secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"KEYAUTHORITY_SERVER_PUBLIC_URL":          func(v string) { cfg.Server.PublicURL = v },
		"KEYAUTHORITY_SERVER_DEV_LISTEN_ADDR":     func(v string) { cfg.Server.DevListenAddr = v },
		"KEYAUTHORITY_SERVER_HTTP_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPListenAddr = v },
		"KEYAUTHORITY_SERVER_HTTPS_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPSListenAddr = v },
		"KEYAUTHORITY_SERVER_DEV_MODE":            func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"KEYAUTHORITY_SERVER_COOKIE_DOMAIN":       func(v string) { cfg.Server.CookieDomain = v },
		"KEYAUTHORITY_SERVER_TRUST_PROXY_HEADERS": func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"KEYAUTHORITY_SERVER_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"KEYAUTHORITY_SERVER_TLS_EMAIL":           func(v string) { cfg.Server.TLS.Email = v },
		"KEYAUTHORITY_SERVER_SECRETS_PATH":        func(v string) { cfg.Server.SecretsPath = v },
		"KEYAUTHORITY_AUTH_APP_SECRET":            func(v string) { cfg.Auth.AppSecret = v },
		"KEYAUTHORITY_AUTH_APP_SECRET_FILE":       func(v string) { cfg.Auth.AppSecretFile = v },
		"KEYAUTHORITY_AUTH_SESSION_TTL":           func(v string) { cfg.Auth.SessionTTL = parseDuration(v, cfg.Auth.SessionTTL) },
		"KEYAUTHORITY_OAUTH_ISSUER_URL":           func(v string) { cfg.Auth.OAuth.IssuerURL = v },
		"KEYAUTHORITY_OAUTH_CLIENT_ID":            func(v string) { cfg.Auth.OAuth.ClientID = v },
		"KEYAUTHORITY_OAUTH_CLIENT_SECRET":        func(v string) { cfg.Auth.OAuth.ClientSecret = v },
		"KEYAUTHORITY_OAUTH_REDIRECT_URL":         func(v string) { cfg.Auth.OAuth.RedirectURL = v },
		"KEYAUTHORITY_DATABASE_URL":               func(v string) { cfg.Database.URL = v },
		"KEYAUTHORITY_DATABASE_MAX_OPEN_CONNS":    func(v string) { cfg.Database.MaxOpenConns = parseInt(v, cfg.Database.MaxOpenConns) },
		"KEYAUTHORITY_DATABASE_ACQUIRE_TIMEOUT":   func(v string) { cfg.Database.AcquireTimeout = parseDuration(v, cfg.Database.AcquireTimeout) },
		"KEYAUTHORITY_METRICS_ENABLED":            func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. The app secret itself is
// checked by SecretMaterial.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain should be a suffix of the public URL host,
	// e.g. public_url keys.example.com -> cookie_domain .example.com
	if c.Server.CookieDomain != "" {
		host := publicHost(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Auth.AppSecret == "" && c.Auth.AppSecretFile == "" {
		slog.Error("Missing required configuration", "field", "auth.app_secret")
		return errors.New("auth.app_secret or auth.app_secret_file is required")
	}
	if c.Auth.AppSecret != "" && c.Auth.AppSecretFile != "" {
		slog.Error("Conflicting configuration", "fields", []string{"auth.app_secret", "auth.app_secret_file"})
		return errors.New("only one of auth.app_secret and auth.app_secret_file may be set")
	}
	if c.Auth.SessionTTL < 0 {
		slog.Error("Invalid configuration value", "field", "auth.session_ttl", "value", c.Auth.SessionTTL)
		return fmt.Errorf("auth.session_ttl must not be negative, got: %s", c.Auth.SessionTTL)
	}

	oauth := c.Auth.OAuth
	if !isHTTPURL(oauth.IssuerURL) {
		slog.Error("Invalid configuration value", "field", "auth.oauth.issuer_url", "value", oauth.IssuerURL)
		return fmt.Errorf("auth.oauth.issuer_url must start with http:// or https://, got: %q", oauth.IssuerURL)
	}
	if oauth.ClientID == "" {
		slog.Error("Missing required configuration", "field", "auth.oauth.client_id")
		return errors.New("auth.oauth.client_id is required")
	}
	if oauth.RedirectURL != "" && !isHTTPURL(oauth.RedirectURL) {
		slog.Error("Invalid configuration value", "field", "auth.oauth.redirect_url", "value", oauth.RedirectURL)
		return fmt.Errorf("auth.oauth.redirect_url must start with http:// or https://, got: %s", oauth.RedirectURL)
	}

	if c.Database.URL == "" {
		slog.Error("Missing required configuration", "field", "database.url")
		return errors.New("database.url is required")
	}
	if c.Database.AcquireTimeout < 0 {
		slog.Error("Invalid configuration value", "field", "database.acquire_timeout", "value", c.Database.AcquireTimeout)
		return fmt.Errorf("database.acquire_timeout must not be negative, got: %s", c.Database.AcquireTimeout)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		slog.Error("Invalid configuration value", "field", "metrics.path", "value", c.Metrics.Path)
		return fmt.Errorf("metrics.path must start with /, got: %q", c.Metrics.Path)
	}

	return nil
}

// RedirectURL is the callback registered with the provider. It defaults to
// the callback route under public_url.
func (c Config) RedirectURL() string {
	if c.Auth.OAuth.RedirectURL != "" {
		return c.Auth.OAuth.RedirectURL
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + CallbackPath
}

// SecretMaterial reads the application secret and builds the immutable key
// material for the auth core.
func (c Config) SecretMaterial() (auth.SecretMaterial, error) {
	raw := c.Auth.AppSecret
	if c.Auth.AppSecretFile != "" {
		b, err := os.ReadFile(c.Auth.AppSecretFile)
		if err != nil {
			return auth.SecretMaterial{}, fmt.Errorf("read app secret file: %w", err)
		}
		raw = strings.TrimSpace(string(b))
	}

	return auth.NewSecretMaterial(decodeSecret(raw), auth.SecretMaterial{
		OAuthClientID:     c.Auth.OAuth.ClientID,
		OAuthClientSecret: c.Auth.OAuth.ClientSecret,
		IssuerURL:         c.Auth.OAuth.IssuerURL,
		RedirectURL:       c.RedirectURL(),
		UserScope:         c.Auth.OAuth.UserScope,
		AdminScope:        c.Auth.OAuth.AdminScope,
		SuperuserScope:    c.Auth.OAuth.SuperuserScope,
	})
}

// StoreOptions maps the database section onto the store pool options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		URL:            c.Database.URL,
		MaxOpenConns:   c.Database.MaxOpenConns,
		MaxIdleConns:   c.Database.MaxIdleConns,
		AcquireTimeout: c.Database.AcquireTimeout,
	}
}

// CookieConfig returns the attributes shared by every cookie the service sets.
func (c Config) CookieConfig() auth.CookieConfig {
	return auth.CookieConfig{
		Domain:            c.Server.CookieDomain,
		TrustProxyHeaders: c.Server.TrustProxyHeaders,
	}
}

// decodeSecret accepts base64 (as written by config init) and falls back to
// the raw bytes.
func decodeSecret(raw string) []byte {
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) >= auth.AppSecretSize {
		return b
	}
	return []byte(raw)
}

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func publicHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
