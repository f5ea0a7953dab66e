// QlikClaw - Qlik Sense engine tools for MCP clients
// License: MIT
//
// Copyright (c) 2026 QlikClaw contributors

// Package config loads qlikclaw settings. Values are layered: built-in
// defaults, then an optional YAML file, then a .env file, then the process
// environment (QLIK_ prefix). Later layers win.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"

	"github.com/freitascorp/qlikclaw/pkg/engine"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "QLIK_"

// Config is the complete runtime configuration.
type Config struct {
	ServerURL      string `yaml:"server_url"      env:"SERVER_URL"`
	EnginePort     int    `yaml:"engine_port"     env:"ENGINE_PORT"`
	RepositoryPort int    `yaml:"repository_port" env:"REPOSITORY_PORT"`

	// Mode is auto, enterprise or cloud. Auto treats *.qlikcloud.com
	// servers as Qlik Cloud tenants.
	Mode string `yaml:"mode" env:"MODE"`

	HTTPTimeout Seconds `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	WSTimeout   Seconds `yaml:"ws_timeout"   env:"WS_TIMEOUT"`
	WSRetries   int     `yaml:"ws_retries"   env:"WS_RETRIES"`
	// CallTimeout bounds a single engine RPC. Zero means WSTimeout.
	CallTimeout     Seconds `yaml:"call_timeout"      env:"CALL_TIMEOUT"`
	OpenWithoutData bool    `yaml:"open_without_data" env:"OPEN_WITHOUT_DATA"`

	VerifySSL      bool   `yaml:"verify_ssl"       env:"VERIFY_SSL"`
	CACertPath     string `yaml:"ca_cert_path"     env:"CA_CERT_PATH"`
	ClientCertPath string `yaml:"client_cert_path" env:"CLIENT_CERT_PATH"`
	ClientKeyPath  string `yaml:"client_key_path"  env:"CLIENT_KEY_PATH"`

	UserDirectory string `yaml:"user_directory" env:"USER_DIRECTORY"`
	UserID        string `yaml:"user_id"        env:"USER_ID"`
	APIKey        string `yaml:"api_key"        env:"API_KEY"`

	OAuth  OAuthConfig  `yaml:"oauth"  envPrefix:"OAUTH_"`
	Log    LogConfig    `yaml:"log"    envPrefix:"LOG_"`
	Audit  AuditConfig  `yaml:"audit"  envPrefix:"AUDIT_"`
	HTTP   HTTPConfig   `yaml:"http"   envPrefix:"HTTP_"`
	Access AccessConfig `yaml:"access" envPrefix:"ACCESS_"`
}

// OAuthConfig enables OAuth2 client-credentials (machine to machine) auth.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"     env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	TokenURL     string   `yaml:"token_url"     env:"TOKEN_URL"`
	Scopes       []string `yaml:"scopes"        env:"SCOPES"`
}

// Enabled reports whether client credentials are configured.
func (o OAuthConfig) Enabled() bool { return o.ClientID != "" }

type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // auto, json or text
}

// AuditConfig selects where tool calls are recorded.
type AuditConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"` // none, file, sqlite or postgres
	DSN     string `yaml:"dsn"     env:"DSN"`     // log directory, sqlite path or postgres DSN
}

// HTTPConfig configures the HTTP front-end.
type HTTPConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	// MaxConcurrentTools bounds tool invocations in flight at once.
	MaxConcurrentTools int `yaml:"max_concurrent_tools" env:"MAX_CONCURRENT_TOOLS"`
	// AuthToken, when set, is required as a bearer token on /tools and /mcp.
	AuthToken   string `yaml:"auth_token"    env:"AUTH_TOKEN"`
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH"`
	TLSKeyPath  string `yaml:"tls_key_path"  env:"TLS_KEY_PATH"`
}

// AccessConfig limits what the server's tools may do.
type AccessConfig struct {
	Role string   `yaml:"role" env:"ROLE"` // admin, analyst or viewer
	Apps []string `yaml:"apps" env:"APPS"` // app id patterns; empty allows all
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Mode:           "auto",
		EnginePort:     engine.DefaultEnginePort,
		RepositoryPort: 4242,
		HTTPTimeout:    Seconds(10 * time.Second),
		WSTimeout:      Seconds(engine.DefaultDialTimeout),
		WSRetries:      engine.DefaultDialRetries,
		VerifySSL:      true,
		Log:            LogConfig{Level: "info", Format: "auto"},
		Audit:          AuditConfig{Backend: "none"},
		HTTP:           HTTPConfig{Listen: ":8000", MaxConcurrentTools: 8},
		Access:         AccessConfig{Role: "admin"},
	}
}

// Load builds a Config from the layers. yamlPath and dotenvPath may be
// empty. A named YAML file must exist; a missing .env file is ignored.
func Load(yamlPath, dotenvPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", yamlPath, err)
		}
	}

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.OAuth.Enabled() && cfg.OAuth.TokenURL == "" && cfg.ServerURL != "" {
		cfg.OAuth.TokenURL = cfg.ServerURL + "/oauth/token"
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.ServerURL == "" {
		add("server_url is required (QLIK_SERVER_URL)")
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Hostname() == "" {
		add("server_url %q is not a valid URL", c.ServerURL)
	}
	switch c.Mode {
	case "", "auto", "enterprise", "cloud":
	default:
		add("mode %q must be auto, enterprise or cloud", c.Mode)
	}
	if c.IsCloud() && c.APIKey == "" && !c.OAuth.Enabled() {
		add("qlik cloud needs api_key (QLIK_API_KEY) or oauth client_id and client_secret")
	}
	for name, p := range map[string]int{"engine_port": c.EnginePort, "repository_port": c.RepositoryPort} {
		if p < 1 || p > 65535 {
			add("%s %d out of range", name, p)
		}
	}
	if c.HTTPTimeout <= 0 {
		add("http_timeout must be positive")
	}
	if c.WSTimeout <= 0 {
		add("ws_timeout must be positive")
	}
	if c.CallTimeout < 0 {
		add("call_timeout must not be negative")
	}
	if c.WSRetries < 1 {
		add("ws_retries must be at least 1, got %d", c.WSRetries)
	}

	if (c.ClientCertPath == "") != (c.ClientKeyPath == "") {
		add("client_cert_path and client_key_path must be set together")
	}
	for name, p := range map[string]string{"ca_cert_path": c.CACertPath, "client_cert_path": c.ClientCertPath, "client_key_path": c.ClientKeyPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			add("%s: %v", name, err)
		}
	}
	if (c.UserDirectory == "") != (c.UserID == "") {
		add("user_directory and user_id must be set together")
	}
	if c.OAuth.Enabled() && c.OAuth.ClientSecret == "" {
		add("oauth client_secret is required with client_id")
	}

	switch c.Log.Format {
	case "", "auto", "json", "text":
	default:
		add("log format %q must be auto, json or text", c.Log.Format)
	}
	switch c.Audit.Backend {
	case "", "none":
	case "file", "sqlite", "postgres":
		if c.Audit.DSN == "" {
			add("audit backend %s needs a dsn (QLIK_AUDIT_DSN)", c.Audit.Backend)
		}
	default:
		add("audit backend %q must be none, file, sqlite or postgres", c.Audit.Backend)
	}
	if c.HTTP.MaxConcurrentTools < 1 {
		add("http max_concurrent_tools must be at least 1")
	}
	if (c.HTTP.TLSCertPath == "") != (c.HTTP.TLSKeyPath == "") {
		add("http tls_cert_path and tls_key_path must be set together")
	}
	switch c.Access.Role {
	case "", "admin", "analyst", "viewer":
	default:
		add("access role %q must be admin, analyst or viewer", c.Access.Role)
	}
	return errors.Join(errs...)
}

// EngineHost is the bare host of ServerURL.
func (c *Config) EngineHost() (string, error) {
	return engine.HostFromServerURL(c.ServerURL)
}

// cloudHostSuffixes identify Qlik Cloud tenant hosts.
var cloudHostSuffixes = []string{".qlikcloud.com", ".qlikcloudgov.com"}

// IsCloud reports whether ServerURL addresses a Qlik Cloud tenant, either
// by explicit mode or, in auto mode, by host name.
func (c *Config) IsCloud() bool {
	switch c.Mode {
	case "cloud":
		return true
	case "enterprise":
		return false
	}
	host, err := engine.HostFromServerURL(c.ServerURL)
	if err != nil {
		return false
	}
	host = strings.ToLower(host)
	for _, suffix := range cloudHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// CloudURL is the tenant root of a Qlik Cloud server, scheme and host only.
func (c *Config) CloudURL() (string, error) {
	s := c.ServerURL
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", c.ServerURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// RepositoryURL is the base of the Repository API, e.g.
// https://qlik.example.com:4242/qrs.
func (c *Config) RepositoryURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("server url %q has no host", c.ServerURL)
	}
	return scheme + "://" + host + ":" + strconv.Itoa(c.RepositoryPort) + "/qrs", nil
}

// EffectiveCallTimeout is CallTimeout, or WSTimeout when unset.
func (c *Config) EffectiveCallTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout.Std()
	}
	return c.WSTimeout.Std()
}

// TokenSource returns the OAuth2 client-credentials token source, or nil
// when OAuth is not configured.
func (c *Config) TokenSource(ctx context.Context) oauth2.TokenSource {
	if !c.OAuth.Enabled() {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		TokenURL:     c.OAuth.TokenURL,
		Scopes:       c.OAuth.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cc.TokenSource(ctx)
}

// IdentityHeaders returns the static identity headers: a bearer API key,
// or the X-Qlik-User header for certificate auth.
func (c *Config) IdentityHeaders() http.Header {
	h := http.Header{}
	switch {
	case c.APIKey != "":
		h.Set("Authorization", "Bearer "+c.APIKey)
	case c.UserDirectory != "" && c.UserID != "":
		h.Set("X-Qlik-User", fmt.Sprintf("UserDirectory=%s; UserId=%s", c.UserDirectory, c.UserID))
	}
	return h
}

// HeaderFunc returns per-connection headers for the engine WebSocket.
// An OAuth token, when configured, takes precedence over the API key.
func (c *Config) HeaderFunc(ts oauth2.TokenSource) engine.HeaderFunc {
	static := c.IdentityHeaders()
	if ts == nil {
		return engine.StaticHeaders(static)
	}
	return func(ctx context.Context) (http.Header, error) {
		tok, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("fetch oauth token: %w", err)
		}
		h := static.Clone()
		h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
		return h, nil
	}
}

// Seconds is a duration that also accepts a bare number of seconds
// ("8", "2.5") besides Go duration syntax ("8s").
type Seconds time.Duration

func (s Seconds) Std() time.Duration { return time.Duration(s) }

func (s Seconds) String() string { return time.Duration(s).String() }

func (s *Seconds) UnmarshalText(b []byte) error {
	v, err := parseSeconds(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *Seconds) UnmarshalYAML(n *yaml.Node) error {
	return s.UnmarshalText([]byte(n.Value))
}

func (s Seconds) MarshalYAML() (any, error) { return s.String(), nil }

func parseSeconds(raw string) (Seconds, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Seconds(time.Duration(f * float64(time.Second))), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return Seconds(d), nil
}
