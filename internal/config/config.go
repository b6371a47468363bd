package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WINTER_AUTH_LOG_LEVEL.
const EnvPrefix = "WINTER_AUTH_"

// Account policies decide what SessionStore.Add does with existing records.
const (
	// PolicyReplace keeps a single signed-in account.
	PolicyReplace = "replace"
	// PolicyAccumulate keeps one record per account id.
	PolicyAccumulate = "accumulate"
)

// Storage backends.
const (
	StorageFile   = "file"
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen" envPrefix:"LISTEN_"`
	OAuth   OAuthConfig   `yaml:"oauth" envPrefix:"OAUTH_"`
	Auth    AuthConfig    `yaml:"auth" envPrefix:"AUTH_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	API     APIConfig     `yaml:"api" envPrefix:"API_"`
	TLS     TLSConfig     `yaml:"tls" envPrefix:"TLS_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP   string `yaml:"http" env:"HTTP"`     // loopback HTTP address (e.g., "127.0.0.1:8765")
	Socket string `yaml:"socket" env:"SOCKET"` // Unix socket path
}

// OAuthConfig defines the authorization server the daemon signs in against
type OAuthConfig struct {
	Issuer       string   `yaml:"issuer" env:"ISSUER"`               // optional; enables discovery
	AuthorizeURL string   `yaml:"authorize_url" env:"AUTHORIZE_URL"` // authorization endpoint
	TokenURL     string   `yaml:"token_url" env:"TOKEN_URL"`         // token endpoint
	UserInfoURL  string   `yaml:"userinfo_url" env:"USERINFO_URL"`   // profile endpoint
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	RedirectURI  string   `yaml:"redirect_uri" env:"REDIRECT_URI"` // custom scheme or loopback callback
	Scopes       []string `yaml:"scopes" env:"SCOPES" envSeparator:" "`
}

// AuthConfig defines sign-in behavior
type AuthConfig struct {
	SignInTimeout int    `yaml:"sign_in_timeout" env:"SIGN_IN_TIMEOUT"` // seconds
	AccountPolicy string `yaml:"account_policy" env:"ACCOUNT_POLICY"`   // replace, accumulate
	OpenBrowser   bool   `yaml:"open_browser" env:"OPEN_BROWSER"`       // false prints the URL instead
}

// StorageConfig selects the secret storage backend
type StorageConfig struct {
	Backend string      `yaml:"backend" env:"BACKEND"` // file, memory, redis
	Path    string      `yaml:"path" env:"PATH"`       // file backend location
	Key     string      `yaml:"key" env:"KEY"`         // key holding the session collection
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig configures the redis secret storage backend
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// APIConfig defines the Winter backend used for credits and chat
type APIConfig struct {
	BaseURL   string `yaml:"base_url" env:"BASE_URL"`
	ChatModel string `yaml:"chat_model" env:"CHAT_MODEL"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, text
}

// SignInTimeoutDuration returns the sign-in timeout as a duration.
func (a AuthConfig) SignInTimeoutDuration() time.Duration {
	return time.Duration(a.SignInTimeout) * time.Second
}

// Load reads and parses the configuration file. A missing file is not an
// error: defaults plus environment overrides are used instead.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the --config flag
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Apply environment variable overrides
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:   "127.0.0.1:8765",
			Socket: DefaultSocketPath(),
		},
		OAuth: OAuthConfig{
			AuthorizeURL: "http://localhost:8081/oauth/authorize",
			TokenURL:     "http://localhost:8081/oauth/token",
			UserInfoURL:  "http://localhost:8081/api/userinfo",
			ClientID:     "winter-vscode-extension",
			RedirectURI:  "winter://winter.winter-authentication/callback",
			Scopes:       []string{"user:email"},
		},
		Auth: AuthConfig{
			SignInTimeout: 300, // 5 minutes
			AccountPolicy: PolicyReplace,
			OpenBrowser:   true,
		},
		Storage: StorageConfig{
			Backend: StorageFile,
			Path:    DefaultStoragePath(),
			Key:     "winter.sessions",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "winter-auth:",
			},
		},
		API: APIConfig{
			BaseURL:   "http://127.0.0.1:8081",
			ChatModel: "deepseek-chat",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultSocketPath returns the per-user daemon socket location.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "winter-auth", "auth.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("winter-auth-%d", os.Getuid()), "auth.sock")
}

// DefaultConfigPath returns the per-user configuration file location.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "winter-auth", "config.yaml")
}

// DefaultStoragePath returns the file backend location under the user config dir.
func DefaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "winter-auth", "secrets.json")
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.OAuth.validate(); err != nil {
		return err
	}

	// Validate auth config
	if c.Auth.SignInTimeout <= 0 {
		return fmt.Errorf("auth.sign_in_timeout must be positive")
	}
	if c.Auth.SignInTimeout > 3600 {
		return fmt.Errorf("auth.sign_in_timeout should not exceed 3600 seconds (1 hour)")
	}
	if c.Auth.AccountPolicy != PolicyReplace && c.Auth.AccountPolicy != PolicyAccumulate {
		return fmt.Errorf("auth.account_policy must be one of: replace, accumulate")
	}

	// Validate storage config
	if c.Storage.Key == "" {
		return fmt.Errorf("storage.key is required")
	}
	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend must be one of: file, memory, redis")
	}

	if c.API.BaseURL != "" && !isHTTPURL(c.API.BaseURL) {
		return fmt.Errorf("api.base_url must be a valid HTTP(S) URL")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.Socket == "" {
		return fmt.Errorf("listen.socket is required")
	}

	return nil
}

func (o *OAuthConfig) validate() error {
	if o.Issuer != "" && !isHTTPURL(o.Issuer) {
		return fmt.Errorf("oauth.issuer must be a valid HTTP(S) URL")
	}

	// Without discovery every endpoint must be configured explicitly
	if o.Issuer == "" {
		if o.AuthorizeURL == "" || o.TokenURL == "" || o.UserInfoURL == "" {
			return fmt.Errorf("oauth.authorize_url, oauth.token_url and oauth.userinfo_url are required without oauth.issuer")
		}
	}
	for name, v := range map[string]string{
		"oauth.authorize_url": o.AuthorizeURL,
		"oauth.token_url":     o.TokenURL,
		"oauth.userinfo_url":  o.UserInfoURL,
	} {
		if v != "" && !isHTTPURL(v) {
			return fmt.Errorf("%s must be a valid HTTP(S) URL", name)
		}
	}

	if o.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required")
	}

	if o.RedirectURI == "" {
		return fmt.Errorf("oauth.redirect_uri is required")
	}
	u, err := url.Parse(o.RedirectURI)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("oauth.redirect_uri must be an absolute URI")
	}

	if len(o.Scopes) == 0 {
		return fmt.Errorf("oauth.scopes must contain at least one scope")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// RedirectUsesLoopback reports whether the redirect URI points at the
// daemon's own HTTP listener rather than a custom URI scheme.
func (o *OAuthConfig) RedirectUsesLoopback() bool {
	return isHTTPURL(o.RedirectURI)
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.OAuth.Scopes != nil {
		redacted.OAuth.Scopes = make([]string, len(c.OAuth.Scopes))
		copy(redacted.OAuth.Scopes, c.OAuth.Scopes)
	}
	if redacted.Storage.Redis.Password != "" {
		redacted.Storage.Redis.Password = "[REDACTED]"
	}
	return &redacted
}
