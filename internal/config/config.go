// Package config loads process settings from MCP_-prefixed environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/singlestore-labs/mcp-oauth/server"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "MCP_"

// Transport is how the MCP server talks to its client.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageMySQL  = "mysql"
	StorageRedis  = "redis"
)

// Settings is the full process configuration.
type Settings struct {
	Host      string    `env:"HOST" envDefault:"localhost"`
	Port      int       `env:"PORT" envDefault:"8000"`
	Transport Transport `env:"TRANSPORT" envDefault:"stdio"`

	// PublicURL overrides ServerURL when the server sits behind a proxy
	// that terminates TLS.
	PublicURL string `env:"SERVER_URL"`

	IssuerURL      string   `env:"ISSUER_URL" envDefault:"https://authsvc.singlestore.com"`
	ClientID       string   `env:"CLIENT_ID" envDefault:"b7dbf19e-d140-4334-bae4-e8cd03614485"`
	RequiredScopes []string `env:"REQUIRED_SCOPES" envSeparator:"," envDefault:"openid"`
	OrgID          string   `env:"ORG_ID"`

	S2APIBaseURL string `env:"S2_API_BASE_URL" envDefault:"https://api.singlestore.com"`

	Storage       string        `env:"STORAGE" envDefault:"memory"`
	SQLitePath    string        `env:"SQLITE_PATH" envDefault:"mcp-oauth.db"`
	MySQL         MySQLSettings `envPrefix:"MYSQL_"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// EncryptionKey is a base64 AES-256 key for tokens at rest.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	SegmentWriteKey  string `env:"SEGMENT_WRITE_KEY"`
	AnalyticsEnabled bool   `env:"ANALYTICS_ENABLED" envDefault:"true"`

	TokenMode         server.TokenMode `env:"TOKEN_MODE" envDefault:"opaque"`
	TrustProxy        bool             `env:"TRUST_PROXY"`
	TrustedProxyCount int              `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	RateLimitRPS   int `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int `env:"RATE_LIMIT_BURST" envDefault:"20"`

	MetricsEnabled bool `env:"METRICS_ENABLED"`
	AuditEnabled   bool `env:"AUDIT_ENABLED" envDefault:"true"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// MySQLSettings describes the MySQL-protocol store connection.
type MySQLSettings struct {
	Host     string        `env:"HOST" envDefault:"localhost"`
	Port     int           `env:"PORT" envDefault:"3306"`
	User     string        `env:"USER"`
	Password string        `env:"PASSWORD"`
	Database string        `env:"DATABASE" envDefault:"mcp_oauth"`
	TLS      bool          `env:"TLS"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (*Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks enumerations and required values.
func (s *Settings) Validate() error {
	var errs []error

	switch s.Transport {
	case TransportStdio, TransportSSE, TransportHTTP:
	default:
		errs = append(errs, fmt.Errorf("unsupported transport %q", s.Transport))
	}

	switch s.Storage {
	case StorageMemory, StorageSQLite, StorageMySQL, StorageRedis:
	default:
		errs = append(errs, fmt.Errorf("unsupported storage %q", s.Storage))
	}

	switch s.TokenMode {
	case server.TokenModeOpaque, server.TokenModeUpstreamJWT:
	default:
		errs = append(errs, fmt.Errorf("unsupported token mode %q", s.TokenMode))
	}

	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
	}
	if s.IssuerURL == "" {
		errs = append(errs, errors.New("issuer URL is required"))
	}
	if s.ClientID == "" {
		errs = append(errs, errors.New("client ID is required"))
	}
	if s.PublicURL != "" {
		u, err := url.Parse(s.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid server URL %q", s.PublicURL))
		}
	}
	if s.RateLimitRPS < 0 || s.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", s.LogFormat))
	}

	return errors.Join(errs...)
}

// IsRemote reports whether the server is reached over the network.
func (s *Settings) IsRemote() bool {
	return s.Transport == TransportSSE || s.Transport == TransportHTTP
}

// ServerURL is this server's base URL and issuer identifier.
func (s *Settings) ServerURL() string {
	if s.PublicURL != "" {
		return strings.TrimSuffix(s.PublicURL, "/")
	}
	return "http://" + s.ListenAddr()
}

// CallbackURL is registered with the upstream provider.
func (s *Settings) CallbackURL() string {
	return s.ServerURL() + "/callback"
}

// ListenAddr is host:port for the HTTP listener.
func (s *Settings) ListenAddr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// RefreshPolicy follows the transport: local stdio sessions never refresh.
func (s *Settings) RefreshPolicy() server.RefreshPolicy {
	if s.IsRemote() {
		return server.RefreshRotate
	}
	return server.RefreshDisabled
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", level)
	}
	return l, nil
}
