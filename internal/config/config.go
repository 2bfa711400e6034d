// Package config handles loading and validating hiklqqbot configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Transport selects the single ingestion path the bot runs.
type Transport string

const (
	TransportGateway Transport = "gateway"
	TransportWebhook Transport = "webhook"
)

const defaultAPIBase = "https://api.sgroup.qq.com"

// Config is the root configuration for hiklqqbot.
type Config struct {
	Bot           BotConfig            `json:"bot" yaml:"bot"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Webhook       WebhookConfig        `json:"webhook" yaml:"webhook"`
	Router        RouterConfig         `json:"router" yaml:"router"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default
	AdminAPI      *AdminAPIConfig      `json:"admin_api,omitempty" yaml:"admin_api,omitempty"`         // nil = admin API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Stats         *StatsConfig         `json:"stats,omitempty" yaml:"stats,omitempty"`                 // nil = stats disabled
}

// BotConfig holds platform credentials and endpoints. Secrets come from
// the environment, never the config file.
type BotConfig struct {
	AppID     string `json:"app_id" yaml:"app_id"`          // Override: BOT_APPID env var.
	AppSecret string `json:"-" yaml:"-"`                    // BOT_APPSECRET env var only.
	Token     string `json:"-" yaml:"-"`                    // BOT_TOKEN env var only (legacy Bot auth).
	Transport string `json:"transport" yaml:"transport"`    // "gateway" (default) or "webhook".
	APIBase   string `json:"api_base" yaml:"api_base"`      // Default: https://api.sgroup.qq.com
	AuthURL   string `json:"auth_url" yaml:"auth_url"`      // Default: {api_base}/auth/token
}

// APIBaseURL returns the REST API base, defaulting to the public endpoint.
func (b *BotConfig) APIBaseURL() string {
	if b.APIBase != "" {
		return strings.TrimSuffix(b.APIBase, "/")
	}
	return defaultAPIBase
}

// TokenURL returns the token issuance endpoint.
func (b *BotConfig) TokenURL() string {
	if b.AuthURL != "" {
		return b.AuthURL
	}
	return b.APIBaseURL() + "/auth/token"
}

// SelectedTransport returns the configured transport, defaulting to gateway.
func (b *BotConfig) SelectedTransport() (Transport, error) {
	switch strings.ToLower(b.Transport) {
	case "", "gateway", "websocket":
		return TransportGateway, nil
	case "webhook":
		return TransportWebhook, nil
	default:
		return "", fmt.Errorf("unsupported transport %q (want gateway or webhook)", b.Transport)
	}
}

// GatewayConfig configures the persistent connection transport.
type GatewayConfig struct {
	URL                string `json:"url" yaml:"url"`                                   // Default: wss://api.sgroup.qq.com/websocket/
	Intents            int    `json:"intents" yaml:"intents"`                           // 0 = platform default set.
	ResumeWindowS      int    `json:"resume_window_s" yaml:"resume_window_s"`           // Default: 90.
	MaxBackoffS        int    `json:"max_backoff_s" yaml:"max_backoff_s"`               // Default: 60.
	HandshakeTimeoutS  int    `json:"handshake_timeout_s" yaml:"handshake_timeout_s"`   // Default: 15.
}

// GatewayURL returns the gateway endpoint, defaulting to the public one.
func (g *GatewayConfig) GatewayURL() string {
	if g.URL != "" {
		return g.URL
	}
	return "wss://api.sgroup.qq.com/websocket/"
}

// ResumeWindow returns how long a dropped session stays resumable.
func (g *GatewayConfig) ResumeWindow() time.Duration {
	if g.ResumeWindowS > 0 {
		return time.Duration(g.ResumeWindowS) * time.Second
	}
	return 90 * time.Second
}

// MaxBackoff caps the reconnect backoff delay.
func (g *GatewayConfig) MaxBackoff() time.Duration {
	if g.MaxBackoffS > 0 {
		return time.Duration(g.MaxBackoffS) * time.Second
	}
	return 60 * time.Second
}

// HandshakeTimeout bounds the Hello/Ready exchange on a fresh connection.
func (g *GatewayConfig) HandshakeTimeout() time.Duration {
	if g.HandshakeTimeoutS > 0 {
		return time.Duration(g.HandshakeTimeoutS) * time.Second
	}
	return 15 * time.Second
}

// WebhookConfig configures the HTTP callback transport.
type WebhookConfig struct {
	ListenAddr    string `json:"listen_addr" yaml:"listen_addr"`         // Default: ":8080".
	Path          string `json:"path" yaml:"path"`                       // Default: "/webhook/callback".
	MaxSkewS      int    `json:"max_skew_s" yaml:"max_skew_s"`           // Signature timestamp window. Default: 300.
	DedupeWindowS int    `json:"dedupe_window_s" yaml:"dedupe_window_s"` // Default: 300.
}

// Addr returns the bind address.
func (w *WebhookConfig) Addr() string {
	if w.ListenAddr != "" {
		return w.ListenAddr
	}
	return ":8080"
}

// CallbackPath returns the webhook path.
func (w *WebhookConfig) CallbackPath() string {
	if w.Path != "" {
		return w.Path
	}
	return "/webhook/callback"
}

// MaxSkew returns the accepted signature timestamp age.
func (w *WebhookConfig) MaxSkew() time.Duration {
	if w.MaxSkewS > 0 {
		return time.Duration(w.MaxSkewS) * time.Second
	}
	return 5 * time.Minute
}

// DedupeWindow returns the redelivery suppression window.
func (w *WebhookConfig) DedupeWindow() time.Duration {
	if w.DedupeWindowS > 0 {
		return time.Duration(w.DedupeWindowS) * time.Second
	}
	return 5 * time.Minute
}

// RouterConfig configures command matching and dispatch.
type RouterConfig struct {
	RequirePrefix    *bool           `json:"require_prefix,omitempty" yaml:"require_prefix,omitempty"` // nil = true: commands must start with "/".
	MaxConcurrent    int             `json:"max_concurrent" yaml:"max_concurrent"`                     // Global handler cap. Default: 32.
	HandlerTimeoutS  int             `json:"handler_timeout_s" yaml:"handler_timeout_s"`               // Default: 30.
	LaneBuffer       int             `json:"lane_buffer" yaml:"lane_buffer"`                           // Per-conversation queue depth. Default: 16.
	RateLimit        RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig bounds per-sender command throughput.
type RateLimitConfig struct {
	CommandsPerMinute int `json:"commands_per_minute" yaml:"commands_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// PrefixRequired reports whether bare command forms are rejected.
func (r *RouterConfig) PrefixRequired() bool {
	if r.RequirePrefix == nil {
		return true
	}
	return *r.RequirePrefix
}

// Concurrency returns the global handler cap.
func (r *RouterConfig) Concurrency() int {
	if r.MaxConcurrent > 0 {
		return r.MaxConcurrent
	}
	return 32
}

// HandlerTimeout bounds a single handler invocation.
func (r *RouterConfig) HandlerTimeout() time.Duration {
	if r.HandlerTimeoutS > 0 {
		return time.Duration(r.HandlerTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// LaneDepth returns the per-conversation queue depth.
func (r *RouterConfig) LaneDepth() int {
	if r.LaneBuffer > 0 {
		return r.LaneBuffer
	}
	return 16
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite next to the working directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: ./data/hiklqqbot.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default)
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: BOT_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800
}

// AdminAPIConfig configures the optional admin/status HTTP API.
type AdminAPIConfig struct {
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":9090".
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // key → operator name. Env: BOT_API_KEYS ("key:name,key:name").
}

// Addr returns the admin API bind address.
func (a *AdminAPIConfig) Addr() string {
	if a.ListenAddr != "" {
		return a.ListenAddr
	}
	return ":9090"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "hiklqqbot"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// StatsConfig configures command-usage accounting.
type StatsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	FlushSchedule string `json:"flush_schedule" yaml:"flush_schedule"` // cron spec. Default: "@every 1m".
}

// Schedule returns the flush cron spec.
func (s *StatsConfig) Schedule() string {
	if s.FlushSchedule != "" {
		return s.FlushSchedule
	}
	return "@every 1m"
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return "config.yaml"
}

// Load reads a YAML config file and applies environment overrides.
// A missing file is not an error: env vars alone can configure the bot.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env-only config
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BOT_APPID"); v != "" {
		cfg.Bot.AppID = v
	}
	if v := os.Getenv("BOT_APPSECRET"); v != "" {
		cfg.Bot.AppSecret = v
	}
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Bot.Token = v
	}
	if v := os.Getenv("BOT_TRANSPORT"); v != "" {
		cfg.Bot.Transport = v
	}
	if v := os.Getenv("WEBHOOK_LISTEN_ADDR"); v != "" {
		cfg.Webhook.ListenAddr = v
	}
	if v := os.Getenv("WEBHOOK_PATH"); v != "" {
		cfg.Webhook.Path = v
	}
	if v := os.Getenv("BOT_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("BOT_API_KEYS"); v != "" {
		if cfg.AdminAPI == nil {
			cfg.AdminAPI = &AdminAPIConfig{Enabled: true}
		}
		if cfg.AdminAPI.APIKeys == nil {
			cfg.AdminAPI.APIKeys = make(map[string]string)
		}
		for _, entry := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				cfg.AdminAPI.APIKeys[parts[0]] = parts[1]
			}
		}
	}
}

// Validate checks that required settings are present and coherent.
func (c *Config) Validate() error {
	var missing []string
	if c.Bot.AppID == "" {
		missing = append(missing, "BOT_APPID")
	}
	if c.Bot.AppSecret == "" {
		missing = append(missing, "BOT_APPSECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if _, err := c.Bot.SelectedTransport(); err != nil {
		return err
	}
	return nil
}
