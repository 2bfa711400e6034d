package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BOT_APPID", "app-1")
	t.Setenv("BOT_APPSECRET", "secret-1")
}

func TestLoad_EnvOnly(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Bot.AppID != "app-1" {
		t.Errorf("app id = %q", cfg.Bot.AppID)
	}
	if cfg.Bot.AppSecret != "secret-1" {
		t.Errorf("app secret = %q", cfg.Bot.AppSecret)
	}

	transport, err := cfg.Bot.SelectedTransport()
	if err != nil {
		t.Fatalf("SelectedTransport error: %v", err)
	}
	if transport != TransportGateway {
		t.Errorf("transport = %q, want gateway default", transport)
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	t.Setenv("BOT_APPID", "")
	t.Setenv("BOT_APPSECRET", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOT_TRANSPORT", "webhook")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
bot:
  transport: gateway
  api_base: https://example.test
webhook:
  listen_addr: ":9999"
router:
  max_concurrent: 8
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	// Env wins over the file.
	transport, _ := cfg.Bot.SelectedTransport()
	if transport != TransportWebhook {
		t.Errorf("transport = %q, want webhook from env", transport)
	}
	if cfg.Bot.APIBaseURL() != "https://example.test" {
		t.Errorf("api base = %q", cfg.Bot.APIBaseURL())
	}
	if cfg.Webhook.Addr() != ":9999" {
		t.Errorf("webhook addr = %q", cfg.Webhook.Addr())
	}
	if cfg.Router.Concurrency() != 8 {
		t.Errorf("concurrency = %d", cfg.Router.Concurrency())
	}
}

func TestLoad_APIKeysFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOT_API_KEYS", "key-a:alice, key-b:bob")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AdminAPI == nil || !cfg.AdminAPI.Enabled {
		t.Fatal("admin api should be enabled by BOT_API_KEYS")
	}
	if cfg.AdminAPI.APIKeys["key-a"] != "alice" || cfg.AdminAPI.APIKeys["key-b"] != "bob" {
		t.Errorf("api keys = %v", cfg.AdminAPI.APIKeys)
	}
}

func TestSelectedTransport(t *testing.T) {
	tests := []struct {
		in      string
		want    Transport
		wantErr bool
	}{
		{"", TransportGateway, false},
		{"gateway", TransportGateway, false},
		{"websocket", TransportGateway, false},
		{"webhook", TransportWebhook, false},
		{"WEBHOOK", TransportWebhook, false},
		{"carrier-pigeon", "", true},
	}
	for _, tc := range tests {
		b := BotConfig{Transport: tc.in}
		got, err := b.SelectedTransport()
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: transport = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDefaults(t *testing.T) {
	var (
		b BotConfig
		g GatewayConfig
		w WebhookConfig
		r RouterConfig
	)

	if b.APIBaseURL() != "https://api.sgroup.qq.com" {
		t.Errorf("api base = %q", b.APIBaseURL())
	}
	if b.TokenURL() != "https://api.sgroup.qq.com/auth/token" {
		t.Errorf("token url = %q", b.TokenURL())
	}
	if g.GatewayURL() != "wss://api.sgroup.qq.com/websocket/" {
		t.Errorf("gateway url = %q", g.GatewayURL())
	}
	if g.ResumeWindow() != 90*time.Second {
		t.Errorf("resume window = %v", g.ResumeWindow())
	}
	if g.MaxBackoff() != 60*time.Second {
		t.Errorf("max backoff = %v", g.MaxBackoff())
	}
	if w.Addr() != ":8080" {
		t.Errorf("webhook addr = %q", w.Addr())
	}
	if w.CallbackPath() != "/webhook/callback" {
		t.Errorf("callback path = %q", w.CallbackPath())
	}
	if w.MaxSkew() != 5*time.Minute {
		t.Errorf("max skew = %v", w.MaxSkew())
	}
	if !r.PrefixRequired() {
		t.Error("prefix should be required by default")
	}
	if r.Concurrency() != 32 {
		t.Errorf("concurrency = %d", r.Concurrency())
	}
	if r.HandlerTimeout() != 30*time.Second {
		t.Errorf("handler timeout = %v", r.HandlerTimeout())
	}
	if r.LaneDepth() != 16 {
		t.Errorf("lane depth = %d", r.LaneDepth())
	}
}
