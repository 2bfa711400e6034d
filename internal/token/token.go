// Package token manages the access-token lifecycle for outbound API
// calls. A cached token is reused until it approaches expiry; refreshes
// are single-flight so concurrent callers never race duplicate requests
// against the issuance endpoint.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hikl/hiklqqbot/internal/observability"
)

const (
	// refreshMargin is how close to expiry a cached token may get
	// before it is considered unusable on the wire.
	refreshMargin = 60 * time.Second

	defaultExpirySeconds = 7200
	maxRefreshAttempts   = 4
	baseRetryDelay       = 500 * time.Millisecond
)

// ErrRefreshExhausted is returned after the bounded retry budget for a
// refresh is spent. There is no valid fallback token; callers must
// treat this as fatal for the operation.
var ErrRefreshExhausted = errors.New("token refresh retries exhausted")

// Config configures the token manager.
type Config struct {
	AuthURL   string // token issuance endpoint
	AppID     string
	AppSecret string
}

// credential is the immutable snapshot readers observe. Swapped as a
// whole under the write lock so a partially-written token is never
// visible.
type credential struct {
	accessToken string
	expiresAt   time.Time
}

// Manager owns the shared credential. Single-writer, many-reader.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.MetricsCollector

	mu   sync.RWMutex
	cred credential

	group singleflight.Group
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches refresh outcome metrics.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// NewManager creates a token manager. The zero credential forces a
// refresh on first use.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetToken returns a currently-valid bearer token, refreshing
// transparently when the cached one is absent or inside the refresh
// margin. Concurrent callers during a refresh block on the same
// outcome.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred.accessToken != "" && m.now().Before(cred.expiresAt.Add(-refreshMargin)) {
		return cred.accessToken, nil
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a caller that queued behind the
		// winning refresh must not trigger a second one.
		m.mu.RLock()
		cur := m.cred
		m.mu.RUnlock()
		if cur.accessToken != "" && m.now().Before(cur.expiresAt.Add(-refreshMargin)) {
			return cur.accessToken, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AuthorizationHeader returns the value for the Authorization header.
func (m *Manager) AuthorizationHeader(ctx context.Context) (string, error) {
	tok, err := m.GetToken(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok, nil
}

// refresh calls the issuance endpoint with bounded retries and swaps
// the shared credential on success.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		tok, expiresIn, err := m.requestToken(ctx)
		if err == nil {
			m.mu.Lock()
			m.cred = credential{
				accessToken: tok,
				expiresAt:   m.now().Add(time.Duration(expiresIn) * time.Second),
			}
			m.mu.Unlock()

			if m.metrics != nil {
				m.metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()
			}
			m.logger.Info("access token refreshed",
				slog.Int("expires_in", expiresIn),
				slog.Int("attempt", attempt),
			)
			return tok, nil
		}
		lastErr = err
		if m.metrics != nil {
			m.metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		}

		if attempt < maxRefreshAttempts {
			delay := baseRetryDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			m.logger.Warn("token refresh failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
				slog.String("retry_in", delay.String()),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrRefreshExhausted, lastErr)
}

func (m *Manager) requestToken(ctx context.Context) (string, int, error) {
	body, err := json.Marshal(map[string]string{
		"appId":        m.cfg.AppID,
		"clientSecret": m.cfg.AppSecret,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, b)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   any    `json:"expires_in"` // platform has returned both string and number
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", 0, errors.New("token response missing access_token")
	}

	expiresIn := defaultExpirySeconds
	switch v := result.ExpiresIn.(type) {
	case float64:
		if v > 0 {
			expiresIn = int(v)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			expiresIn = n
		}
	}
	return result.AccessToken, expiresIn, nil
}

// SetHTTPClient overrides the HTTP client. Used by tests.
func (m *Manager) SetHTTPClient(c *http.Client) { m.httpClient = c }
