// Package api is the outbound client for the QQ bot open API. It sends
// text replies to the four conversation surfaces (group, single chat,
// guild channel, guild direct message) with Bearer authentication from
// the token manager.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hikl/hiklqqbot/internal/event"
	"github.com/hikl/hiklqqbot/internal/observability"
)

const defaultRequestTimeout = 10 * time.Second

// msgTypeText is the platform's wire code for a plain text message.
const msgTypeText = 0

// TokenSource supplies the Authorization header value for API calls.
// Implemented by token.Manager.
type TokenSource interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

// Client talks to the QQ open API.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics attaches request metrics.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer attaches a span around every outbound call. A nil setup
// disables tracing.
func WithTracer(ts *observability.TracerSetup) Option {
	return func(c *Client) {
		if ts != nil {
			c.tracer = ts.Tracer()
		}
	}
}

// NewClient creates a Client against baseURL (no trailing slash).
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		tokens:  tokens,
		logger:  logger,
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API returned %d: %s", e.StatusCode, e.Body)
}

type groupMessage struct {
	Content string `json:"content"`
	MsgType int    `json:"msg_type"`
	MsgID   string `json:"msg_id,omitempty"`
}

type channelMessage struct {
	Content string `json:"content"`
	MsgID   string `json:"msg_id,omitempty"`
}

// SendGroupMessage sends text to a group chat. msgID, when set, threads
// the message as a passive reply to that inbound message.
func (c *Client) SendGroupMessage(ctx context.Context, groupOpenID, content, msgID string) error {
	path := fmt.Sprintf("/v2/groups/%s/messages", groupOpenID)
	return c.post(ctx, "group_message", path, groupMessage{Content: content, MsgType: msgTypeText, MsgID: msgID})
}

// SendUserMessage sends text to a single (C2C) chat.
func (c *Client) SendUserMessage(ctx context.Context, userOpenID, content, msgID string) error {
	path := fmt.Sprintf("/v2/users/%s/messages", userOpenID)
	return c.post(ctx, "user_message", path, groupMessage{Content: content, MsgType: msgTypeText, MsgID: msgID})
}

// SendChannelMessage sends text to a guild channel.
func (c *Client) SendChannelMessage(ctx context.Context, channelID, content, msgID string) error {
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	return c.post(ctx, "channel_message", path, channelMessage{Content: content, MsgID: msgID})
}

// SendDirectMessage sends text to a guild direct-message session.
func (c *Client) SendDirectMessage(ctx context.Context, guildID, content, msgID string) error {
	path := fmt.Sprintf("/dms/%s/messages", guildID)
	return c.post(ctx, "direct_message", path, channelMessage{Content: content, MsgID: msgID})
}

// Reply routes a text reply back to the conversation an event came
// from, picking the endpoint from the event kind and threading it onto
// the triggering message when the platform supports that.
func (c *Client) Reply(ctx context.Context, ev event.Event, content string) error {
	switch ev.Kind {
	case event.KindGroupCommand:
		// Guild channel @-messages carry a guild id; group chats do not.
		if ev.GuildID != "" {
			return c.SendChannelMessage(ctx, ev.ConversationID, content, ev.MessageID)
		}
		return c.SendGroupMessage(ctx, ev.ConversationID, content, ev.MessageID)
	case event.KindSingleChatCommand:
		return c.SendUserMessage(ctx, ev.ConversationID, content, ev.MessageID)
	case event.KindDirectCommand:
		if ev.GuildID != "" {
			return c.SendDirectMessage(ctx, ev.GuildID, content, ev.MessageID)
		}
		return c.SendChannelMessage(ctx, ev.ConversationID, content, ev.MessageID)
	default:
		return fmt.Errorf("no reply surface for event kind %q", ev.Kind)
	}
}

// post wraps doPost with metrics and tracing. endpoint is the static
// endpoint kind; paths carry per-conversation ids and would blow up
// metric label cardinality.
func (c *Client) post(ctx context.Context, endpoint, path string, payload any) error {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "api.send",
			trace.WithAttributes(attribute.String("api.endpoint", endpoint)))
		defer span.End()
	}

	start := time.Now()
	err := c.doPost(ctx, path, payload)
	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.APIRequestsTotal.WithLabelValues(endpoint, status).Inc()
		c.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil && c.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) doPost(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	auth, err := c.tokens.AuthorizationHeader(ctx)
	if err != nil {
		return fmt.Errorf("acquiring access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("platform API call failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return nil
}
