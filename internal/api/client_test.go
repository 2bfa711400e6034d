package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/hikl/hiklqqbot/internal/event"
	"github.com/hikl/hiklqqbot/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticAuth struct{}

func (staticAuth) AuthorizationHeader(context.Context) (string, error) {
	return "Bearer tok-1", nil
}

type recordedRequest struct {
	path string
	auth string
	body map[string]any
}

// apiServer records every request and answers 200.
func apiServer(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, recordedRequest{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestSendGroupMessage(t *testing.T) {
	srv, requests := apiServer(t)
	c := NewClient(srv.URL, staticAuth{}, discardLogger())

	if err := c.SendGroupMessage(context.Background(), "g1", "pong", "m1"); err != nil {
		t.Fatalf("SendGroupMessage: %v", err)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.path != "/v2/groups/g1/messages" {
		t.Errorf("path = %q", r.path)
	}
	if r.auth != "Bearer tok-1" {
		t.Errorf("authorization = %q", r.auth)
	}
	if r.body["content"] != "pong" || r.body["msg_type"] != float64(0) || r.body["msg_id"] != "m1" {
		t.Errorf("body = %v", r.body)
	}
}

func TestSendChannelMessage_NoMsgType(t *testing.T) {
	srv, requests := apiServer(t)
	c := NewClient(srv.URL, staticAuth{}, discardLogger())

	if err := c.SendChannelMessage(context.Background(), "ch1", "hello", ""); err != nil {
		t.Fatalf("SendChannelMessage: %v", err)
	}

	r := requests()[0]
	if r.path != "/channels/ch1/messages" {
		t.Errorf("path = %q", r.path)
	}
	// Channel messages carry no msg_type and omit empty msg_id.
	if _, ok := r.body["msg_type"]; ok {
		t.Error("channel message must not carry msg_type")
	}
	if _, ok := r.body["msg_id"]; ok {
		t.Error("empty msg_id must be omitted")
	}
}

func TestReply_RoutesByKind(t *testing.T) {
	srv, requests := apiServer(t)
	c := NewClient(srv.URL, staticAuth{}, discardLogger())
	ctx := context.Background()

	tests := []struct {
		ev       event.Event
		wantPath string
	}{
		{
			event.Event{Kind: event.KindGroupCommand, ConversationID: "g1", MessageID: "m1"},
			"/v2/groups/g1/messages",
		},
		{
			event.Event{Kind: event.KindGroupCommand, ConversationID: "ch2", GuildID: "gd1", MessageID: "m5"},
			"/channels/ch2/messages",
		},
		{
			event.Event{Kind: event.KindSingleChatCommand, ConversationID: "u1", MessageID: "m2"},
			"/v2/users/u1/messages",
		},
		{
			event.Event{Kind: event.KindDirectCommand, ConversationID: "ch1", MessageID: "m3"},
			"/channels/ch1/messages",
		},
		{
			event.Event{Kind: event.KindDirectCommand, ConversationID: "ch1", GuildID: "gd1", MessageID: "m4"},
			"/dms/gd1/messages",
		},
	}
	for i, tc := range tests {
		if err := c.Reply(ctx, tc.ev, "hi"); err != nil {
			t.Fatalf("Reply #%d: %v", i, err)
		}
	}

	reqs := requests()
	if len(reqs) != len(tests) {
		t.Fatalf("requests = %d, want %d", len(reqs), len(tests))
	}
	for i, tc := range tests {
		if reqs[i].path != tc.wantPath {
			t.Errorf("request #%d path = %q, want %q", i, reqs[i].path, tc.wantPath)
		}
	}
}

func TestReply_UnsupportedKind(t *testing.T) {
	c := NewClient("http://unused", staticAuth{}, discardLogger())
	err := c.Reply(context.Background(), event.Event{Kind: event.KindReady}, "hi")
	if err == nil {
		t.Fatal("lifecycle events have no reply surface")
	}
}

func TestPost_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid msg_id"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticAuth{}, discardLogger())
	err := c.SendGroupMessage(context.Background(), "g1", "pong", "stale")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if apiErr.Body == "" {
		t.Error("error body should carry the platform message")
	}
}

func TestPost_MetricsUseEndpointKind(t *testing.T) {
	srv, _ := apiServer(t)
	m := observability.NewMetricsCollector()
	c := NewClient(srv.URL, staticAuth{}, discardLogger(), WithMetrics(m))
	ctx := context.Background()

	// Many conversations, two endpoint kinds. The counter must stay at
	// two label sets — per-conversation paths would grow one series per
	// group or user ever messaged.
	for _, g := range []string{"g1", "g2", "g3"} {
		if err := c.SendGroupMessage(ctx, g, "pong", ""); err != nil {
			t.Fatalf("SendGroupMessage(%s): %v", g, err)
		}
	}
	if err := c.SendUserMessage(ctx, "u1", "pong", ""); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	var requests *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "hiklqqbot_api_requests_total" {
			requests = f
		}
	}
	if requests == nil {
		t.Fatal("api requests counter not gathered")
	}
	if len(requests.Metric) != 2 {
		t.Fatalf("label sets = %d, want 2 (one per endpoint kind)", len(requests.Metric))
	}
	counts := map[string]float64{}
	for _, metric := range requests.Metric {
		for _, l := range metric.Label {
			if l.GetName() == "endpoint" {
				counts[l.GetValue()] = metric.Counter.GetValue()
			}
		}
	}
	if counts["group_message"] != 3 || counts["user_message"] != 1 {
		t.Errorf("endpoint counts = %v, want group_message=3 user_message=1", counts)
	}
}

type failingAuth struct{}

func (failingAuth) AuthorizationHeader(context.Context) (string, error) {
	return "", errors.New("token endpoint unreachable")
}

func TestPost_TokenFailure(t *testing.T) {
	srv, requests := apiServer(t)
	c := NewClient(srv.URL, failingAuth{}, discardLogger())

	if err := c.SendGroupMessage(context.Background(), "g1", "pong", ""); err == nil {
		t.Fatal("expected token acquisition error")
	}
	if len(requests()) != 0 {
		t.Error("no request should be sent without a token")
	}
}
