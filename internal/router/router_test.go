package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hikl/hiklqqbot/internal/config"
	"github.com/hikl/hiklqqbot/internal/event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeReplier collects replies for assertions.
type fakeReplier struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeReplier) Reply(_ context.Context, _ event.Event, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, content)
	return nil
}

func (f *fakeReplier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

func commandEvent(id, text string) event.Event {
	return event.Event{
		ID:             id,
		Kind:           event.KindGroupCommand,
		SenderID:       "u1",
		ConversationID: "g1",
		RawText:        text,
		Origin:         event.OriginGateway,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRegister_LastWins(t *testing.T) {
	r := New(nil, discardLogger())
	r.Register(Command{Name: "ping", Handler: func(context.Context, event.Event, string) (string, error) {
		return "first", nil
	}})
	r.Register(Command{Name: "Ping", Handler: func(context.Context, event.Event, string) (string, error) {
		return "second", nil
	}})

	cmd, ok := r.Lookup("ping")
	if !ok {
		t.Fatal("ping not found")
	}
	reply, err := cmd.Handler(context.Background(), event.Event{}, "")
	if err != nil || reply != "second" {
		t.Errorf("handler = %q, %v, want the re-registered one", reply, err)
	}
}

func TestCommands_SortedAndHidden(t *testing.T) {
	r := New(nil, discardLogger())
	noop := func(context.Context, event.Event, string) (string, error) { return "", nil }
	r.Register(Command{Name: "zeta", Handler: noop})
	r.Register(Command{Name: "alpha", Handler: noop})
	r.Register(Command{Name: "secret", Hidden: true, Handler: noop})

	cmds := r.Commands()
	if len(cmds) != 3 {
		t.Fatalf("commands = %d, want 3", len(cmds))
	}
	if cmds[0].Name != "alpha" || cmds[2].Name != "zeta" {
		t.Errorf("order = %s,%s,%s", cmds[0].Name, cmds[1].Name, cmds[2].Name)
	}
}

func TestParse_PrefixPolicy(t *testing.T) {
	noPrefix := false
	strict := New(&config.RouterConfig{}, discardLogger())
	relaxed := New(&config.RouterConfig{RequirePrefix: &noPrefix}, discardLogger())

	tests := []struct {
		router   *Router
		text     string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{strict, "/ping", "ping", "", true},
		{strict, "/admin add u2", "admin", "add u2", true},
		{strict, "ping", "", "", false},
		{strict, "", "", "", false},
		{strict, "/", "", "", false},
		{relaxed, "ping", "ping", "", true},
		{relaxed, "/ping", "ping", "", true},
	}
	for _, tc := range tests {
		name, args, ok := tc.router.parse(tc.text)
		if ok != tc.wantOK || name != tc.wantName || args != tc.wantArgs {
			t.Errorf("parse(%q) = %q, %q, %v; want %q, %q, %v",
				tc.text, name, args, ok, tc.wantName, tc.wantArgs, tc.wantOK)
		}
	}
}

func TestDispatch_RunsHandlerAndReplies(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	defer r.Close(context.Background())

	r.Register(Command{Name: "ping", Handler: func(_ context.Context, _ event.Event, args string) (string, error) {
		return "pong", nil
	}})

	r.Dispatch(commandEvent("e1", "/ping"))
	waitFor(t, func() bool { return len(fr.all()) == 1 })
	if got := fr.all()[0]; got != "pong" {
		t.Errorf("reply = %q, want pong", got)
	}
}

func TestDispatch_SameConversationFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string

	r := New(nil, discardLogger())
	defer r.Close(context.Background())

	r.Register(Command{Name: "echo", Handler: func(_ context.Context, ev event.Event, args string) (string, error) {
		// Stagger early events so out-of-order execution would show up.
		if args == "0" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, args)
		mu.Unlock()
		return "", nil
	}})

	for i := 0; i < 5; i++ {
		r.Dispatch(commandEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("/echo %d", i)))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if want := fmt.Sprintf("%d", i); got != want {
			t.Fatalf("order[%d] = %q, want %q (conversation must be FIFO)", i, got, want)
		}
	}
}

func TestDispatch_UnknownCommandNoFallback(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	defer r.Close(context.Background())

	r.Dispatch(commandEvent("e1", "/nosuch"))

	// Give the lane a moment; nothing should be sent.
	time.Sleep(50 * time.Millisecond)
	if got := fr.all(); len(got) != 0 {
		t.Errorf("replies = %v, want none", got)
	}
}

func TestDispatch_Fallback(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr), WithFallback(
		func(_ context.Context, _ event.Event, args string) (string, error) {
			return "fallback:" + args, nil
		},
	))
	defer r.Close(context.Background())

	r.Dispatch(commandEvent("e1", "/nosuch"))
	waitFor(t, func() bool { return len(fr.all()) == 1 })
	if got := fr.all()[0]; got != "fallback:/nosuch" {
		t.Errorf("reply = %q", got)
	}
}

func TestDispatch_HandlerErrorRepliesFailure(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	defer r.Close(context.Background())

	r.Register(Command{Name: "boom", Handler: func(context.Context, event.Event, string) (string, error) {
		return "", errors.New("backend down")
	}})

	r.Dispatch(commandEvent("e1", "/boom"))
	waitFor(t, func() bool { return len(fr.all()) == 1 })
	if got := fr.all()[0]; got != replyFailure {
		t.Errorf("reply = %q, want the failure text", got)
	}
}

func TestDispatch_PanicRecovered(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	defer r.Close(context.Background())

	r.Register(Command{Name: "panic", Handler: func(context.Context, event.Event, string) (string, error) {
		panic("kaboom")
	}})
	r.Register(Command{Name: "ping", Handler: func(context.Context, event.Event, string) (string, error) {
		return "pong", nil
	}})

	r.Dispatch(commandEvent("e1", "/panic"))
	// The lane survives the panic and keeps serving.
	r.Dispatch(commandEvent("e2", "/ping"))

	waitFor(t, func() bool { return len(fr.all()) == 2 })
	got := fr.all()
	if got[0] != replyFailure || got[1] != "pong" {
		t.Errorf("replies = %v", got)
	}
}

func TestDispatch_AdminOnlyDenied(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	defer r.Close(context.Background())

	r.Register(Command{Name: "admin", AdminOnly: true, Handler: func(context.Context, event.Event, string) (string, error) {
		return "should not run", nil
	}})

	r.Dispatch(commandEvent("e1", "/admin add u2"))
	waitFor(t, func() bool { return len(fr.all()) == 1 })
	if got := fr.all()[0]; got != replyNoPermit {
		t.Errorf("reply = %q, want the permission text", got)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	fr := &fakeReplier{}
	cfg := &config.RouterConfig{
		RateLimit: config.RateLimitConfig{CommandsPerMinute: 60, BurstSize: 1},
	}
	r := New(cfg, discardLogger(), WithReplier(fr))
	defer r.Close(context.Background())

	r.Register(Command{Name: "ping", Handler: func(context.Context, event.Event, string) (string, error) {
		return "pong", nil
	}})

	r.Dispatch(commandEvent("e1", "/ping"))
	r.Dispatch(commandEvent("e2", "/ping"))

	waitFor(t, func() bool { return len(fr.all()) == 2 })
	got := fr.all()
	if got[0] != "pong" || got[1] != replyRateLimited {
		t.Errorf("replies = %v", got)
	}
}

func TestDispatch_IdleLanesEvicted(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	r.laneIdle = 30 * time.Millisecond
	defer r.Close(context.Background())

	r.Register(Command{Name: "ping", Handler: func(context.Context, event.Event, string) (string, error) {
		return "pong", nil
	}})

	r.Dispatch(commandEvent("e1", "/ping"))
	waitFor(t, func() bool { return len(fr.all()) == 1 })

	// The lane consumer tears itself down once the queue sits empty.
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.lanes) == 0
	})

	// A later event for the same conversation gets a fresh lane.
	r.Dispatch(commandEvent("e2", "/ping"))
	waitFor(t, func() bool { return len(fr.all()) == 2 })
}

func TestDispatch_AfterCloseDropped(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	r.Register(Command{Name: "ping", Handler: func(context.Context, event.Event, string) (string, error) {
		return "pong", nil
	}})

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r.Dispatch(commandEvent("e1", "/ping"))

	time.Sleep(50 * time.Millisecond)
	if got := fr.all(); len(got) != 0 {
		t.Errorf("replies after close = %v, want none", got)
	}
}

func TestClose_WaitsForInflight(t *testing.T) {
	done := make(chan struct{})
	release := make(chan struct{})

	r := New(nil, discardLogger())
	r.Register(Command{Name: "slow", Handler: func(context.Context, event.Event, string) (string, error) {
		<-release
		close(done)
		return "", nil
	}})

	r.Dispatch(commandEvent("e1", "/slow"))
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-done:
	default:
		t.Error("Close returned before the in-flight handler finished")
	}
}

func TestDispatch_TracedCommand(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	r.tracer = tp.Tracer("test")
	defer r.Close(context.Background())

	r.Register(Command{Name: "ping", Handler: func(context.Context, event.Event, string) (string, error) {
		return "pong", nil
	}})

	r.Dispatch(commandEvent("e1", "/ping"))
	waitFor(t, func() bool { return len(fr.all()) == 1 })
	waitFor(t, func() bool { return len(exp.GetSpans()) == 1 })

	span := exp.GetSpans()[0]
	if span.Name != "router.dispatch" {
		t.Errorf("span name = %q, want router.dispatch", span.Name)
	}
	var command string
	for _, attr := range span.Attributes {
		if string(attr.Key) == "command.name" {
			command = attr.Value.AsString()
		}
	}
	if command != "ping" {
		t.Errorf("command attribute = %q, want ping", command)
	}
}

func TestOnNotice_HooksRun(t *testing.T) {
	fr := &fakeReplier{}
	r := New(nil, discardLogger(), WithReplier(fr))
	defer r.Close(context.Background())

	r.OnNotice(event.KindRobotAdded, func(_ context.Context, ev event.Event, _ string) (string, error) {
		return "欢迎使用", nil
	})

	r.Dispatch(event.Event{
		ID:             "n1",
		Kind:           event.KindRobotAdded,
		ConversationID: "g1",
		Origin:         event.OriginWebhook,
	})

	waitFor(t, func() bool { return len(fr.all()) == 1 })
	if got := fr.all()[0]; got != "欢迎使用" {
		t.Errorf("reply = %q", got)
	}
}
