// Package router dispatches normalized events to command handlers.
// Events from the same conversation run strictly in order on a
// dedicated lane; a weighted semaphore caps how many handlers run at
// once across all lanes.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/hikl/hiklqqbot/internal/admin"
	"github.com/hikl/hiklqqbot/internal/blacklist"
	"github.com/hikl/hiklqqbot/internal/config"
	"github.com/hikl/hiklqqbot/internal/event"
	"github.com/hikl/hiklqqbot/internal/observability"
	"github.com/hikl/hiklqqbot/internal/ratelimit"
	"github.com/hikl/hiklqqbot/internal/stats"
)

// Replier sends a text reply back to the conversation an event came
// from. Implemented by api.Client.
type Replier interface {
	Reply(ctx context.Context, ev event.Event, content string) error
}

// User-facing reply texts.
const (
	replyFailure     = "出错了，请稍后再试"
	replyUnknown     = "未知命令，发送 /help 查看可用命令"
	replyRateLimited = "操作太频繁了，请稍后再试"
	replyMaintenance = "系统维护中，暂时无法使用"
	replyNoPermit    = "此命令仅限管理员使用"
)

// defaultLaneIdle is how long a conversation lane may sit empty before
// its consumer goroutine is torn down. C2C events key lanes by sender,
// so without eviction the lane map grows with every user ever seen.
const defaultLaneIdle = 5 * time.Minute

// Router owns the command registry and the dispatch pipeline.
type Router struct {
	cfg      *config.RouterConfig
	logger   *slog.Logger
	registry *registry

	replier Replier
	admins  *admin.Manager
	blocked *blacklist.Manager
	limiter *ratelimit.Limiter
	stats   *stats.Recorder
	metrics *observability.MetricsCollector
	tracer  trace.Tracer

	// fallback runs for command events no registered command matches.
	fallback Handler

	// noticeHooks run for non-command lifecycle events, keyed by kind.
	noticeHooks map[event.Kind][]Handler

	sem      *semaphore.Weighted
	laneIdle time.Duration

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithReplier sets the outbound reply client.
func WithReplier(r Replier) Option {
	return func(rt *Router) { rt.replier = r }
}

// WithAdmins enables the maintenance gate and admin-only commands.
func WithAdmins(m *admin.Manager) Option {
	return func(rt *Router) { rt.admins = m }
}

// WithBlacklist drops events from blocked senders and conversations.
func WithBlacklist(m *blacklist.Manager) Option {
	return func(rt *Router) { rt.blocked = m }
}

// WithStats records per-command usage counters.
func WithStats(s *stats.Recorder) Option {
	return func(rt *Router) { rt.stats = s }
}

// WithMetrics attaches dispatch metrics.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(rt *Router) { rt.metrics = m }
}

// WithTracer attaches a span around every command dispatch. A nil
// setup disables tracing.
func WithTracer(ts *observability.TracerSetup) Option {
	return func(rt *Router) {
		if ts != nil {
			rt.tracer = ts.Tracer()
		}
	}
}

// WithFallback sets the handler for unmatched command events.
func WithFallback(h Handler) Option {
	return func(rt *Router) { rt.fallback = h }
}

// New creates a Router from config.
func New(cfg *config.RouterConfig, logger *slog.Logger, opts ...Option) *Router {
	if cfg == nil {
		cfg = &config.RouterConfig{}
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		registry: newRegistry(),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			CommandsPerMinute: cfg.RateLimit.CommandsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		}),
		noticeHooks: make(map[event.Kind][]Handler),
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency())),
		laneIdle:    defaultLaneIdle,
		lanes:       make(map[string]*lane),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnNotice registers a hook for a non-command lifecycle event kind.
// Multiple hooks per kind run in registration order.
func (r *Router) OnNotice(kind event.Kind, h Handler) {
	r.noticeHooks[kind] = append(r.noticeHooks[kind], h)
}

// lane is a per-conversation FIFO queue with a single consumer
// goroutine, guaranteeing in-order handling within a conversation.
type lane struct {
	ch chan event.Event
}

// Dispatch enqueues an event for processing. It never blocks the
// transport: when a conversation's lane is full the event is dropped
// and counted. Events arriving after Close are dropped.
func (r *Router) Dispatch(ev event.Event) {
	if r.metrics != nil {
		r.metrics.EventsReceivedTotal.WithLabelValues(string(ev.Kind), string(ev.Origin)).Inc()
	}

	if r.blocked != nil && r.blocked.Blocked(ev.SenderID, ev.ConversationID) {
		r.drop(ev, "blacklisted")
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.drop(ev, "shutdown")
		return
	}
	key := ev.ConversationID
	if key == "" {
		key = ev.SenderID
	}
	ln, ok := r.lanes[key]
	if !ok {
		ln = &lane{ch: make(chan event.Event, r.cfg.LaneDepth())}
		r.lanes[key] = ln
		r.wg.Add(1)
		go r.runLane(key, ln)
	}
	// The enqueue happens under the lock so idle eviction cannot race a
	// send into a lane it is about to remove. Non-blocking either way.
	var full bool
	select {
	case ln.ch <- ev:
	default:
		full = true
	}
	r.mu.Unlock()

	if full {
		r.drop(ev, "lane_full")
	}
}

func (r *Router) drop(ev event.Event, reason string) {
	if r.metrics != nil {
		r.metrics.EventsDroppedTotal.WithLabelValues(reason).Inc()
	}
	r.logger.Debug("event dropped",
		slog.String("event_id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.String("reason", reason),
	)
}

// Close stops accepting events and waits for in-flight handlers to
// finish or ctx to expire.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, ln := range r.lanes {
		close(ln.ch)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLane drains one conversation's queue in order. A lane that sits
// empty past laneIdle removes itself from the map and exits; the next
// event for that conversation starts a fresh lane.
func (r *Router) runLane(key string, ln *lane) {
	defer r.wg.Done()
	idle := time.NewTimer(r.laneIdle)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-ln.ch:
			if !ok {
				return
			}
			r.process(ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.laneIdle)
		case <-idle.C:
			r.mu.Lock()
			if len(ln.ch) > 0 || r.closed {
				// An enqueue raced the timer, or Close owns teardown now.
				r.mu.Unlock()
				idle.Reset(r.laneIdle)
				continue
			}
			delete(r.lanes, key)
			r.mu.Unlock()
			return
		}
	}
}

func (r *Router) process(ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HandlerTimeout())
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.drop(ev, "concurrency_timeout")
		return
	}
	defer r.sem.Release(1)

	if r.metrics != nil {
		r.metrics.ActiveHandlers.Inc()
		defer r.metrics.ActiveHandlers.Dec()
	}

	if ev.IsCommand() {
		r.processCommand(ctx, ev)
		return
	}
	r.processNotice(ctx, ev)
}

func (r *Router) processNotice(ctx context.Context, ev event.Event) {
	hooks := r.noticeHooks[ev.Kind]
	if len(hooks) == 0 {
		r.logger.Debug("lifecycle event",
			slog.String("kind", string(ev.Kind)),
			slog.String("conversation", ev.ConversationID),
		)
		return
	}
	for _, h := range hooks {
		reply, err := r.invoke(ctx, h, ev, "")
		if err != nil {
			r.logger.Error("notice hook failed",
				slog.String("kind", string(ev.Kind)),
				slog.Any("error", err),
			)
			continue
		}
		r.send(ctx, ev, reply)
	}
}

func (r *Router) processCommand(ctx context.Context, ev event.Event) {
	name, args, ok := r.parse(ev.RawText)
	if !ok {
		// Not in command form. Plain chat messages are ignored unless a
		// fallback is installed.
		r.runFallback(ctx, ev)
		return
	}

	cmd, found := r.Lookup(name)
	if !found {
		r.runFallback(ctx, ev)
		return
	}
	key := normalizeName(cmd.Name)

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "router.dispatch",
			trace.WithAttributes(
				attribute.String("command.name", key),
				attribute.String("event.kind", string(ev.Kind)),
				attribute.String("event.origin", string(ev.Origin)),
			))
		defer span.End()
	}

	if r.admins != nil && !r.admins.CanAccess(ev.SenderID) {
		r.send(ctx, ev, replyMaintenance)
		r.drop(ev, "maintenance")
		return
	}
	if cmd.AdminOnly && (r.admins == nil || !r.admins.IsAdmin(ev.SenderID)) {
		r.send(ctx, ev, replyNoPermit)
		r.record(key, ev, true)
		return
	}
	if err := r.limiter.Allow(ev.SenderID); err != nil {
		r.send(ctx, ev, replyRateLimited)
		r.drop(ev, "rate_limited")
		return
	}

	start := time.Now()
	reply, err := r.invoke(ctx, cmd.Handler, ev, args)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.DispatchesTotal.WithLabelValues(key, status).Inc()
		r.metrics.HandlerDuration.WithLabelValues(key).Observe(elapsed.Seconds())
	}
	r.record(key, ev, err != nil)

	if err != nil {
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.logger.Error("command failed",
			slog.String("command", key),
			slog.String("event_id", ev.ID),
			slog.String("sender", ev.SenderID),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		r.send(ctx, ev, replyFailure)
		return
	}

	r.logger.Info("command handled",
		slog.String("command", key),
		slog.String("event_id", ev.ID),
		slog.String("sender", ev.SenderID),
		slog.Duration("elapsed", elapsed),
	)
	r.send(ctx, ev, reply)
}

func (r *Router) runFallback(ctx context.Context, ev event.Event) {
	if r.fallback == nil {
		r.drop(ev, "no_handler")
		return
	}
	reply, err := r.invoke(ctx, r.fallback, ev, ev.RawText)
	if err != nil {
		r.logger.Error("fallback handler failed", slog.Any("error", err))
		return
	}
	r.send(ctx, ev, reply)
}

// parse splits text into command name and argument rest. With the
// prefix policy on, only slash-prefixed text is a command.
func (r *Router) parse(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", false
	}
	if strings.HasPrefix(text, "/") {
		text = text[1:]
	} else if r.cfg.PrefixRequired() {
		return "", "", false
	}

	name, args, _ = strings.Cut(text, " ")
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

// invoke runs h with panic recovery. A panicking handler yields an
// error instead of taking down the process.
func (r *Router) invoke(ctx context.Context, h Handler, ev event.Event, args string) (reply string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				slog.Any("panic", rec),
				slog.String("event_id", ev.ID),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	reply, err = h(ctx, ev, args)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("handler deadline exceeded: %w", ctx.Err())
	}
	return reply, err
}

func (r *Router) record(command string, ev event.Event, failed bool) {
	if r.stats != nil {
		r.stats.RecordCommand(command, ev.SenderID, ev.ConversationID, failed)
	}
}

func (r *Router) send(ctx context.Context, ev event.Event, content string) {
	if content == "" || r.replier == nil {
		return
	}
	// Replies may outlive the handler deadline; give them their own
	// short budget when the handler consumed the whole one.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := r.replier.Reply(ctx, ev, content); err != nil {
		r.logger.Error("sending reply failed",
			slog.String("event_id", ev.ID),
			slog.Any("error", err),
		)
	}
}
