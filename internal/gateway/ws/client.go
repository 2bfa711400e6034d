// Package ws implements the persistent websocket transport. One
// connection at a time: dial, Hello, Identify or Resume, then a read
// loop with server-paced heartbeats. Connection loss surfaces as an
// error from Start so the supervisor can restart with backoff.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/hikl/hiklqqbot/internal/config"
	"github.com/hikl/hiklqqbot/internal/dedupe"
	"github.com/hikl/hiklqqbot/internal/event"
	"github.com/hikl/hiklqqbot/internal/gateway"
	"github.com/hikl/hiklqqbot/internal/observability"
	"github.com/hikl/hiklqqbot/internal/protocol"
)

// State is the connection lifecycle phase, for logs and health checks.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateResuming:
		return "resuming"
	default:
		return "disconnected"
	}
}

// TokenSource supplies a valid access token for the identify handshake.
// Implemented by token.Manager.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Dispatcher receives normalized events. Implemented by router.Router.
type Dispatcher interface {
	Dispatch(ev event.Event)
}

// session is what survives a dropped connection and allows a resume.
type session struct {
	id        string
	seq       int64
	droppedAt time.Time
}

// Client is the websocket gateway transport.
type Client struct {
	cfg     *config.GatewayConfig
	bot     config.BotConfig
	tokens  TokenSource
	sink    Dispatcher
	seen    *dedupe.Cache
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	state atomic.Int32

	mu   sync.Mutex
	sess session
	conn *websocket.Conn
}

var _ gateway.Gateway = (*Client)(nil)

// NewClient creates a gateway client. sink receives every normalized
// event the connection delivers.
func NewClient(cfg *config.GatewayConfig, bot config.BotConfig, tokens TokenSource, sink Dispatcher, logger *slog.Logger, metrics *observability.MetricsCollector) *Client {
	return &Client{
		cfg:     cfg,
		bot:     bot,
		tokens:  tokens,
		sink:    sink,
		seen:    dedupe.New(dedupe.DefaultWindow),
		logger:  logger,
		metrics: metrics,
	}
}

// State returns the current connection phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		if s == StateConnected {
			c.metrics.GatewayConnected.Set(1)
		} else {
			c.metrics.GatewayConnected.Set(0)
		}
	}
}

// Start runs one connection lifecycle and blocks until the connection
// drops or ctx is canceled. Session state survives between calls so a
// restart within the resume window resumes instead of re-identifying.
func (c *Client) Start(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		if c.sess.id != "" && c.sess.droppedAt.IsZero() {
			c.sess.droppedAt = time.Now()
		}
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}()

	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout())
	conn, _, err := websocket.Dial(dialCtx, c.cfg.GatewayURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	// Dispatch frames for busy guilds can exceed the default limit.
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	hello, err := c.readHello(ctx, conn)
	if err != nil {
		return err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 45 * time.Second
	}

	c.setState(StateAuthenticating)
	resuming, err := c.authenticate(ctx, conn)
	if err != nil {
		return err
	}
	if resuming {
		c.setState(StateResuming)
	}

	// Heartbeats run on their own goroutine; a missed ack closes the
	// connection, which unblocks the read loop below.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	var acked atomic.Bool
	acked.Store(true)
	go c.heartbeatLoop(hbCtx, conn, interval, &acked)

	return c.readLoop(ctx, conn, &acked)
}

// Stop closes the active connection gracefully.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}

func (c *Client) readHello(ctx context.Context, conn *websocket.Conn) (*protocol.HelloData, error) {
	helloCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout())
	defer cancel()

	p, err := c.read(helloCtx, conn)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if p.Op != protocol.OpHello {
		return nil, fmt.Errorf("expected hello frame, got op %d", p.Op)
	}
	var hello protocol.HelloData
	if err := p.Decode(&hello); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	return &hello, nil
}

// authenticate sends Resume when a recent session exists, Identify
// otherwise. Reports whether a resume was attempted.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) (bool, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess.id != "" && !sess.droppedAt.IsZero() && time.Since(sess.droppedAt) <= c.cfg.ResumeWindow() {
		tok, err := c.identifyToken(ctx)
		if err != nil {
			return false, err
		}
		p, err := protocol.NewPayload(protocol.OpResume, protocol.ResumeData{
			Token:     tok,
			SessionID: sess.id,
			Seq:       sess.seq,
		})
		if err != nil {
			return false, err
		}
		if err := c.write(ctx, conn, p); err != nil {
			return false, fmt.Errorf("sending resume: %w", err)
		}
		c.logger.Info("resuming gateway session",
			slog.String("session_id", sess.id),
			slog.Int64("seq", sess.seq),
		)
		return true, nil
	}

	return false, c.identify(ctx, conn)
}

func (c *Client) identify(ctx context.Context, conn *websocket.Conn) error {
	tok, err := c.identifyToken(ctx)
	if err != nil {
		return err
	}
	intents := c.cfg.Intents
	if intents == 0 {
		intents = protocol.DefaultIntents
	}
	p, err := protocol.NewPayload(protocol.OpIdentify, protocol.IdentifyData{
		Token:   tok,
		Intents: intents,
		Shard:   []int{0, 1},
		Properties: map[string]string{
			"$os":      "linux",
			"$browser": "hiklqqbot",
			"$device":  "hiklqqbot",
		},
	})
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, p); err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}
	return nil
}

// identifyToken prefers the legacy static token when configured and
// falls back to a fresh OAuth access token.
func (c *Client) identifyToken(ctx context.Context) (string, error) {
	if c.bot.Token != "" {
		return fmt.Sprintf("Bot %s.%s", c.bot.AppID, c.bot.Token), nil
	}
	tok, err := c.tokens.GetToken(ctx)
	if err != nil {
		return "", fmt.Errorf("acquiring identify token: %w", err)
	}
	return "QQBot " + tok, nil
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, acked *atomic.Bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !acked.Load() {
				c.logger.Warn("heartbeat ack missing, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			acked.Store(false)

			c.mu.Lock()
			seq := c.sess.seq
			c.mu.Unlock()

			var data json.RawMessage
			if seq > 0 {
				data, _ = json.Marshal(seq)
			} else {
				data = json.RawMessage("null")
			}
			p := &protocol.Payload{Op: protocol.OpHeartbeat, Data: data}
			if err := c.write(ctx, conn, p); err != nil {
				c.logger.Warn("sending heartbeat failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, acked *atomic.Bool) error {
	for {
		p, err := c.read(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway read: %w", err)
		}

		switch p.Op {
		case protocol.OpDispatch:
			c.handleDispatch(p)
		case protocol.OpHeartbeatAck:
			acked.Store(true)
		case protocol.OpHeartbeat:
			// Server-requested immediate heartbeat.
			c.mu.Lock()
			seq := c.sess.seq
			c.mu.Unlock()
			data, _ := json.Marshal(seq)
			_ = c.write(ctx, conn, &protocol.Payload{Op: protocol.OpHeartbeat, Data: data})
		case protocol.OpReconnect:
			c.logger.Info("server requested reconnect")
			return errors.New("server requested reconnect")
		case protocol.OpInvalidSession:
			// Session is unusable; next connection identifies fresh.
			c.clearSession()
			return errors.New("server invalidated session")
		default:
			c.logger.Debug("unhandled gateway op", slog.Int("op", int(p.Op)))
		}
	}
}

func (c *Client) handleDispatch(p *protocol.Payload) {
	switch p.Type {
	case protocol.EventReady:
		c.advanceSeq(p)
		var ready protocol.ReadyData
		if err := p.Decode(&ready); err != nil {
			c.logger.Error("decoding ready", slog.Any("error", err))
			return
		}
		c.mu.Lock()
		c.sess = session{id: ready.SessionID, seq: c.sess.seq}
		c.mu.Unlock()
		c.setState(StateConnected)
		c.logger.Info("gateway session established",
			slog.String("session_id", ready.SessionID),
			slog.String("bot", ready.User.Username),
		)
		c.sink.Dispatch(event.Normalize(p, event.OriginGateway))
		return
	case protocol.EventResumed:
		c.advanceSeq(p)
		c.mu.Lock()
		c.sess.droppedAt = time.Time{}
		c.mu.Unlock()
		c.setState(StateConnected)
		c.logger.Info("gateway session resumed")
		c.sink.Dispatch(event.Normalize(p, event.OriginGateway))
		return
	}

	// Ordinary dispatches are only meaningful once a session exists.
	// Resuming counts: replayed events arrive before the RESUMED frame.
	// Anything earlier is a protocol anomaly; drop it without touching
	// the session so the handshake state stays coherent.
	if s := c.State(); s != StateConnected && s != StateResuming {
		c.logger.Warn("dispatch before session ready, dropped",
			slog.String("type", p.Type),
			slog.Int64("seq", p.Seq),
			slog.String("state", s.String()),
		)
		if c.metrics != nil {
			c.metrics.EventsDroppedTotal.WithLabelValues("pre_ready").Inc()
		}
		return
	}

	c.advanceSeq(p)

	ev := event.Normalize(p, event.OriginGateway)
	// Resume replays redeliver events already handled before the drop.
	if ev.MessageID != "" && c.seen.Seen(ev.ID) {
		c.logger.Debug("duplicate delivery suppressed", slog.String("event_id", ev.ID))
		if c.metrics != nil {
			c.metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
		}
		return
	}
	c.sink.Dispatch(ev)
}

// advanceSeq tracks the monotonic dispatch sequence. A gap means missed
// events; a later resume would replay from the wrong point, so the
// session id is discarded to force a fresh identify.
func (c *Client) advanceSeq(p *protocol.Payload) {
	if p.Seq <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.seq > 0 && p.Seq > c.sess.seq+1 {
		c.logger.Warn("sequence gap detected",
			slog.Int64("have", c.sess.seq),
			slog.Int64("got", p.Seq),
		)
		c.sess.id = ""
	}
	if p.Seq > c.sess.seq {
		c.sess.seq = p.Seq
	}
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.sess = session{}
	c.mu.Unlock()
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) (*protocol.Payload, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var p protocol.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding gateway frame: %w", err)
	}
	return &p, nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, p *protocol.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
