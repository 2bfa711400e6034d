// Package webhook implements the HTTP callback transport.
//
// Security:
//   - Every request verified via Ed25519 signature derived from the bot secret
//   - Replay protection: rejects requests with timestamps outside the skew window
//   - Redelivery suppression: event IDs already seen inside the dedupe window are acked but not re-dispatched
//   - The endpoint validation handshake (op 13) is answered inline
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hikl/hiklqqbot/internal/config"
	"github.com/hikl/hiklqqbot/internal/dedupe"
	"github.com/hikl/hiklqqbot/internal/event"
	"github.com/hikl/hiklqqbot/internal/gateway"
	"github.com/hikl/hiklqqbot/internal/observability"
	"github.com/hikl/hiklqqbot/internal/protocol"
	"github.com/hikl/hiklqqbot/internal/signature"
)

// maxRequestSize bounds callback bodies; platform events are small.
const maxRequestSize = 256 << 10

// Dispatcher receives normalized events. Implemented by router.Router.
type Dispatcher interface {
	Dispatch(ev event.Event)
}

// Listener is the webhook transport.
type Listener struct {
	cfg      *config.WebhookConfig
	verifier *signature.Verifier
	seen     *dedupe.Cache
	sink     Dispatcher
	logger   *slog.Logger
	metrics  *observability.MetricsCollector

	server *http.Server
}

var _ gateway.Gateway = (*Listener)(nil)

// NewListener creates a webhook listener.
func NewListener(cfg *config.WebhookConfig, verifier *signature.Verifier, sink Dispatcher, logger *slog.Logger, metrics *observability.MetricsCollector) *Listener {
	return &Listener{
		cfg:      cfg,
		verifier: verifier,
		seen:     dedupe.New(cfg.DedupeWindow()),
		sink:     sink,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the callback HTTP server and blocks until it exits.
func (l *Listener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+l.cfg.CallbackPath(), l.handleCallback)

	l.server = &http.Server{
		Addr:              l.cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	l.logger.Info("webhook listener starting",
		slog.String("addr", l.cfg.Addr()),
		slog.String("path", l.cfg.CallbackPath()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- l.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.server.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// Stop gracefully shuts down the callback server.
func (l *Listener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	l.logger.Info("webhook listener stopping")
	return l.server.Shutdown(ctx)
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get(signature.HeaderSignature)
	ts := r.Header.Get(signature.HeaderTimestamp)
	if err := l.verifier.Verify(body, sig, ts); err != nil {
		l.logger.Warn("webhook signature rejected",
			slog.String("remote", r.RemoteAddr),
			slog.Any("error", err),
		)
		if l.metrics != nil {
			l.metrics.EventsDroppedTotal.WithLabelValues("bad_signature").Inc()
		}
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var p protocol.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch p.Op {
	case protocol.OpHTTPCallbackVerify:
		l.handleVerify(w, &p)
	case protocol.OpDispatch:
		l.handleEvent(w, &p)
	default:
		l.logger.Debug("unhandled webhook op", slog.Int("op", int(p.Op)))
		writeAck(w)
	}
}

// handleVerify answers the platform's endpoint validation handshake.
func (l *Listener) handleVerify(w http.ResponseWriter, p *protocol.Payload) {
	var challenge protocol.VerifyChallenge
	if err := p.Decode(&challenge); err != nil {
		http.Error(w, "malformed challenge", http.StatusBadRequest)
		return
	}

	resp := protocol.VerifyResponse{
		PlainToken: challenge.PlainToken,
		Signature:  l.verifier.SignChallenge(challenge.EventTS, challenge.PlainToken),
	}
	l.logger.Info("webhook endpoint validation answered")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEvent acks fast and hands the event to the router. The platform
// redelivers on slow responses, so dispatch must not block the request.
func (l *Listener) handleEvent(w http.ResponseWriter, p *protocol.Payload) {
	ev := event.Normalize(p, event.OriginWebhook)

	if l.seen.Seen(ev.ID) {
		l.logger.Debug("duplicate delivery suppressed", slog.String("event_id", ev.ID))
		if l.metrics != nil {
			l.metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
		}
		writeAck(w)
		return
	}

	l.sink.Dispatch(ev)
	writeAck(w)
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"op":12}`))
}
