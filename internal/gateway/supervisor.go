package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hikl/hiklqqbot/internal/observability"
)

// ErrFatal wraps transport errors that must not trigger a restart,
// such as rejected credentials or an unsupported configuration.
var ErrFatal = errors.New("fatal gateway error")

const (
	baseRestartDelay = time.Second
	jitterFraction   = 0.25
)

// Supervisor restarts a failing transport with capped exponential
// backoff. A run that survives resetAfter resets the backoff.
type Supervisor struct {
	gw         Gateway
	logger     *slog.Logger
	metrics    *observability.MetricsCollector
	maxBackoff time.Duration
	resetAfter time.Duration
}

// NewSupervisor wraps gw. maxBackoff caps the delay between restarts.
func NewSupervisor(gw Gateway, maxBackoff time.Duration, logger *slog.Logger, metrics *observability.MetricsCollector) *Supervisor {
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	return &Supervisor{
		gw:         gw,
		logger:     logger,
		metrics:    metrics,
		maxBackoff: maxBackoff,
		resetAfter: 2 * maxBackoff,
	}
}

// Run drives the transport until ctx is canceled or a fatal error
// occurs. Transient failures restart the transport after a jittered
// backoff delay.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := baseRestartDelay
	for {
		started := time.Now()
		err := s.gw.Start(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean exit without cancellation means the transport was
			// asked to stop from inside; treat as done.
			return nil
		}
		if errors.Is(err, ErrFatal) {
			s.logger.Error("gateway failed fatally", slog.Any("error", err))
			return err
		}

		if time.Since(started) > s.resetAfter {
			delay = baseRestartDelay
		}
		wait := jitter(delay)
		s.logger.Warn("gateway exited, restarting",
			slog.Any("error", err),
			slog.Duration("backoff", wait),
		)
		if s.metrics != nil {
			s.metrics.GatewayReconnectsTotal.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

// Stop forwards graceful shutdown to the transport.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.gw.Stop(ctx)
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * jitterFraction
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
