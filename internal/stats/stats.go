// Package stats accumulates command-usage counters in memory and
// flushes them to the store on a cron schedule. Counting never blocks
// the dispatch path; a flush failure keeps the deltas for the next run.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hikl/hiklqqbot/internal/store"
)

// DefaultFlushSchedule is used when the config does not set one.
const DefaultFlushSchedule = "@every 1m"

type counter struct {
	count  int64
	errors int64
}

// Recorder buffers usage counters between flushes.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger

	mu            sync.Mutex
	commands      map[string]*counter
	senders       map[string]*counter
	conversations map[string]*counter

	cron *cron.Cron
}

// NewRecorder creates a Recorder flushing into st. st may be nil for a
// purely in-memory recorder (flush becomes a no-op).
func NewRecorder(st *store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:         st,
		logger:        logger,
		commands:      make(map[string]*counter),
		senders:       make(map[string]*counter),
		conversations: make(map[string]*counter),
	}
}

// RecordCommand counts one invocation of a command. failed marks the
// invocation as errored.
func (r *Recorder) RecordCommand(command, senderID, conversationID string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bump(r.commands, command, failed)
	if senderID != "" {
		bump(r.senders, senderID, false)
	}
	if conversationID != "" {
		bump(r.conversations, conversationID, false)
	}
}

func bump(m map[string]*counter, key string, failed bool) {
	c, ok := m[key]
	if !ok {
		c = &counter{}
		m[key] = c
	}
	c.count++
	if failed {
		c.errors++
	}
}

// Start schedules periodic flushes. schedule accepts cron specs and
// descriptors like "@every 1m".
func (r *Recorder) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultFlushSchedule
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Flush(ctx); err != nil {
			r.logger.Error("stats flush failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid flush schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Debug("stats recorder started", slog.String("schedule", schedule))
	return nil
}

// Stop halts the flush schedule and performs a final flush.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.cron != nil {
		stopCtx := r.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	return r.Flush(ctx)
}

// Flush writes buffered deltas to the store. On error the deltas are
// merged back so nothing is lost.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	commands := r.commands
	senders := r.senders
	conversations := r.conversations
	r.commands = make(map[string]*counter)
	r.senders = make(map[string]*counter)
	r.conversations = make(map[string]*counter)
	r.mu.Unlock()

	if len(commands) == 0 && len(senders) == 0 && len(conversations) == 0 {
		return nil
	}

	err := r.store.AddCommandUsage(ctx, deltas(commands))
	if err == nil {
		err = r.store.AddSenderUsage(ctx, deltas(senders))
	}
	if err == nil {
		err = r.store.AddConversationUsage(ctx, deltas(conversations))
	}
	if err != nil {
		r.mu.Lock()
		merge(r.commands, commands)
		merge(r.senders, senders)
		merge(r.conversations, conversations)
		r.mu.Unlock()
		return err
	}
	return nil
}

func deltas(m map[string]*counter) []store.UsageDelta {
	out := make([]store.UsageDelta, 0, len(m))
	for k, c := range m {
		out = append(out, store.UsageDelta{Key: k, Count: c.count, Errors: c.errors})
	}
	return out
}

func merge(dst, src map[string]*counter) {
	for k, c := range src {
		d, ok := dst[k]
		if !ok {
			dst[k] = c
			continue
		}
		d.count += c.count
		d.errors += c.errors
	}
}

// Summary is a point-in-time view combining persisted totals with
// not-yet-flushed buffered counts.
type Summary struct {
	TotalCommands int64                `json:"total_commands"`
	TotalErrors   int64                `json:"total_errors"`
	TopCommands   []store.CommandUsage `json:"top_commands"`
}

// Summarize returns persisted totals plus the current buffer.
func (r *Recorder) Summarize(ctx context.Context, topN int) (Summary, error) {
	var s Summary

	r.mu.Lock()
	for _, c := range r.commands {
		s.TotalCommands += c.count
		s.TotalErrors += c.errors
	}
	r.mu.Unlock()

	if r.store == nil {
		return s, nil
	}
	count, errs, err := r.store.TotalUsage(ctx)
	if err != nil {
		return s, err
	}
	s.TotalCommands += count
	s.TotalErrors += errs

	top, err := r.store.TopCommands(ctx, topN)
	if err != nil {
		return s, err
	}
	s.TopCommands = top
	return s, nil
}
