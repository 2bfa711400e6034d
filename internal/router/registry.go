package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hikl/hiklqqbot/internal/event"
)

// Handler executes one command invocation. args is the raw text after
// the command word. The returned string, when non-empty, is sent back
// to the conversation.
type Handler func(ctx context.Context, ev event.Event, args string) (string, error)

// Command is a registered command.
type Command struct {
	Name        string
	Description string
	AdminOnly   bool
	Hidden      bool
	Handler     Handler
}

// registry maps normalized command names to commands. Registration
// after startup is allowed; lookups are lock-protected.
type registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

func newRegistry() *registry {
	return &registry{commands: make(map[string]Command)}
}

// normalizeName lowercases and strips a leading slash so "/Ping",
// "ping" and "PING" address the same command.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
}

// Register adds cmd to the registry. A duplicate name replaces the
// earlier registration; the replacement is logged so a misconfigured
// deployment is visible.
func (r *Router) Register(cmd Command) {
	key := normalizeName(cmd.Name)
	if key == "" || cmd.Handler == nil {
		r.logger.Warn("ignoring invalid command registration", slog.String("name", cmd.Name))
		return
	}

	r.registry.mu.Lock()
	_, existed := r.registry.commands[key]
	r.registry.commands[key] = cmd
	r.registry.mu.Unlock()

	if existed {
		r.logger.Warn("command re-registered, previous handler replaced", slog.String("command", key))
	} else {
		r.logger.Debug("command registered", slog.String("command", key))
	}
}

// Lookup finds a command by name.
func (r *Router) Lookup(name string) (Command, bool) {
	r.registry.mu.RLock()
	defer r.registry.mu.RUnlock()
	cmd, ok := r.registry.commands[normalizeName(name)]
	return cmd, ok
}

// Commands returns all registered commands sorted by name. Hidden
// commands are included; callers filter for display.
func (r *Router) Commands() []Command {
	r.registry.mu.RLock()
	out := make([]Command, 0, len(r.registry.commands))
	for _, cmd := range r.registry.commands {
		out = append(out, cmd)
	}
	r.registry.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
