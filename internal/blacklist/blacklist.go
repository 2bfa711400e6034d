// Package blacklist blocks abusive users and groups before their
// events reach the command router. Entries are persisted through the
// store and cached in memory.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hikl/hiklqqbot/internal/store"
)

// Manager owns the block list cache.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	users  map[string]struct{}
	groups map[string]struct{}
}

// NewManager loads the block list from the store.
func NewManager(ctx context.Context, st *store.Store, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		store:  st,
		logger: logger,
		users:  make(map[string]struct{}),
		groups: make(map[string]struct{}),
	}
	if err := m.Reload(ctx); err != nil {
		return nil, fmt.Errorf("loading blacklist: %w", err)
	}
	return m, nil
}

// Reload re-reads all entries from the store.
func (m *Manager) Reload(ctx context.Context) error {
	entries, err := m.store.ListBlacklist(ctx)
	if err != nil {
		return err
	}
	users := make(map[string]struct{})
	groups := make(map[string]struct{})
	for _, e := range entries {
		switch e.Scope {
		case store.ScopeGroup:
			groups[e.TargetID] = struct{}{}
		default:
			users[e.TargetID] = struct{}{}
		}
	}

	m.mu.Lock()
	m.users = users
	m.groups = groups
	m.mu.Unlock()

	m.logger.Info("blacklist loaded",
		slog.Int("users", len(users)),
		slog.Int("groups", len(groups)),
	)
	return nil
}

// Blocked reports whether the sender or the conversation is blocked.
func (m *Manager) Blocked(senderID, conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.users[senderID]; ok {
		return true
	}
	_, ok := m.groups[conversationID]
	return ok
}

// Block adds a target. Scope must be store.ScopeUser or store.ScopeGroup.
func (m *Manager) Block(ctx context.Context, targetID, scope, reason, addedBy string) error {
	if targetID == "" {
		return errors.New("target id is required")
	}
	if scope != store.ScopeUser && scope != store.ScopeGroup {
		return fmt.Errorf("unknown blacklist scope %q", scope)
	}
	if err := m.store.AddBlacklist(ctx, store.BlacklistEntry{
		TargetID: targetID,
		Scope:    scope,
		Reason:   reason,
		AddedBy:  addedBy,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	if scope == store.ScopeGroup {
		m.groups[targetID] = struct{}{}
	} else {
		m.users[targetID] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}

// Unblock removes a target. Reports whether it was present.
func (m *Manager) Unblock(ctx context.Context, targetID, scope string) (bool, error) {
	removed, err := m.store.RemoveBlacklist(ctx, targetID, scope)
	if err != nil {
		return false, err
	}
	if removed {
		m.mu.Lock()
		if scope == store.ScopeGroup {
			delete(m.groups, targetID)
		} else {
			delete(m.users, targetID)
		}
		m.mu.Unlock()
	}
	return removed, nil
}

// List returns all persisted entries.
func (m *Manager) List(ctx context.Context) ([]store.BlacklistEntry, error) {
	return m.store.ListBlacklist(ctx)
}
