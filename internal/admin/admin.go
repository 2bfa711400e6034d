// Package admin tracks the administrator roster and the maintenance
// mode gate. The roster is persisted through the store and cached in
// memory; maintenance mode is process state only.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hikl/hiklqqbot/internal/store"
)

// ErrNotAdmin is returned when a privileged operation is attempted by a
// non-admin sender.
var ErrNotAdmin = errors.New("sender is not an administrator")

// Manager owns admin membership and the maintenance flag.
// Reads are lock-free on the hot path apart from an RWMutex.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu          sync.RWMutex
	admins      map[string]struct{}
	maintenance bool
}

// NewManager loads the roster from the store.
func NewManager(ctx context.Context, st *store.Store, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		store:  st,
		logger: logger,
		admins: make(map[string]struct{}),
	}
	if err := m.Reload(ctx); err != nil {
		return nil, fmt.Errorf("loading admin roster: %w", err)
	}
	return m, nil
}

// Reload re-reads the roster from the store, replacing the cache.
func (m *Manager) Reload(ctx context.Context) error {
	ids, err := m.store.ListAdmins(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	m.mu.Lock()
	m.admins = next
	m.mu.Unlock()

	m.logger.Info("admin roster loaded", slog.Int("count", len(next)))
	return nil
}

// IsAdmin reports whether userID is on the roster.
func (m *Manager) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	m.mu.RLock()
	_, ok := m.admins[userID]
	m.mu.RUnlock()
	return ok
}

// Add puts userID on the roster. Reports whether it was newly added.
func (m *Manager) Add(ctx context.Context, userID, addedBy string) (bool, error) {
	if userID == "" {
		return false, errors.New("user id is required")
	}

	m.mu.Lock()
	if _, ok := m.admins[userID]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.admins[userID] = struct{}{}
	m.mu.Unlock()

	if err := m.store.AddAdmin(ctx, userID, addedBy); err != nil {
		// Roll back the cache so memory and store stay consistent.
		m.mu.Lock()
		delete(m.admins, userID)
		m.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Remove takes userID off the roster. Reports whether it was present.
func (m *Manager) Remove(ctx context.Context, userID string) (bool, error) {
	removed, err := m.store.RemoveAdmin(ctx, userID)
	if err != nil {
		return false, err
	}
	if removed {
		m.mu.Lock()
		delete(m.admins, userID)
		m.mu.Unlock()
	}
	return removed, nil
}

// List returns the roster.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.admins))
	for id := range m.admins {
		out = append(out, id)
	}
	return out
}

// SetMaintenance toggles maintenance mode. While enabled, only admins
// may use the bot.
func (m *Manager) SetMaintenance(enabled bool) {
	m.mu.Lock()
	m.maintenance = enabled
	m.mu.Unlock()
	m.logger.Info("maintenance mode changed", slog.Bool("enabled", enabled))
}

// InMaintenance reports the maintenance flag.
func (m *Manager) InMaintenance() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maintenance
}

// CanAccess reports whether userID may use the bot right now: admins
// always, everyone else only outside maintenance mode.
func (m *Manager) CanAccess(userID string) bool {
	if m.IsAdmin(userID) {
		return true
	}
	return !m.InMaintenance()
}
