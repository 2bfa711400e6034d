package blacklist

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/hikl/hiklqqbot/internal/config"
	"github.com/hikl/hiklqqbot/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(&config.StorageConfig{
		Driver: "sqlite",
		SQLite: &config.SQLiteStorageConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	m, err := NewManager(context.Background(), st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestBlockUserAndGroup(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	if err := m.Block(ctx, "u1", store.ScopeUser, "spam", "admin"); err != nil {
		t.Fatalf("Block user: %v", err)
	}
	if err := m.Block(ctx, "g1", store.ScopeGroup, "", "admin"); err != nil {
		t.Fatalf("Block group: %v", err)
	}

	if !m.Blocked("u1", "g9") {
		t.Error("blocked user should be rejected in any conversation")
	}
	if !m.Blocked("u9", "g1") {
		t.Error("any sender in a blocked group should be rejected")
	}
	if m.Blocked("u9", "g9") {
		t.Error("unlisted sender and conversation must pass")
	}
}

func TestBlock_Validation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	if err := m.Block(ctx, "", store.ScopeUser, "", "admin"); err == nil {
		t.Error("empty target must be rejected")
	}
	if err := m.Block(ctx, "u1", "channel", "", "admin"); err == nil {
		t.Error("unknown scope must be rejected")
	}
}

func TestUnblock(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	if err := m.Block(ctx, "u1", store.ScopeUser, "", "admin"); err != nil {
		t.Fatal(err)
	}
	removed, err := m.Unblock(ctx, "u1", store.ScopeUser)
	if err != nil || !removed {
		t.Fatalf("Unblock = %v, %v", removed, err)
	}
	if m.Blocked("u1", "") {
		t.Error("u1 should be unblocked")
	}
	removed, err = m.Unblock(ctx, "u1", store.ScopeUser)
	if err != nil || removed {
		t.Fatalf("second Unblock = %v, %v, want false", removed, err)
	}
}

func TestReload_RebuildsCache(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	if err := m.Block(ctx, "g1", store.ScopeGroup, "", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !m.Blocked("", "g1") {
		t.Error("group block lost across reload")
	}

	entries, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].TargetID != "g1" {
		t.Errorf("entries = %+v", entries)
	}
}
