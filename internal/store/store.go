// Package store persists the bot's auxiliary state — admin roster,
// blacklist, and command-usage counters — behind a single GORM-backed
// Store. SQLite (pure Go, no CGO) is the default backend; PostgreSQL is
// available for deployments that already run one.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hikl/hiklqqbot/internal/config"
)

const defaultSQLitePath = "data/hiklqqbot.db"

// Admin is a persisted administrator entry.
type Admin struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	AddedBy   string    `gorm:"size:64"`
	CreatedAt time.Time
}

// BlacklistEntry blocks a user or group from the bot.
type BlacklistEntry struct {
	TargetID  string    `gorm:"primaryKey;size:64"`
	Scope     string    `gorm:"primaryKey;size:16"` // "user" or "group"
	Reason    string    `gorm:"size:256"`
	AddedBy   string    `gorm:"size:64"`
	CreatedAt time.Time
}

// Blacklist scopes.
const (
	ScopeUser  = "user"
	ScopeGroup = "group"
)

// CommandUsage is an aggregated per-command counter row.
type CommandUsage struct {
	Command    string    `gorm:"primaryKey;size:64"`
	Count      int64     `gorm:"not null;default:0"`
	ErrorCount int64     `gorm:"not null;default:0"`
	LastUsedAt time.Time
}

// SenderUsage is an aggregated per-sender counter row.
type SenderUsage struct {
	SenderID   string    `gorm:"primaryKey;size:64"`
	Count      int64     `gorm:"not null;default:0"`
	LastSeenAt time.Time
}

// ConversationUsage is an aggregated per-conversation counter row.
type ConversationUsage struct {
	ConversationID string    `gorm:"primaryKey;size:64"`
	Count          int64     `gorm:"not null;default:0"`
	LastSeenAt     time.Time
}

// Store wraps the GORM handle. Safe for concurrent use; GORM manages
// the underlying connection pool.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates a Store from config. A nil config selects the SQLite
// default path.
func Open(cfg *config.StorageConfig, logger *slog.Logger) (*Store, error) {
	gl := gormlogger.New(
		slogWriter{logger},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gl,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.StorageDriver() {
	case "postgres":
		if cfg == nil || cfg.Postgres == nil || cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres storage selected but no DSN configured")
		}
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening postgres database: %w", err)
		}
		if err := configurePool(db, cfg.Postgres); err != nil {
			return nil, err
		}
	case "sqlite":
		path := defaultSQLitePath
		journal := "wal"
		if cfg != nil && cfg.SQLite != nil {
			if cfg.SQLite.Path != "" {
				path = cfg.SQLite.Path
			}
			if cfg.SQLite.JournalMode != "" {
				journal = cfg.SQLite.JournalMode
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journal)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver())
	}

	if err := db.AutoMigrate(&Admin{}, &BlacklistEntry{}, &CommandUsage{}, &SenderUsage{}, &ConversationUsage{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func configurePool(db *gorm.DB, cfg *config.PostgresStorageConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("accessing connection pool: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetimeS
	if lifetime <= 0 {
		lifetime = 1800
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Admins ---

// AddAdmin inserts a user into the admin roster. Idempotent.
func (s *Store) AddAdmin(ctx context.Context, userID, addedBy string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Admin{UserID: userID, AddedBy: addedBy}).Error
}

// RemoveAdmin deletes a user from the roster. Reports whether a row
// was actually removed.
func (s *Store) RemoveAdmin(ctx context.Context, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&Admin{}, "user_id = ?", userID)
	return res.RowsAffected > 0, res.Error
}

// ListAdmins returns all admin user IDs.
func (s *Store) ListAdmins(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Admin{}).Order("created_at").Pluck("user_id", &ids).Error
	return ids, err
}

// --- Blacklist ---

// AddBlacklist blocks a target. Idempotent.
func (s *Store) AddBlacklist(ctx context.Context, e BlacklistEntry) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&e).Error
}

// RemoveBlacklist unblocks a target. Reports whether a row existed.
func (s *Store) RemoveBlacklist(ctx context.Context, targetID, scope string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&BlacklistEntry{}, "target_id = ? AND scope = ?", targetID, scope)
	return res.RowsAffected > 0, res.Error
}

// ListBlacklist returns all blacklist entries.
func (s *Store) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	var entries []BlacklistEntry
	err := s.db.WithContext(ctx).Order("created_at").Find(&entries).Error
	return entries, err
}

// --- Stats ---

// UsageDelta is one flush increment for a counter row.
type UsageDelta struct {
	Key    string
	Count  int64
	Errors int64
}

// AddCommandUsage applies aggregated command counter deltas.
func (s *Store) AddCommandUsage(ctx context.Context, deltas []UsageDelta) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range deltas {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "command"}},
				DoUpdates: clause.Assignments(map[string]any{
					"count":        gorm.Expr("command_usages.count + ?", d.Count),
					"error_count":  gorm.Expr("command_usages.error_count + ?", d.Errors),
					"last_used_at": now,
				}),
			}).Create(&CommandUsage{Command: d.Key, Count: d.Count, ErrorCount: d.Errors, LastUsedAt: now}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// AddSenderUsage applies aggregated sender counter deltas.
func (s *Store) AddSenderUsage(ctx context.Context, deltas []UsageDelta) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range deltas {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "sender_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"count":        gorm.Expr("sender_usages.count + ?", d.Count),
					"last_seen_at": now,
				}),
			}).Create(&SenderUsage{SenderID: d.Key, Count: d.Count, LastSeenAt: now}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// AddConversationUsage applies aggregated conversation counter deltas.
func (s *Store) AddConversationUsage(ctx context.Context, deltas []UsageDelta) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range deltas {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "conversation_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"count":        gorm.Expr("conversation_usages.count + ?", d.Count),
					"last_seen_at": now,
				}),
			}).Create(&ConversationUsage{ConversationID: d.Key, Count: d.Count, LastSeenAt: now}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// TopCommands returns the most-used commands, highest count first.
func (s *Store) TopCommands(ctx context.Context, limit int) ([]CommandUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []CommandUsage
	err := s.db.WithContext(ctx).Order("count DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// TotalUsage returns the sum of all command invocations and errors.
func (s *Store) TotalUsage(ctx context.Context) (count, errs int64, err error) {
	row := struct {
		Count  int64
		Errors int64
	}{}
	err = s.db.WithContext(ctx).Model(&CommandUsage{}).
		Select("COALESCE(SUM(count),0) AS count, COALESCE(SUM(error_count),0) AS errors").
		Scan(&row).Error
	return row.Count, row.Errors, err
}

// slogWriter adapts slog to GORM's logger.Writer interface.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(fmt.Sprintf(format, args...))
	}
}
