// File path: internal/sqlite/store.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var errNilStore = errors.New("sqlite store not initialised")

// Store wraps a pooled sqlx.DB connection to the story catalog.
type Store struct {
	db             *sqlx.DB
	lockStaleAfter time.Duration
}

// Open constructs a Store backed by the SQLite database at the provided
// path. The schema is migrated on first use.
func Open(path string) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig constructs a Store using the provided configuration.
func OpenWithConfig(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", abs, busy)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.BusyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &Store{db: db, lockStaleAfter: cfg.LockStaleAfter}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sqlx.DB for advanced callers.
func (s *Store) DB() *sqlx.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) ensureReady() error {
	if s == nil || s.db == nil {
		return errNilStore
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	// SQLite rejects changing journal mode from within a transaction, so
	// pragmas run on the connection before the transactional DDL.
	for i, stmt := range schemaStatements {
		if !strings.HasPrefix(strings.TrimSpace(stmt), "PRAGMA") {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schemaStatements {
		if strings.HasPrefix(strings.TrimSpace(stmt), "PRAGMA") {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`PRAGMA journal_mode = WAL;`,
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS runs (
                id TEXT PRIMARY KEY,
                window_start DATETIME NOT NULL,
                window_end DATETIME NOT NULL,
                status TEXT NOT NULL,
                started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                completed_at DATETIME,
                conversations_processed INTEGER NOT NULL DEFAULT 0,
                groups_formed INTEGER NOT NULL DEFAULT 0,
                stories_created INTEGER NOT NULL DEFAULT 0,
                orphans_added INTEGER NOT NULL DEFAULT 0
        );`,
	`CREATE TABLE IF NOT EXISTS run_lock (
                name TEXT PRIMARY KEY,
                run_id TEXT NOT NULL,
                acquired_at DATETIME NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
                id TEXT PRIMARY KEY,
                occurred_at DATETIME NOT NULL,
                text TEXT NOT NULL DEFAULT '',
                first_run_id TEXT NOT NULL,
                last_seen_run_id TEXT NOT NULL,
                FOREIGN KEY(first_run_id) REFERENCES runs(id),
                FOREIGN KEY(last_seen_run_id) REFERENCES runs(id)
        );`,
	`CREATE TABLE IF NOT EXISTS theme_records (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                conversation_id TEXT NOT NULL,
                run_id TEXT NOT NULL,
                signature TEXT NOT NULL DEFAULT '',
                embedding TEXT,
                facets TEXT,
                symptoms TEXT,
                confidence REAL NOT NULL DEFAULT 0,
                excerpt TEXT NOT NULL DEFAULT '',
                occurred_at DATETIME NOT NULL,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                UNIQUE(conversation_id, run_id),
                FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
                FOREIGN KEY(run_id) REFERENCES runs(id)
        );`,
	`CREATE TABLE IF NOT EXISTS orphans (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                conversation_id TEXT NOT NULL UNIQUE,
                signature TEXT NOT NULL DEFAULT '',
                state TEXT NOT NULL,
                first_run_id TEXT NOT NULL,
                last_run_id TEXT NOT NULL,
                pool_size INTEGER NOT NULL DEFAULT 1,
                runs_without_growth INTEGER NOT NULL DEFAULT 0,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
                FOREIGN KEY(first_run_id) REFERENCES runs(id),
                FOREIGN KEY(last_run_id) REFERENCES runs(id)
        );`,
	`CREATE TABLE IF NOT EXISTS stories (
                id TEXT PRIMARY KEY,
                run_id TEXT NOT NULL,
                title TEXT NOT NULL,
                signature TEXT NOT NULL DEFAULT '',
                confidence REAL NOT NULL DEFAULT 0,
                excerpt_count INTEGER NOT NULL DEFAULT 0,
                low_evidence INTEGER NOT NULL DEFAULT 0,
                status TEXT NOT NULL DEFAULT 'active',
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                FOREIGN KEY(run_id) REFERENCES runs(id)
        );`,
	`CREATE TABLE IF NOT EXISTS story_evidence (
                story_id TEXT NOT NULL,
                conversation_id TEXT NOT NULL,
                excerpt TEXT NOT NULL,
                occurred_at DATETIME NOT NULL,
                score REAL NOT NULL DEFAULT 0,
                PRIMARY KEY (story_id, conversation_id),
                FOREIGN KEY(story_id) REFERENCES stories(id) ON DELETE CASCADE,
                FOREIGN KEY(conversation_id) REFERENCES conversations(id)
        );`,
	`CREATE TABLE IF NOT EXISTS audit (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                run_id TEXT,
                story_id TEXT,
                action TEXT NOT NULL,
                detail TEXT,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
	`CREATE INDEX IF NOT EXISTS idx_theme_records_conversation ON theme_records(conversation_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_theme_records_run ON theme_records(run_id);`,
	`CREATE INDEX IF NOT EXISTS idx_orphans_state ON orphans(state);`,
	`CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status, updated_at);`,
	`CREATE INDEX IF NOT EXISTS idx_story_evidence_conversation ON story_evidence(conversation_id);`,
	`INSERT INTO audit(action, detail)
        SELECT 'schema_created', 'initial schema loaded'
        WHERE NOT EXISTS (SELECT 1 FROM audit WHERE action = 'schema_created');`,
}
