// File path: internal/sqlite/orphans.go
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/theme"
)

// InsertOrphans adds the run's residual records to the pool as new entries.
// A conversation that re-orphans after an earlier stint resets to the new
// state with fresh counters; graduated or expired history does not shield it.
func (s *Store) InsertOrphans(ctx context.Context, runID string, records []theme.ThemeRecord) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin orphan insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	added := 0
	for _, rec := range records {
		if strings.TrimSpace(rec.ConversationID) == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO orphans
                                (conversation_id, signature, state, first_run_id, last_run_id, pool_size, runs_without_growth, created_at, updated_at)
                         VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
                         ON CONFLICT(conversation_id) DO UPDATE SET
                                signature = excluded.signature,
                                state = ?,
                                last_run_id = excluded.last_run_id,
                                pool_size = 1,
                                runs_without_growth = 0,
                                updated_at = excluded.updated_at
                         WHERE orphans.state != ?`,
			rec.ConversationID, rec.Signature, theme.OrphanNew, runID, runID, now, now,
			theme.OrphanNew, theme.OrphanNew)
		if err != nil {
			return 0, fmt.Errorf("insert orphan %s: %w", rec.ConversationID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit orphan insert: %w", err)
	}
	common.Logger().Debug("sqlite: orphans inserted", "run", runID, "added", added)
	return added, nil
}

// ReinsertOrphans returns members of a failed candidate group to the pool as
// new entries. Unlike InsertOrphans, pool_size records the size of the group
// the members fell out of, and runs_without_growth plus created_at survive a
// conflict, so a membership that keeps failing review stagnates toward expiry
// instead of cycling through graduation forever.
func (s *Store) ReinsertOrphans(ctx context.Context, runID string, records []theme.ThemeRecord, poolSize int) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin orphan reinsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	added := 0
	for _, rec := range records {
		if strings.TrimSpace(rec.ConversationID) == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO orphans
                                (conversation_id, signature, state, first_run_id, last_run_id, pool_size, runs_without_growth, created_at, updated_at)
                         VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
                         ON CONFLICT(conversation_id) DO UPDATE SET
                                signature = excluded.signature,
                                state = excluded.state,
                                last_run_id = excluded.last_run_id,
                                pool_size = excluded.pool_size,
                                updated_at = excluded.updated_at`,
			rec.ConversationID, rec.Signature, theme.OrphanNew, runID, runID, poolSize, now, now)
		if err != nil {
			return 0, fmt.Errorf("reinsert orphan %s: %w", rec.ConversationID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit orphan reinsert: %w", err)
	}
	common.Logger().Debug("sqlite: orphans reinserted", "run", runID, "added", added, "pool_size", poolSize)
	return added, nil
}

// ActiveOrphans returns entries still eligible for pooling, in stable order.
func (s *Store) ActiveOrphans(ctx context.Context) ([]theme.OrphanEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var entries []theme.OrphanEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT * FROM orphans WHERE state IN (?, ?) ORDER BY conversation_id ASC`,
		theme.OrphanNew, theme.OrphanAccumulating)
	if err != nil {
		return nil, fmt.Errorf("query active orphans: %w", err)
	}
	return entries, nil
}

// ListOrphans returns entries filtered by state, or all entries when state is
// empty, newest first.
func (s *Store) ListOrphans(ctx context.Context, state theme.OrphanState, limit int) ([]theme.OrphanEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	var entries []theme.OrphanEntry
	var err error
	if state == "" {
		err = s.db.SelectContext(ctx, &entries,
			`SELECT * FROM orphans ORDER BY updated_at DESC, conversation_id ASC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &entries,
			`SELECT * FROM orphans WHERE state = ? ORDER BY updated_at DESC, conversation_id ASC LIMIT ?`, state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	return entries, nil
}

// UpdateOrphans persists a transition pass in one transaction so a run's
// state changes are all-or-nothing.
func (s *Store) UpdateOrphans(ctx context.Context, entries []theme.OrphanEntry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin orphan update: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if !entry.State.Valid() {
			return fmt.Errorf("orphan %s: invalid state %q", entry.ConversationID, entry.State)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orphans SET
                                state = ?, last_run_id = ?, pool_size = ?,
                                runs_without_growth = ?, updated_at = ?
                         WHERE conversation_id = ?`,
			entry.State, entry.LastRunID, entry.PoolSize,
			entry.RunsWithoutGrowth, entry.UpdatedAt.UTC(), entry.ConversationID); err != nil {
			return fmt.Errorf("update orphan %s: %w", entry.ConversationID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit orphan update: %w", err)
	}
	return nil
}
