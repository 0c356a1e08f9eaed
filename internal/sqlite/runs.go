// File path: internal/sqlite/runs.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/theme"
)

const runLockName = "pipeline"

var (
	// ErrLockHeld signals that another run invocation currently owns the
	// advisory lock. Callers must fail fast, not interleave.
	ErrLockHeld = errors.New("another pipeline run is active")
	// ErrRunNotFound signals an unknown run id.
	ErrRunNotFound = errors.New("pipeline run not found")
)

// CreateRun persists a new pipeline run in the running state.
func (s *Store) CreateRun(ctx context.Context, run theme.PipelineRun) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if run.Status == "" {
		run.Status = theme.RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, window_start, window_end, status, started_at)
                 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.WindowStart.UTC(), run.WindowEnd.UTC(), run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.appendAudit(ctx, run.ID, "", "run_started", run.Status)
	return nil
}

// GetRun returns the run row including its counters.
func (s *Store) GetRun(ctx context.Context, runID string) (theme.PipelineRun, error) {
	if err := s.ensureReady(); err != nil {
		return theme.PipelineRun{}, err
	}
	var run theme.PipelineRun
	err := s.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return theme.PipelineRun{}, ErrRunNotFound
	}
	if err != nil {
		return theme.PipelineRun{}, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// FinishRun records the terminal status and counters for a run.
func (s *Store) FinishRun(ctx context.Context, run theme.PipelineRun) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?,
                        conversations_processed = ?, groups_formed = ?,
                        stories_created = ?, orphans_added = ?
                 WHERE id = ?`,
		run.Status, now, run.ConversationsProcessed, run.GroupsFormed,
		run.StoriesCreated, run.OrphansAdded, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrRunNotFound
	}
	s.appendAudit(ctx, run.ID, "", "run_finished", run.Status)
	return nil
}

// AcquireRunLock takes the single named advisory lock for runID. A lock
// held longer than the configured staleness window is treated as abandoned
// by a crashed run and taken over.
func (s *Store) AcquireRunLock(ctx context.Context, runID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	logger := common.Logger()
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin lock acquire: %w", err)
	}
	defer tx.Rollback()

	var holder struct {
		RunID      string    `db:"run_id"`
		AcquiredAt time.Time `db:"acquired_at"`
	}
	err = tx.GetContext(ctx, &holder,
		`SELECT run_id, acquired_at FROM run_lock WHERE name = ?`, runLockName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_lock (name, run_id, acquired_at) VALUES (?, ?, ?)`,
			runLockName, runID, now); err != nil {
			return fmt.Errorf("insert run lock: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query run lock: %w", err)
	default:
		if now.Sub(holder.AcquiredAt) < s.lockStaleAfter {
			return fmt.Errorf("%w (held by run %s since %s)", ErrLockHeld, holder.RunID, holder.AcquiredAt.Format(time.RFC3339))
		}
		logger.Warn("sqlite: overriding stale run lock", "stale_run", holder.RunID, "acquired_at", holder.AcquiredAt, "new_run", runID)
		if _, err := tx.ExecContext(ctx,
			`UPDATE run_lock SET run_id = ?, acquired_at = ? WHERE name = ?`,
			runID, now, runLockName); err != nil {
			return fmt.Errorf("override run lock: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lock acquire: %w", err)
	}
	logger.Debug("sqlite: run lock acquired", "run", runID)
	return nil
}

// ReleaseRunLock drops the advisory lock if runID still owns it.
func (s *Store) ReleaseRunLock(ctx context.Context, runID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_lock WHERE name = ? AND run_id = ?`, runLockName, runID)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	common.Logger().Debug("sqlite: run lock released", "run", runID)
	return nil
}

func (s *Store) appendAudit(ctx context.Context, runID, storyID, action, detail string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (run_id, story_id, action, detail) VALUES (?, ?, ?, ?)`,
		nullable(runID), nullable(storyID), action, detail)
	if err != nil {
		common.Logger().Warn("sqlite: audit append failed", "action", action, "error", err)
	}
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
