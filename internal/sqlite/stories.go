// File path: internal/sqlite/stories.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/theme"
)

var (
	// ErrStoryNotFound signals an unknown story id.
	ErrStoryNotFound = errors.New("story not found")
	// ErrEvidenceConflict signals a conversation already bound to another
	// live story at commit time.
	ErrEvidenceConflict = errors.New("conversation already belongs to a live story")
)

// SaveStory persists the story and its evidence bundle atomically. Live
// membership is re-checked inside the transaction so two near-simultaneous
// materializations cannot double-claim a conversation.
func (s *Store) SaveStory(ctx context.Context, story theme.Story) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if len(story.Evidence) == 0 {
		return errors.New("story requires evidence")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin story save: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(story.Evidence))
	for _, item := range story.Evidence {
		ids = append(ids, item.ConversationID)
	}
	query, args, err := sqlx.In(
		`SELECT se.conversation_id FROM story_evidence se
                 JOIN stories st ON st.id = se.story_id
                 WHERE st.status = ? AND se.conversation_id IN (?)`,
		theme.StoryActive, ids)
	if err != nil {
		return fmt.Errorf("build membership check: %w", err)
	}
	var taken []string
	if err := tx.SelectContext(ctx, &taken, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("check live membership: %w", err)
	}
	if len(taken) > 0 {
		return fmt.Errorf("%w: %s", ErrEvidenceConflict, taken[0])
	}

	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stories
                        (id, run_id, title, signature, confidence, excerpt_count, low_evidence, status, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.RunID, story.Title, story.Signature, story.Confidence,
		story.ExcerptCount, story.LowEvidence, story.Status, story.CreatedAt, story.UpdatedAt); err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	for _, item := range story.Evidence {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO story_evidence (story_id, conversation_id, excerpt, occurred_at, score)
                         VALUES (?, ?, ?, ?, ?)`,
			story.ID, item.ConversationID, item.Excerpt, item.OccurredAt.UTC(), item.Score); err != nil {
			return fmt.Errorf("insert evidence %s: %w", item.ConversationID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit (run_id, story_id, action, detail) VALUES (?, ?, 'story_created', ?)`,
		story.RunID, story.ID, story.Title); err != nil {
		return fmt.Errorf("audit story save: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit story save: %w", err)
	}
	return nil
}

// GetStory returns the story with its evidence bundle.
func (s *Store) GetStory(ctx context.Context, storyID string) (theme.Story, error) {
	if err := s.ensureReady(); err != nil {
		return theme.Story{}, err
	}
	var story theme.Story
	err := s.db.GetContext(ctx, &story, `SELECT * FROM stories WHERE id = ?`, storyID)
	if errors.Is(err, sql.ErrNoRows) {
		return theme.Story{}, ErrStoryNotFound
	}
	if err != nil {
		return theme.Story{}, fmt.Errorf("query story: %w", err)
	}
	err = s.db.SelectContext(ctx, &story.Evidence,
		`SELECT conversation_id, excerpt, occurred_at, score
                 FROM story_evidence WHERE story_id = ? ORDER BY occurred_at ASC, conversation_id ASC`, storyID)
	if err != nil {
		return theme.Story{}, fmt.Errorf("query story evidence: %w", err)
	}
	return story, nil
}

// ListStories pages through stories newest first, optionally filtered by
// status. Evidence bundles are not loaded here.
func (s *Store) ListStories(ctx context.Context, status theme.StoryStatus, limit, offset int) ([]theme.Story, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var stories []theme.Story
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &stories,
			`SELECT * FROM stories ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &stories,
			`SELECT * FROM stories WHERE status = ? ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, status, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	return stories, nil
}

// LiveStoryMembership maps each conversation id to the active story that
// already holds it. Conversations in dissolved stories are free again.
func (s *Store) LiveStoryMembership(ctx context.Context, ids []string) (map[string]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT se.conversation_id, se.story_id FROM story_evidence se
                 JOIN stories st ON st.id = se.story_id
                 WHERE st.status = ? AND se.conversation_id IN (?)`,
		theme.StoryActive, ids)
	if err != nil {
		return nil, fmt.Errorf("build membership query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query live membership: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var conversationID, storyID string
		if err := rows.Scan(&conversationID, &storyID); err != nil {
			return nil, fmt.Errorf("scan membership row: %w", err)
		}
		out[conversationID] = storyID
	}
	return out, rows.Err()
}

// DissolveStory marks a story dissolved, releasing its conversations for
// future grouping. The evidence rows stay for audit.
func (s *Store) DissolveStory(ctx context.Context, storyID, reason string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin story dissolve: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE stories SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		theme.StoryDissolved, time.Now().UTC(), storyID, theme.StoryActive)
	if err != nil {
		return fmt.Errorf("dissolve story: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrStoryNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit (story_id, action, detail) VALUES (?, 'story_dissolved', ?)`,
		storyID, reason); err != nil {
		return fmt.Errorf("audit story dissolve: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit story dissolve: %w", err)
	}
	common.Logger().Info("sqlite: story dissolved", "story", storyID, "reason", reason)
	return nil
}
