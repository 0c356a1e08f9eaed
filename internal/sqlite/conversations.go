// File path: internal/sqlite/conversations.go
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/theme"
)

// ErrUnknownRun rejects writes that reference a run id the catalog has never
// seen. Referential integrity failures reject the whole batch.
var ErrUnknownRun = errors.New("referenced run does not exist")

// ClassifiedConversation pairs a conversation with its classification for one
// run, as delivered by the upstream classifier.
type ClassifiedConversation struct {
	Conversation theme.Conversation
	Record       theme.ThemeRecord
}

type themeRecordRow struct {
	ConversationID string    `db:"conversation_id"`
	RunID          string    `db:"run_id"`
	Signature      string    `db:"signature"`
	Embedding      []byte    `db:"embedding"`
	Facets         []byte    `db:"facets"`
	Symptoms       []byte    `db:"symptoms"`
	Confidence     float64   `db:"confidence"`
	Excerpt        string    `db:"excerpt"`
	OccurredAt     time.Time `db:"occurred_at"`
}

func (r themeRecordRow) toRecord() (theme.ThemeRecord, error) {
	rec := theme.ThemeRecord{
		ConversationID: r.ConversationID,
		RunID:          r.RunID,
		Signature:      r.Signature,
		Confidence:     r.Confidence,
		Excerpt:        r.Excerpt,
		OccurredAt:     r.OccurredAt,
	}
	if len(r.Embedding) > 0 {
		if err := json.Unmarshal(r.Embedding, &rec.Embedding); err != nil {
			return rec, fmt.Errorf("decode embedding for %s: %w", r.ConversationID, err)
		}
	}
	if len(r.Facets) > 0 {
		if err := json.Unmarshal(r.Facets, &rec.Facets); err != nil {
			return rec, fmt.Errorf("decode facets for %s: %w", r.ConversationID, err)
		}
	}
	if len(r.Symptoms) > 0 {
		if err := json.Unmarshal(r.Symptoms, &rec.Symptoms); err != nil {
			return rec, fmt.Errorf("decode symptoms for %s: %w", r.ConversationID, err)
		}
	}
	return rec, nil
}

func encodeJSON(v interface{}) ([]byte, error) {
	switch value := v.(type) {
	case []float32:
		if len(value) == 0 {
			return nil, nil
		}
	case theme.Facets:
		if len(value) == 0 {
			return nil, nil
		}
	case []string:
		if len(value) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// UpsertConversations persists one classified batch atomically. A
// conversation keeps the run that first classified it as its owner; only the
// last-seen marker moves. Classification records are keyed per
// (conversation, run) so a re-classification in a later run lands as a new
// record without touching earlier ones.
func (s *Store) UpsertConversations(ctx context.Context, runID string, batch []ClassifiedConversation) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = ?)`, runID); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin conversation upsert: %w", err)
	}
	defer tx.Rollback()

	for _, item := range batch {
		conv := item.Conversation
		rec := item.Record
		if strings.TrimSpace(conv.ID) == "" {
			return errors.New("conversation id required")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, occurred_at, text, first_run_id, last_seen_run_id)
                         VALUES (?, ?, ?, ?, ?)
                         ON CONFLICT(id) DO UPDATE SET last_seen_run_id = excluded.last_seen_run_id`,
			conv.ID, conv.OccurredAt.UTC(), conv.Text, runID, runID); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", conv.ID, err)
		}

		embedding, err := encodeJSON(rec.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding for %s: %w", conv.ID, err)
		}
		facets, err := encodeJSON(rec.Facets)
		if err != nil {
			return fmt.Errorf("encode facets for %s: %w", conv.ID, err)
		}
		symptoms, err := encodeJSON(rec.Symptoms)
		if err != nil {
			return fmt.Errorf("encode symptoms for %s: %w", conv.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO theme_records
                                (conversation_id, run_id, signature, embedding, facets, symptoms, confidence, excerpt, occurred_at)
                         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
                         ON CONFLICT(conversation_id, run_id) DO UPDATE SET
                                signature = excluded.signature,
                                embedding = excluded.embedding,
                                facets = excluded.facets,
                                symptoms = excluded.symptoms,
                                confidence = excluded.confidence,
                                excerpt = excluded.excerpt,
                                occurred_at = excluded.occurred_at`,
			conv.ID, runID, rec.Signature, embedding, facets, symptoms,
			rec.Confidence, rec.Excerpt, rec.OccurredAt.UTC()); err != nil {
			return fmt.Errorf("upsert theme record %s: %w", conv.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation upsert: %w", err)
	}
	common.Logger().Debug("sqlite: classified batch persisted", "run", runID, "size", len(batch))
	return nil
}

// ConversationsByID loads the requested conversations keyed by id. Unknown
// ids are absent from the result, not an error.
func (s *Store) ConversationsByID(ctx context.Context, ids []string) (map[string]theme.Conversation, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out := make(map[string]theme.Conversation, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM conversations WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build conversation query: %w", err)
	}
	var rows []theme.Conversation
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	for _, conv := range rows {
		out[conv.ID] = conv
	}
	return out, nil
}

// LatestThemeRecords returns the most recent classification per conversation
// id, selected by record creation time.
func (s *Store) LatestThemeRecords(ctx context.Context, conversationIDs []string) (map[string]theme.ThemeRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out := make(map[string]theme.ThemeRecord, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT conversation_id, run_id, signature, embedding, facets, symptoms, confidence, excerpt, occurred_at
                 FROM theme_records
                 WHERE conversation_id IN (?)
                 ORDER BY created_at ASC, id ASC`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("build theme record query: %w", err)
	}
	var rows []themeRecordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query theme records: %w", err)
	}
	// Ascending order means later rows overwrite earlier ones, leaving the
	// newest record per conversation.
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out[row.ConversationID] = rec
	}
	return out, nil
}

// ThemeRecordsForRun returns every classification produced by runID in a
// deterministic order.
func (s *Store) ThemeRecordsForRun(ctx context.Context, runID string) ([]theme.ThemeRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var rows []themeRecordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT conversation_id, run_id, signature, embedding, facets, symptoms, confidence, excerpt, occurred_at
                 FROM theme_records WHERE run_id = ? ORDER BY conversation_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run theme records: %w", err)
	}
	records := make([]theme.ThemeRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
