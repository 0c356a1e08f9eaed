// File path: internal/gate/materializer.go
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/common/telemetry"
	"github.com/storymill/storymill/internal/scoring"
	"github.com/storymill/storymill/internal/theme"
)

// Store is the persistence surface for admission control and story writes.
type Store interface {
	// ConversationsByID loads conversations for evidence verification.
	ConversationsByID(ctx context.Context, ids []string) (map[string]theme.Conversation, error)
	// LiveStoryMembership maps conversation ids to the active story that
	// already holds them, if any.
	LiveStoryMembership(ctx context.Context, ids []string) (map[string]string, error)
	// SaveStory persists the story and its evidence bundle in one
	// transaction.
	SaveStory(ctx context.Context, story theme.Story) error
}

// Config tunes admission control. A story under LowEvidenceThreshold is
// flagged, not rejected: low evidence is a visibility concern downstream,
// not an admission blocker.
type Config struct {
	MinGroupSize         int           `json:"min_group_size"`
	RecencyWindow        time.Duration `json:"-"`
	LowEvidenceThreshold int           `json:"low_evidence_threshold"`
}

// DefaultConfig returns the production quality gate configuration.
func DefaultConfig() Config {
	return Config{
		MinGroupSize:         3,
		RecencyWindow:        30 * 24 * time.Hour,
		LowEvidenceThreshold: 5,
	}
}

// Outcome reports one materialization attempt. Failed members are returned
// to the orphan pool as new entries, never silently discarded.
type Outcome struct {
	Story  *theme.Story
	Failed []theme.ThemeRecord
	Reason string
}

// Materializer is the final admission control before the durable story
// store.
type Materializer struct {
	store  Store
	scorer *scoring.Scorer
	cfg    Config
}

func New(store Store, scorer *scoring.Scorer, cfg Config) *Materializer {
	def := DefaultConfig()
	if cfg.MinGroupSize < 1 {
		cfg.MinGroupSize = def.MinGroupSize
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.LowEvidenceThreshold <= 0 {
		cfg.LowEvidenceThreshold = def.LowEvidenceThreshold
	}
	return &Materializer{store: store, scorer: scorer, cfg: cfg}
}

// Materialize admits a reviewer-approved group into the story store.
// Members failing per-member checks (recency, verifiable excerpt, existing
// story membership) drop out individually; if the survivors fall below the
// minimum group size the whole group fails.
func (m *Materializer) Materialize(ctx context.Context, runID string, group theme.CandidateGroup) (Outcome, error) {
	logger := common.Logger()
	outcome := Outcome{}
	if group.Size() == 0 {
		outcome.Reason = "empty group"
		return outcome, nil
	}

	ids := group.ConversationIDs()
	conversations, err := m.store.ConversationsByID(ctx, ids)
	if err != nil {
		return outcome, fmt.Errorf("load conversations: %w", err)
	}
	membership, err := m.store.LiveStoryMembership(ctx, ids)
	if err != nil {
		return outcome, fmt.Errorf("load story membership: %w", err)
	}

	cutoff := time.Now().UTC().Add(-m.cfg.RecencyWindow)
	var valid []theme.ThemeRecord
	var evidence []theme.EvidenceItem
	for _, rec := range group.Records {
		conv, ok := conversations[rec.ConversationID]
		if !ok {
			logger.Warn("gate: conversation missing from store", "conversation", rec.ConversationID, "run", runID)
			outcome.Failed = append(outcome.Failed, rec)
			continue
		}
		if storyID, taken := membership[rec.ConversationID]; taken {
			logger.Warn("gate: conversation already in a live story", "conversation", rec.ConversationID, "story", storyID)
			outcome.Failed = append(outcome.Failed, rec)
			continue
		}
		if conv.OccurredAt.Before(cutoff) {
			logger.Debug("gate: conversation outside recency window", "conversation", rec.ConversationID, "occurred_at", conv.OccurredAt)
			outcome.Failed = append(outcome.Failed, rec)
			continue
		}
		excerpt := strings.TrimSpace(rec.Excerpt)
		if !verifyExcerpt(excerpt, conv.Text) {
			logger.Warn("gate: excerpt not verifiable against conversation text", "conversation", rec.ConversationID)
			outcome.Failed = append(outcome.Failed, rec)
			continue
		}
		valid = append(valid, rec)
		evidence = append(evidence, theme.EvidenceItem{
			ConversationID: rec.ConversationID,
			Excerpt:        excerpt,
			OccurredAt:     conv.OccurredAt,
			Score:          m.scorer.Score(rec, group.Records),
		})
	}

	if len(valid) < m.cfg.MinGroupSize {
		outcome.Failed = append(outcome.Failed, valid...)
		outcome.Reason = fmt.Sprintf("evidence insufficient: %d of %d members passed, need %d", len(valid), group.Size(), m.cfg.MinGroupSize)
		logger.Info("gate: group failed admission", "group", group.ID, "reason", outcome.Reason)
		return outcome, nil
	}

	now := time.Now().UTC()
	story := theme.Story{
		ID:           uuid.NewString(),
		RunID:        runID,
		Title:        theme.TitleFromSignature(group.Signature),
		Signature:    group.Signature,
		Confidence:   m.scorer.GroupConfidence(valid),
		ExcerptCount: len(evidence),
		LowEvidence:  len(evidence) < m.cfg.LowEvidenceThreshold,
		Status:       theme.StoryActive,
		Evidence:     evidence,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveStory(ctx, story); err != nil {
		return outcome, fmt.Errorf("persist story: %w", err)
	}
	telemetry.RecordStoryMaterialized()
	logger.Info("gate: story materialized",
		"story", story.ID, "title", story.Title, "evidence", story.ExcerptCount,
		"confidence", story.Confidence, "low_evidence", story.LowEvidence)
	outcome.Story = &story
	return outcome, nil
}

// verifyExcerpt checks the excerpt is a verbatim quote from the
// conversation's own text, comparing with collapsed whitespace and case
// folded. A synthesized quote fails here.
func verifyExcerpt(excerpt, text string) bool {
	if excerpt == "" || strings.TrimSpace(text) == "" {
		return false
	}
	return strings.Contains(normalizeQuote(text), normalizeQuote(excerpt))
}

func normalizeQuote(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
