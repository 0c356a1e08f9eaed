// File path: internal/review/gate.go
package review

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/common/telemetry"
	"github.com/storymill/storymill/internal/llm"
	"github.com/storymill/storymill/internal/theme"
)

const reviewSystemPrompt = "You are a product triage reviewer. Given excerpts from support conversations " +
	"that were grouped under one candidate issue, decide whether all of them would plausibly be resolved " +
	"by one single implementation ticket. Answer keep_together when they describe the same underlying issue, " +
	"split when they cover distinct issues (list the conversation ids per sub-group), and reject when the " +
	"group is incoherent. Always explain your reasoning in the rationale field."

// Config bounds the gate. MaxIterations is the hard recursive split budget:
// a correctness requirement guaranteeing termination, not a tuning knob.
type Config struct {
	MaxIterations int `json:"max_iterations"`
}

// DefaultConfig returns the production review configuration.
func DefaultConfig() Config {
	return Config{MaxIterations: 2}
}

// Resolution is the gate's final verdict for one candidate group after all
// recursive re-evaluation: the sub-groups to keep and the members returned
// to the orphan pool.
type Resolution struct {
	Kept     []theme.CandidateGroup
	Rejected []theme.ThemeRecord
}

// Gate runs the automated coherence review over candidate groups.
type Gate struct {
	provider llm.Provider
	schema   map[string]interface{}
	cfg      Config
}

func New(provider llm.Provider, cfg Config) *Gate {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	return &Gate{provider: provider, schema: decisionSchema(), cfg: cfg}
}

// Review resolves a candidate group to kept sub-groups and rejected members
// within MaxIterations+1 collaborator calls per branch. A collaborator
// failure returns an error so the caller holds the group unresolved for the
// next run; review failure never approves a group.
func (g *Gate) Review(ctx context.Context, group theme.CandidateGroup) (Resolution, error) {
	return g.review(ctx, group, 0)
}

func (g *Gate) review(ctx context.Context, group theme.CandidateGroup, depth int) (Resolution, error) {
	logger := common.Logger()
	if g.provider == nil {
		return Resolution{}, fmt.Errorf("review: no reasoning provider configured")
	}
	if group.Size() == 0 {
		return Resolution{}, nil
	}

	raw, err := g.provider.ChatStructured(ctx, buildReviewMessages(group), llm.StructuredSchema{
		Name:   "ReviewDecision",
		Schema: g.schema,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("review: collaborator call for group %s: %w", group.ID, err)
	}
	decision, err := theme.CoerceDecision(raw)
	if err != nil {
		return Resolution{}, fmt.Errorf("review: group %s: %w", group.ID, err)
	}
	telemetry.RecordReviewDecision(string(decision.Outcome))
	logger.Debug("review: decision received", "group", group.ID, "depth", depth, "outcome", decision.Outcome, "rationale", decision.Rationale)

	switch decision.Outcome {
	case theme.ReviewKeepTogether:
		return Resolution{Kept: []theme.CandidateGroup{group}}, nil
	case theme.ReviewReject:
		logger.Info("review: group rejected", "group", group.ID, "size", group.Size())
		return Resolution{Rejected: group.Records}, nil
	case theme.ReviewSplit:
		if depth >= g.cfg.MaxIterations {
			// Still incoherent after the split budget: force-reject rather
			// than loop.
			logger.Warn("review: split budget exhausted, force-rejecting", "group", group.ID, "depth", depth)
			telemetry.RecordReviewDecision("force_reject")
			return Resolution{Rejected: group.Records}, nil
		}
		return g.reviewSplit(ctx, group, decision.SubGroups, depth)
	default:
		return Resolution{}, fmt.Errorf("review: group %s: unexpected outcome %q", group.ID, decision.Outcome)
	}
}

// reviewSplit partitions the group along the reviewer's sub-groups and
// re-evaluates each independently. Members the reviewer dropped, and
// sub-groups too small to stand alone, return to the orphan pool.
func (g *Gate) reviewSplit(ctx context.Context, group theme.CandidateGroup, subGroups [][]string, depth int) (Resolution, error) {
	byID := make(map[string]theme.ThemeRecord, group.Size())
	for _, rec := range group.Records {
		byID[rec.ConversationID] = rec
	}
	assigned := make(map[string]struct{})
	resolution := Resolution{}

	for _, ids := range subGroups {
		var records []theme.ThemeRecord
		for _, id := range ids {
			rec, ok := byID[id]
			if !ok {
				// Reviewer hallucinated an id outside the group; ignore it.
				continue
			}
			if _, dup := assigned[id]; dup {
				continue
			}
			assigned[id] = struct{}{}
			records = append(records, rec)
		}
		if len(records) == 0 {
			continue
		}
		if len(records) == 1 {
			resolution.Rejected = append(resolution.Rejected, records...)
			continue
		}
		sub := theme.CandidateGroup{
			ID:              uuid.NewString(),
			Signature:       group.Signature,
			Records:         records,
			Confidence:      group.Confidence,
			FacetConsistent: group.FacetConsistent,
		}
		subResolution, err := g.review(ctx, sub, depth+1)
		if err != nil {
			return Resolution{}, err
		}
		resolution.Kept = append(resolution.Kept, subResolution.Kept...)
		resolution.Rejected = append(resolution.Rejected, subResolution.Rejected...)
	}

	for _, rec := range group.Records {
		if _, ok := assigned[rec.ConversationID]; !ok {
			resolution.Rejected = append(resolution.Rejected, rec)
		}
	}
	return resolution, nil
}

func buildReviewMessages(group theme.CandidateGroup) []llm.Message {
	records := make([]theme.ThemeRecord, len(group.Records))
	copy(records, group.Records)
	sort.Slice(records, func(i, j int) bool { return records[i].ConversationID < records[j].ConversationID })

	var builder strings.Builder
	builder.WriteString("Group id: ")
	builder.WriteString(group.ID)
	builder.WriteString("\n")
	if group.Signature != "" {
		builder.WriteString("Candidate issue signature: ")
		builder.WriteString(group.Signature)
		builder.WriteString("\n")
	}
	builder.WriteString("Conversation excerpts:\n")
	for idx, rec := range records {
		excerpt := strings.TrimSpace(rec.Excerpt)
		if excerpt == "" {
			excerpt = "(no excerpt captured)"
		}
		builder.WriteString(fmt.Sprintf("%d. [%s] %s\n", idx+1, rec.ConversationID, trimExcerpt(excerpt, 600)))
	}
	builder.WriteString("\nWould all of these belong in one implementation ticket?")
	return []llm.Message{
		{Role: "system", Content: reviewSystemPrompt},
		{Role: "user", Content: builder.String()},
	}
}

func trimExcerpt(text string, limit int) string {
	cleaned := strings.TrimSpace(text)
	runes := []rune(cleaned)
	if limit <= 0 || len(runes) <= limit {
		return cleaned
	}
	trimmed := strings.TrimSpace(string(runes[:limit]))
	if trimmed == "" {
		return cleaned
	}
	return trimmed + "…"
}
