// File path: internal/orphan/accumulator.go
package orphan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/common/telemetry"
	"github.com/storymill/storymill/internal/scoring"
	"github.com/storymill/storymill/internal/theme"
)

// Store is the persistence surface the accumulator needs. The sqlite
// catalog implements it.
type Store interface {
	// ActiveOrphans returns entries in the new or accumulating states.
	ActiveOrphans(ctx context.Context) ([]theme.OrphanEntry, error)
	// InsertOrphans adds records to the pool as new entries for runID.
	// Re-orphaned conversations reset to the new state.
	InsertOrphans(ctx context.Context, runID string, records []theme.ThemeRecord) (int, error)
	// ReinsertOrphans returns members of a failed candidate group to the
	// pool, recording the size of the group they fell out of and keeping
	// stagnation counters intact.
	ReinsertOrphans(ctx context.Context, runID string, records []theme.ThemeRecord, poolSize int) (int, error)
	// UpdateOrphans persists state transitions in one transaction.
	UpdateOrphans(ctx context.Context, entries []theme.OrphanEntry) error
	// LatestThemeRecords returns the most recent classification per
	// conversation id.
	LatestThemeRecords(ctx context.Context, conversationIDs []string) (map[string]theme.ThemeRecord, error)
}

// SimilarityIndex optionally narrows semantic pooling using an external
// vector store. Nil falls back to in-memory comparison.
type SimilarityIndex interface {
	Neighbors(ctx context.Context, embedding []float32, limit int) ([]string, error)
}

// Config tunes the orphan lifecycle. ExpiryRuns and MaxHold are policy
// knobs, not invariants.
type Config struct {
	MinGroupSize        int           `json:"min_group_size"`
	GraduationThreshold float64       `json:"graduation_threshold"`
	SemanticThreshold   float64       `json:"semantic_threshold"`
	ExpiryRuns          int           `json:"expiry_runs"`
	MaxHold             time.Duration `json:"-"`
}

// DefaultConfig returns the production orphan policy.
func DefaultConfig() Config {
	return Config{
		MinGroupSize:        3,
		GraduationThreshold: 0.70,
		SemanticThreshold:   0.75,
		ExpiryRuns:          3,
		MaxHold:             45 * 24 * time.Hour,
	}
}

// Result summarizes one end-of-run transition pass.
type Result struct {
	Added     int
	Graduated []theme.CandidateGroup
	Expired   int
}

// Accumulator holds conversations that failed to cluster and promotes them
// to candidate groups once they reach group confidence.
type Accumulator struct {
	store  Store
	scorer *scoring.Scorer
	index  SimilarityIndex
	cfg    Config
}

func New(store Store, scorer *scoring.Scorer, index SimilarityIndex, cfg Config) *Accumulator {
	def := DefaultConfig()
	if cfg.MinGroupSize < 1 {
		cfg.MinGroupSize = def.MinGroupSize
	}
	if cfg.GraduationThreshold <= 0 {
		cfg.GraduationThreshold = def.GraduationThreshold
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = def.SemanticThreshold
	}
	if cfg.ExpiryRuns <= 0 {
		cfg.ExpiryRuns = def.ExpiryRuns
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = def.MaxHold
	}
	return &Accumulator{store: store, scorer: scorer, index: index, cfg: cfg}
}

// EndOfRun ingests the run's residual records and performs the single
// transition pass for the whole pool. Transitions happen only here, never
// per conversation, so every run sees one deterministic pool state.
func (a *Accumulator) EndOfRun(ctx context.Context, runID string, residual []theme.ThemeRecord) (Result, error) {
	logger := common.Logger()
	result := Result{}

	added, err := a.store.InsertOrphans(ctx, runID, residual)
	if err != nil {
		return result, fmt.Errorf("insert orphans: %w", err)
	}
	result.Added = added

	entries, err := a.store.ActiveOrphans(ctx)
	if err != nil {
		return result, fmt.Errorf("load active orphans: %w", err)
	}
	if len(entries) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ConversationID)
	}
	records, err := a.store.LatestThemeRecords(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("load orphan records: %w", err)
	}

	pools := a.pool(ctx, entries, records)
	now := time.Now().UTC()
	updated := make([]theme.OrphanEntry, 0, len(entries))

	for _, pool := range pools {
		poolRecords := make([]theme.ThemeRecord, 0, len(pool))
		for _, entry := range pool {
			if rec, ok := records[entry.ConversationID]; ok {
				poolRecords = append(poolRecords, rec)
			}
		}
		if poolGrew(pool) && a.shouldGraduate(poolRecords) {
			group := theme.CandidateGroup{
				ID:              uuid.NewString(),
				Signature:       poolRecords[0].Signature,
				Records:         poolRecords,
				Confidence:      a.scorer.GroupConfidence(poolRecords),
				FacetConsistent: true,
			}
			result.Graduated = append(result.Graduated, group)
			for _, entry := range pool {
				entry.State = theme.OrphanGraduated
				entry.LastRunID = runID
				entry.UpdatedAt = now
				updated = append(updated, entry)
				telemetry.RecordOrphanTransition(string(theme.OrphanGraduated))
			}
			logger.Info("orphan: pool graduated", "size", len(pool), "signature", group.Signature, "confidence", group.Confidence)
			continue
		}
		for _, entry := range pool {
			next := a.advance(entry, len(pool), runID, now)
			updated = append(updated, next)
			if next.State == theme.OrphanExpired {
				result.Expired++
			}
		}
	}

	if err := a.store.UpdateOrphans(ctx, updated); err != nil {
		return result, fmt.Errorf("persist orphan transitions: %w", err)
	}
	logger.Info("orphan: transition pass complete", "added", result.Added, "graduated_groups", len(result.Graduated), "expired", result.Expired)
	return result, nil
}

// Reinsert returns members of a group that failed review or admission to the
// pool as new entries. The recorded pool size keeps the identical membership
// from re-graduating until the pool grows, and stagnation counters survive so
// a group that keeps failing still ages toward expiry.
func (a *Accumulator) Reinsert(ctx context.Context, runID string, records []theme.ThemeRecord) (int, error) {
	return a.store.ReinsertOrphans(ctx, runID, records, len(records))
}

// poolGrew reports whether the pool gained a member since any of its entries
// last saw it. Graduation requires growth: a membership that already failed
// downstream keeps its recorded size and cannot graduate again unchanged.
func poolGrew(pool []theme.OrphanEntry) bool {
	for _, entry := range pool {
		if len(pool) > entry.PoolSize {
			return true
		}
	}
	return false
}

// advance moves a non-graduating entry one step: new entries start
// accumulating, stale or growth-starved entries expire.
func (a *Accumulator) advance(entry theme.OrphanEntry, poolSize int, runID string, now time.Time) theme.OrphanEntry {
	if poolSize > entry.PoolSize {
		entry.RunsWithoutGrowth = 0
	} else if entry.State != theme.OrphanNew {
		// The insertion run is not charged; stagnation counts from the
		// following run.
		entry.RunsWithoutGrowth++
	}
	entry.PoolSize = poolSize
	entry.LastRunID = runID
	entry.UpdatedAt = now

	expired := entry.RunsWithoutGrowth >= a.cfg.ExpiryRuns ||
		(!entry.CreatedAt.IsZero() && now.Sub(entry.CreatedAt) > a.cfg.MaxHold)
	switch {
	case expired:
		entry.State = theme.OrphanExpired
		telemetry.RecordOrphanTransition(string(theme.OrphanExpired))
	case entry.State == theme.OrphanNew:
		entry.State = theme.OrphanAccumulating
		telemetry.RecordOrphanTransition(string(theme.OrphanAccumulating))
	}
	return entry
}

func (a *Accumulator) shouldGraduate(records []theme.ThemeRecord) bool {
	if len(records) < a.cfg.MinGroupSize {
		return false
	}
	return a.scorer.PairwiseMin(records) >= a.cfg.GraduationThreshold
}

// pool groups active orphans: by signature when one exists, and by semantic
// similarity alone otherwise. Pools are ordered deterministically.
func (a *Accumulator) pool(ctx context.Context, entries []theme.OrphanEntry, records map[string]theme.ThemeRecord) [][]theme.OrphanEntry {
	sorted := make([]theme.OrphanEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ConversationID < sorted[j].ConversationID })

	bySignature := make(map[string][]theme.OrphanEntry)
	var unsigned []theme.OrphanEntry
	for _, entry := range sorted {
		sig := strings.TrimSpace(entry.Signature)
		if sig == "" {
			if rec, ok := records[entry.ConversationID]; ok {
				sig = strings.TrimSpace(rec.Signature)
			}
		}
		if sig == "" {
			unsigned = append(unsigned, entry)
			continue
		}
		bySignature[strings.ToLower(sig)] = append(bySignature[strings.ToLower(sig)], entry)
	}

	sigs := make([]string, 0, len(bySignature))
	for sig := range bySignature {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	pools := make([][]theme.OrphanEntry, 0, len(sigs)+1)
	for _, sig := range sigs {
		pools = append(pools, bySignature[sig])
	}
	pools = append(pools, a.poolBySimilarity(ctx, unsigned, records)...)
	return pools
}

// poolBySimilarity greedily assigns signatureless orphans to the first pool
// whose seed embedding is close enough. The optional vector index narrows
// candidates; otherwise comparison is brute force.
func (a *Accumulator) poolBySimilarity(ctx context.Context, entries []theme.OrphanEntry, records map[string]theme.ThemeRecord) [][]theme.OrphanEntry {
	if len(entries) == 0 {
		return nil
	}
	type semPool struct {
		seed    []float32
		members []theme.OrphanEntry
	}
	var pools []*semPool
	for _, entry := range entries {
		rec, ok := records[entry.ConversationID]
		if !ok || len(rec.Embedding) == 0 {
			// Nothing to compare on: the entry ages alone.
			pools = append(pools, &semPool{members: []theme.OrphanEntry{entry}})
			continue
		}
		allowed := a.neighborFilter(ctx, rec.Embedding)
		placed := false
		for _, pool := range pools {
			if len(pool.seed) == 0 {
				continue
			}
			if allowed != nil {
				if _, ok := allowed[pool.members[0].ConversationID]; !ok {
					continue
				}
			}
			if scoring.Cosine(rec.Embedding, pool.seed) >= a.cfg.SemanticThreshold {
				pool.members = append(pool.members, entry)
				placed = true
				break
			}
		}
		if !placed {
			pools = append(pools, &semPool{seed: rec.Embedding, members: []theme.OrphanEntry{entry}})
		}
	}
	out := make([][]theme.OrphanEntry, 0, len(pools))
	for _, pool := range pools {
		out = append(out, pool.members)
	}
	return out
}

func (a *Accumulator) neighborFilter(ctx context.Context, embedding []float32) map[string]struct{} {
	if a.index == nil {
		return nil
	}
	ids, err := a.index.Neighbors(ctx, embedding, 32)
	if err != nil {
		common.Logger().Warn("orphan: similarity index unavailable, using in-memory comparison", "error", err)
		return nil
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return allowed
}
