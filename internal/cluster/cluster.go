// File path: internal/cluster/cluster.go
package cluster

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/scoring"
	"github.com/storymill/storymill/internal/theme"
)

// Config tunes group formation. ConfidenceThreshold is the per-bucket
// membership floor below which a conversation is ejected.
type Config struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// DefaultConfig returns the production clustering configuration.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.70}
}

// Result is the outcome of clustering one run batch: formed candidate
// groups plus the residual records routed to the orphan pool.
type Result struct {
	Groups   []theme.CandidateGroup
	Residual []theme.ThemeRecord
}

// Service forms candidate groups from classified theme records using the
// signature as the primary key, membership scoring for ejection, and hard
// facet boundaries for splitting.
type Service struct {
	scorer *scoring.Scorer
	cfg    Config
}

func New(scorer *scoring.Scorer, cfg Config) *Service {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	return &Service{scorer: scorer, cfg: cfg}
}

// Cluster partitions one run's records into candidate groups and residual
// orphan-path records. An empty batch yields an empty result. The process
// is deterministic for identical input and configuration.
func (s *Service) Cluster(records []theme.ThemeRecord) Result {
	logger := common.Logger()
	result := Result{}
	if len(records) == 0 {
		return result
	}

	buckets := make(map[string][]theme.ThemeRecord)
	for _, rec := range records {
		sig := strings.ToLower(strings.TrimSpace(rec.Signature))
		if sig == "" {
			// No vocabulary match: straight to the orphan path, where
			// matching is semantic-only.
			result.Residual = append(result.Residual, rec)
			continue
		}
		buckets[sig] = append(buckets[sig], rec)
	}

	signatures := make([]string, 0, len(buckets))
	for sig := range buckets {
		signatures = append(signatures, sig)
	}
	sort.Strings(signatures)

	for _, sig := range signatures {
		kept, ejected := s.ejectLowConfidence(buckets[sig])
		result.Residual = append(result.Residual, ejected...)
		if len(kept) == 0 {
			logger.Debug("cluster: bucket fully ejected", "signature", sig)
			continue
		}
		for _, sub := range splitByHardFacets(kept) {
			if len(sub) < 2 {
				result.Residual = append(result.Residual, sub...)
				continue
			}
			group := theme.CandidateGroup{
				ID:              uuid.NewString(),
				Signature:       sig,
				Records:         sub,
				Confidence:      s.scorer.GroupConfidence(sub),
				FacetConsistent: true,
			}
			result.Groups = append(result.Groups, group)
			logger.Debug("cluster: group formed", "signature", sig, "size", len(sub), "confidence", group.Confidence)
		}
	}
	logger.Info("cluster: batch clustered", "records", len(records), "groups", len(result.Groups), "residual", len(result.Residual))
	return result
}

// ejectLowConfidence repeatedly removes the weakest member scoring below the
// threshold against the rest of its bucket, until the bucket is stable. One
// ejection per pass keeps the outcome independent of input order.
func (s *Service) ejectLowConfidence(bucket []theme.ThemeRecord) (kept, ejected []theme.ThemeRecord) {
	kept = make([]theme.ThemeRecord, len(bucket))
	copy(kept, bucket)
	sort.Slice(kept, func(i, j int) bool { return kept[i].ConversationID < kept[j].ConversationID })

	for len(kept) > 1 {
		worstIdx := -1
		worstScore := 1.1
		rest := make([]theme.ThemeRecord, 0, len(kept)-1)
		for i, rec := range kept {
			rest = rest[:0]
			rest = append(rest, kept[:i]...)
			rest = append(rest, kept[i+1:]...)
			score := s.scorer.Score(rec, rest)
			if score < s.cfg.ConfidenceThreshold && score < worstScore {
				worstScore = score
				worstIdx = i
			}
		}
		if worstIdx == -1 {
			break
		}
		ejected = append(ejected, kept[worstIdx])
		kept = append(kept[:worstIdx], kept[worstIdx+1:]...)
	}
	if len(kept) == 1 {
		// A lone survivor cannot form a group on its own.
		if s.scorer.Score(kept[0], nil) < s.cfg.ConfidenceThreshold {
			ejected = append(ejected, kept[0])
			kept = nil
		}
	}
	return kept, ejected
}

// splitByHardFacets divides a bucket along distinct hard facet combinations
// (action type, directionality). Two problems sharing a shallow signature
// but differing in hard facets must never merge.
func splitByHardFacets(bucket []theme.ThemeRecord) [][]theme.ThemeRecord {
	byKey := make(map[string][]theme.ThemeRecord)
	for _, rec := range bucket {
		key := rec.Facets.HardKey()
		byKey[key] = append(byKey[key], rec)
	}
	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([][]theme.ThemeRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, byKey[key])
	}
	return out
}
