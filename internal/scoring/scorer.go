// File path: internal/scoring/scorer.go
package scoring

import (
	"math"
	"sort"
	"strings"

	"github.com/storymill/storymill/internal/theme"
)

// Weights for the four membership sub-scores. They sum to 1 so that the
// combined score stays in [0,1].
type Weights struct {
	Semantic float64 `json:"semantic"`
	Intent   float64 `json:"intent"`
	Symptom  float64 `json:"symptom"`
	Product  float64 `json:"product"`
}

// DefaultWeights returns the production weighting: product/component match
// dominates, semantic similarity second.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.30, Intent: 0.15, Symptom: 0.10, Product: 0.45}
}

// Config tunes the scorer. NeutralProduct is the product sub-score granted
// to conversations with no facets at all, so sparse classifier output is not
// punished as a mismatch.
type Config struct {
	Weights        Weights `json:"weights"`
	NeutralProduct float64 `json:"neutral_product"`
}

// DefaultConfig returns the standard scorer configuration.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), NeutralProduct: 0.5}
}

// Scorer computes how strongly a conversation belongs to a candidate group.
// It is pure: no side effects, deterministic for identical inputs.
type Scorer struct {
	cfg Config
}

func New(cfg Config) *Scorer {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.NeutralProduct <= 0 {
		cfg.NeutralProduct = DefaultConfig().NeutralProduct
	}
	return &Scorer{cfg: cfg}
}

// Score returns a membership score in [0,1] for candidate against group.
// An empty group yields the candidate's own classification confidence.
func (s *Scorer) Score(candidate theme.ThemeRecord, group []theme.ThemeRecord) float64 {
	if len(group) == 0 {
		return clamp(candidate.Confidence)
	}
	w := s.cfg.Weights
	score := w.Semantic*s.semanticScore(candidate, group) +
		w.Intent*s.intentScore(candidate, group) +
		w.Symptom*s.symptomScore(candidate, group) +
		w.Product*s.productScore(candidate, group)
	return clamp(score)
}

// GroupConfidence is the mean leave-one-out membership score across the
// group, used as the group-level confidence.
func (s *Scorer) GroupConfidence(records []theme.ThemeRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	if len(records) == 1 {
		return clamp(records[0].Confidence)
	}
	var total float64
	rest := make([]theme.ThemeRecord, 0, len(records)-1)
	for i, rec := range records {
		rest = rest[:0]
		rest = append(rest, records[:i]...)
		rest = append(rest, records[i+1:]...)
		total += s.Score(rec, rest)
	}
	return clamp(total / float64(len(records)))
}

// PairwiseMin returns the lowest pairwise membership score within records.
// Orphan graduation uses it as the mutual-confidence floor.
func (s *Scorer) PairwiseMin(records []theme.ThemeRecord) float64 {
	if len(records) < 2 {
		return s.GroupConfidence(records)
	}
	lowest := 1.0
	for i := range records {
		for j := range records {
			if i == j {
				continue
			}
			if score := s.Score(records[i], []theme.ThemeRecord{records[j]}); score < lowest {
				lowest = score
			}
		}
	}
	return lowest
}

// semanticScore is cosine similarity between the candidate embedding and the
// group centroid, mapped from [-1,1] to [0,1]. A missing embedding on either
// side contributes zero rather than erroring.
func (s *Scorer) semanticScore(candidate theme.ThemeRecord, group []theme.ThemeRecord) float64 {
	if len(candidate.Embedding) == 0 {
		return 0
	}
	centroid := centroid(group, len(candidate.Embedding))
	if centroid == nil {
		return 0
	}
	sim := cosine(candidate.Embedding, centroid)
	return clamp((sim + 1) / 2)
}

func (s *Scorer) intentScore(candidate theme.ThemeRecord, group []theme.ThemeRecord) float64 {
	intent := strings.ToLower(candidate.Intent())
	if intent == "" {
		return 0
	}
	matches := 0
	for _, rec := range group {
		if strings.ToLower(rec.Intent()) == intent {
			matches++
		}
	}
	return float64(matches) / float64(len(group))
}

// symptomScore is the Jaccard overlap between the candidate's symptom set
// and the union of the group's symptoms.
func (s *Scorer) symptomScore(candidate theme.ThemeRecord, group []theme.ThemeRecord) float64 {
	mine := symptomSet(candidate.Symptoms)
	if len(mine) == 0 {
		return 0
	}
	theirs := make(map[string]struct{})
	for _, rec := range group {
		for sym := range symptomSet(rec.Symptoms) {
			theirs[sym] = struct{}{}
		}
	}
	if len(theirs) == 0 {
		return 0
	}
	shared := 0
	union := len(theirs)
	for sym := range mine {
		if _, ok := theirs[sym]; ok {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

func (s *Scorer) productScore(candidate theme.ThemeRecord, group []theme.ThemeRecord) float64 {
	if len(candidate.Facets) == 0 {
		return s.cfg.NeutralProduct
	}
	product := strings.ToLower(candidate.Product())
	if product == "" {
		return s.cfg.NeutralProduct
	}
	if product == majorityProduct(group) {
		return 1
	}
	return 0
}

// majorityProduct picks the most common product facet in the group, breaking
// ties lexicographically so the scorer stays deterministic.
func majorityProduct(group []theme.ThemeRecord) string {
	counts := make(map[string]int)
	for _, rec := range group {
		if product := strings.ToLower(rec.Product()); product != "" {
			counts[product]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	products := make([]string, 0, len(counts))
	for product := range counts {
		products = append(products, product)
	}
	sort.Strings(products)
	best := products[0]
	for _, product := range products[1:] {
		if counts[product] > counts[best] {
			best = product
		}
	}
	return best
}

func symptomSet(symptoms []string) map[string]struct{} {
	if len(symptoms) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(symptoms))
	for _, sym := range symptoms {
		trimmed := strings.ToLower(strings.TrimSpace(sym))
		if trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

func centroid(group []theme.ThemeRecord, dim int) []float32 {
	sum := make([]float64, dim)
	counted := 0
	for _, rec := range group {
		if len(rec.Embedding) != dim {
			continue
		}
		for i, v := range rec.Embedding {
			sum[i] += float64(v)
		}
		counted++
	}
	if counted == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i, v := range sum {
		out[i] = float32(v / float64(counted))
	}
	return out
}

// Cosine returns the cosine similarity of two equal-length vectors, or 0
// when either is empty, mismatched, or zero-magnitude.
func Cosine(a, b []float32) float64 {
	return cosine(a, b)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
