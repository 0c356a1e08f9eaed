// File path: internal/orphan/accumulator_test.go
package orphan

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/storymill/storymill/internal/scoring"
	"github.com/storymill/storymill/internal/theme"
)

// fakeStore mirrors the sqlite orphan semantics in memory.
type fakeStore struct {
	entries map[string]theme.OrphanEntry
	records map[string]theme.ThemeRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: make(map[string]theme.OrphanEntry),
		records: make(map[string]theme.ThemeRecord),
	}
}

func (f *fakeStore) ActiveOrphans(ctx context.Context) ([]theme.OrphanEntry, error) {
	var out []theme.OrphanEntry
	for _, entry := range f.entries {
		if entry.State == theme.OrphanNew || entry.State == theme.OrphanAccumulating {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (f *fakeStore) InsertOrphans(ctx context.Context, runID string, records []theme.ThemeRecord) (int, error) {
	added := 0
	now := time.Now().UTC()
	for _, rec := range records {
		f.records[rec.ConversationID] = rec
		existing, ok := f.entries[rec.ConversationID]
		if ok && existing.State == theme.OrphanNew {
			continue
		}
		entry := theme.OrphanEntry{
			ConversationID:    rec.ConversationID,
			Signature:         rec.Signature,
			State:             theme.OrphanNew,
			FirstRunID:        runID,
			LastRunID:         runID,
			PoolSize:          1,
			RunsWithoutGrowth: 0,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if ok {
			entry.FirstRunID = existing.FirstRunID
			entry.CreatedAt = existing.CreatedAt
		}
		f.entries[rec.ConversationID] = entry
		added++
	}
	return added, nil
}

func (f *fakeStore) ReinsertOrphans(ctx context.Context, runID string, records []theme.ThemeRecord, poolSize int) (int, error) {
	added := 0
	now := time.Now().UTC()
	for _, rec := range records {
		f.records[rec.ConversationID] = rec
		entry := theme.OrphanEntry{
			ConversationID: rec.ConversationID,
			Signature:      rec.Signature,
			State:          theme.OrphanNew,
			FirstRunID:     runID,
			LastRunID:      runID,
			PoolSize:       poolSize,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if existing, ok := f.entries[rec.ConversationID]; ok {
			entry.FirstRunID = existing.FirstRunID
			entry.CreatedAt = existing.CreatedAt
			entry.RunsWithoutGrowth = existing.RunsWithoutGrowth
		}
		f.entries[rec.ConversationID] = entry
		added++
	}
	return added, nil
}

func (f *fakeStore) UpdateOrphans(ctx context.Context, entries []theme.OrphanEntry) error {
	for _, entry := range entries {
		f.entries[entry.ConversationID] = entry
	}
	return nil
}

func (f *fakeStore) LatestThemeRecords(ctx context.Context, ids []string) (map[string]theme.ThemeRecord, error) {
	out := make(map[string]theme.ThemeRecord, len(ids))
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func orphanRecord(id string) theme.ThemeRecord {
	return theme.ThemeRecord{
		ConversationID: id,
		Signature:      "exports.csv.timeout",
		Facets:         theme.Facets{"intent": "report_problem", "product": "exports"},
		Embedding:      []float32{1, 0, 0},
		Confidence:     0.8,
		Excerpt:        "export never finishes for " + id,
		OccurredAt:     time.Now().UTC(),
	}
}

func newAccumulator(store Store) *Accumulator {
	return New(store, scoring.New(scoring.DefaultConfig()), nil, DefaultConfig())
}

func TestOrphanAccumulatesThenGraduates(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	acc := newAccumulator(store)

	// Run 1: two orphans of the same signature, below minimum group size.
	result, err := acc.EndOfRun(ctx, "run-1", []theme.ThemeRecord{orphanRecord("o1"), orphanRecord("o2")})
	if err != nil {
		t.Fatalf("run-1: %v", err)
	}
	if result.Added != 2 || len(result.Graduated) != 0 || result.Expired != 0 {
		t.Fatalf("run-1 unexpected result: %+v", result)
	}
	for _, id := range []string{"o1", "o2"} {
		if store.entries[id].State != theme.OrphanAccumulating {
			t.Fatalf("run-1: %s state = %q, want accumulating", id, store.entries[id].State)
		}
	}

	// Run 2: a third member arrives and the pool reaches mutual confidence.
	result, err = acc.EndOfRun(ctx, "run-2", []theme.ThemeRecord{orphanRecord("o3")})
	if err != nil {
		t.Fatalf("run-2: %v", err)
	}
	if len(result.Graduated) != 1 {
		t.Fatalf("run-2: expected one graduated group, got %d", len(result.Graduated))
	}
	group := result.Graduated[0]
	if group.Size() != 3 || group.Signature != "exports.csv.timeout" {
		t.Fatalf("run-2: unexpected group %+v", group)
	}
	for _, id := range []string{"o1", "o2", "o3"} {
		if store.entries[id].State != theme.OrphanGraduated {
			t.Fatalf("run-2: %s state = %q, want graduated", id, store.entries[id].State)
		}
	}

	// Run 3: graduation is monotonic, the pool must not re-form.
	result, err = acc.EndOfRun(ctx, "run-3", nil)
	if err != nil {
		t.Fatalf("run-3: %v", err)
	}
	if result.Added != 0 || len(result.Graduated) != 0 {
		t.Fatalf("run-3: graduated entries re-entered the pool: %+v", result)
	}
}

func TestOrphanExpiresWithoutGrowth(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	acc := New(store, scoring.New(scoring.DefaultConfig()), nil, Config{ExpiryRuns: 2})

	// The insertion run is not charged as stagnation.
	if _, err := acc.EndOfRun(ctx, "run-1", []theme.ThemeRecord{orphanRecord("lonely")}); err != nil {
		t.Fatalf("run-1: %v", err)
	}
	entry := store.entries["lonely"]
	if entry.State != theme.OrphanAccumulating || entry.RunsWithoutGrowth != 0 {
		t.Fatalf("run-1: entry %+v", entry)
	}

	result, err := acc.EndOfRun(ctx, "run-2", nil)
	if err != nil {
		t.Fatalf("run-2: %v", err)
	}
	if result.Expired != 0 || store.entries["lonely"].RunsWithoutGrowth != 1 {
		t.Fatalf("run-2: expired too early: %+v entry=%+v", result, store.entries["lonely"])
	}

	result, err = acc.EndOfRun(ctx, "run-3", nil)
	if err != nil {
		t.Fatalf("run-3: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("run-3: expected expiry after %d stagnant runs, got %+v", 2, result)
	}
	if store.entries["lonely"].State != theme.OrphanExpired {
		t.Fatalf("run-3: state %q, want expired", store.entries["lonely"].State)
	}
}

func TestOrphanExpiresPastMaxHold(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	acc := New(store, scoring.New(scoring.DefaultConfig()), nil, Config{MaxHold: time.Hour})

	if _, err := acc.EndOfRun(ctx, "run-1", []theme.ThemeRecord{orphanRecord("old")}); err != nil {
		t.Fatalf("run-1: %v", err)
	}
	entry := store.entries["old"]
	entry.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	store.entries["old"] = entry

	result, err := acc.EndOfRun(ctx, "run-2", nil)
	if err != nil {
		t.Fatalf("run-2: %v", err)
	}
	if result.Expired != 1 || store.entries["old"].State != theme.OrphanExpired {
		t.Fatalf("expected max-hold expiry, got %+v state=%q", result, store.entries["old"].State)
	}
}

func TestOrphanSignaturelessPoolsBySimilarity(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	acc := newAccumulator(store)

	near := func(id string, vec []float32) theme.ThemeRecord {
		rec := orphanRecord(id)
		rec.Signature = ""
		rec.Facets = theme.Facets{"intent": "report_problem", "product": "exports"}
		rec.Embedding = vec
		return rec
	}
	// Three nearly identical embeddings and one far away.
	residual := []theme.ThemeRecord{
		near("s1", []float32{1, 0, 0}),
		near("s2", []float32{0.99, 0.01, 0}),
		near("s3", []float32{0.98, 0.02, 0}),
		near("far", []float32{0, 1, 0}),
	}
	result, err := acc.EndOfRun(ctx, "run-1", residual)
	if err != nil {
		t.Fatalf("run-1: %v", err)
	}
	if len(result.Graduated) != 1 {
		t.Fatalf("expected one semantic pool to graduate, got %d", len(result.Graduated))
	}
	if result.Graduated[0].Size() != 3 {
		t.Fatalf("expected pool of 3, got %d", result.Graduated[0].Size())
	}
	if store.entries["far"].State != theme.OrphanAccumulating {
		t.Fatalf("far entry state %q, want accumulating", store.entries["far"].State)
	}
}

func TestReinsertedPoolWaitsForGrowth(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	acc := newAccumulator(store)

	records := []theme.ThemeRecord{orphanRecord("r1"), orphanRecord("r2"), orphanRecord("r3")}
	result, err := acc.EndOfRun(ctx, "run-1", records)
	if err != nil {
		t.Fatalf("run-1: %v", err)
	}
	if len(result.Graduated) != 1 {
		t.Fatalf("expected graduation, got %+v", result)
	}

	// The graduated group failed downstream: members return as new, carrying
	// the failed group's size and their stagnation history.
	seed := store.entries["r1"]
	seed.RunsWithoutGrowth = 1
	store.entries["r1"] = seed
	added, err := acc.Reinsert(ctx, "run-1", records)
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if added != 3 {
		t.Fatalf("expected 3 reinserted, got %d", added)
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		entry := store.entries[id]
		if entry.State != theme.OrphanNew || entry.PoolSize != 3 {
			t.Fatalf("%s not returned with pool size recorded: %+v", id, entry)
		}
	}
	if store.entries["r1"].RunsWithoutGrowth != 1 {
		t.Fatalf("stagnation counter reset on reinsert: %+v", store.entries["r1"])
	}

	// Run 2: identical membership, unchanged confidence. The pool must not
	// re-graduate without growth.
	result, err = acc.EndOfRun(ctx, "run-2", nil)
	if err != nil {
		t.Fatalf("run-2: %v", err)
	}
	if len(result.Graduated) != 0 {
		t.Fatalf("run-2: rejected membership re-graduated unchanged")
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		if store.entries[id].State != theme.OrphanAccumulating {
			t.Fatalf("run-2: %s state %q, want accumulating", id, store.entries[id].State)
		}
	}

	// Run 3: a new member arrives, so the grown pool is eligible again.
	result, err = acc.EndOfRun(ctx, "run-3", []theme.ThemeRecord{orphanRecord("r4")})
	if err != nil {
		t.Fatalf("run-3: %v", err)
	}
	if len(result.Graduated) != 1 || result.Graduated[0].Size() != 4 {
		t.Fatalf("run-3: grown pool did not graduate: %+v", result)
	}
}
