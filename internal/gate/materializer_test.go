// File path: internal/gate/materializer_test.go
package gate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/storymill/storymill/internal/scoring"
	"github.com/storymill/storymill/internal/theme"
)

type fakeStore struct {
	conversations map[string]theme.Conversation
	membership    map[string]string
	saved         []theme.Story
}

func newStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]theme.Conversation),
		membership:    make(map[string]string),
	}
}

func (f *fakeStore) ConversationsByID(ctx context.Context, ids []string) (map[string]theme.Conversation, error) {
	out := make(map[string]theme.Conversation, len(ids))
	for _, id := range ids {
		if conv, ok := f.conversations[id]; ok {
			out[id] = conv
		}
	}
	return out, nil
}

func (f *fakeStore) LiveStoryMembership(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range ids {
		if storyID, ok := f.membership[id]; ok {
			out[id] = storyID
		}
	}
	return out, nil
}

func (f *fakeStore) SaveStory(ctx context.Context, story theme.Story) error {
	f.saved = append(f.saved, story)
	return nil
}

func (f *fakeStore) addConversation(id, text string, occurredAt time.Time) {
	f.conversations[id] = theme.Conversation{ID: id, OccurredAt: occurredAt, Text: text}
}

func memberRecord(id, excerpt string, occurredAt time.Time) theme.ThemeRecord {
	return theme.ThemeRecord{
		ConversationID: id,
		Signature:      "billing.invoice.duplicate_charge",
		Facets:         theme.Facets{"intent": "report_problem", "product": "billing"},
		Embedding:      []float32{1, 0, 0},
		Confidence:     0.9,
		Excerpt:        excerpt,
		OccurredAt:     occurredAt,
	}
}

func candidate(records ...theme.ThemeRecord) theme.CandidateGroup {
	return theme.CandidateGroup{
		ID:        uuid.NewString(),
		Signature: "billing.invoice.duplicate_charge",
		Records:   records,
	}
}

func newMaterializer(store Store) *Materializer {
	return New(store, scoring.New(scoring.DefaultConfig()), DefaultConfig())
}

func TestMaterializeAdmitsVerifiableGroup(t *testing.T) {
	store := newStore()
	now := time.Now().UTC()
	var records []theme.ThemeRecord
	for _, id := range []string{"c1", "c2", "c3"} {
		excerpt := "I was charged twice on " + id
		store.addConversation(id, "Customer report: "+excerpt+" and more context.", now.Add(-24*time.Hour))
		records = append(records, memberRecord(id, excerpt, now.Add(-24*time.Hour)))
	}

	outcome, err := newMaterializer(store).Materialize(context.Background(), "run-1", candidate(records...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Story == nil {
		t.Fatalf("expected a story, got reason %q", outcome.Reason)
	}
	if outcome.Story.ExcerptCount != 3 || len(outcome.Story.Evidence) != 3 {
		t.Fatalf("expected 3 evidence items, got %+v", outcome.Story)
	}
	if !outcome.Story.LowEvidence {
		t.Fatal("3 members is below the low-evidence threshold and must be flagged")
	}
	if outcome.Story.Status != theme.StoryActive {
		t.Fatalf("status %q", outcome.Story.Status)
	}
	if outcome.Story.Title != "Billing invoice duplicate charge" {
		t.Fatalf("title %q", outcome.Story.Title)
	}
	if len(store.saved) != 1 {
		t.Fatalf("story not persisted")
	}
}

func TestMaterializeRejectsSynthesizedExcerpt(t *testing.T) {
	store := newStore()
	now := time.Now().UTC()
	var records []theme.ThemeRecord
	for _, id := range []string{"c1", "c2", "c3"} {
		store.addConversation(id, "genuine conversation text for "+id, now)
		records = append(records, memberRecord(id, "genuine conversation text for "+id, now))
	}
	records[2].Excerpt = "a quote the customer never wrote"

	outcome, err := newMaterializer(store).Materialize(context.Background(), "run-1", candidate(records...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Story != nil {
		t.Fatal("group below minimum size after verification must not materialize")
	}
	if len(outcome.Failed) != 3 {
		t.Fatalf("all members must return to the orphan pool, got %d", len(outcome.Failed))
	}
	if outcome.Reason == "" {
		t.Fatal("expected failure reason")
	}
}

func TestMaterializeExcerptVerificationIsWhitespaceAndCaseInsensitive(t *testing.T) {
	store := newStore()
	now := time.Now().UTC()
	var records []theme.ThemeRecord
	for _, id := range []string{"c1", "c2", "c3"} {
		store.addConversation(id, "The Export   Keeps\nTiming Out every night", now)
		records = append(records, memberRecord(id, "the export keeps timing out", now))
	}
	outcome, err := newMaterializer(store).Materialize(context.Background(), "run-1", candidate(records...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Story == nil {
		t.Fatalf("normalized excerpt should verify, reason %q", outcome.Reason)
	}
}

func TestMaterializeDropsStaleConversations(t *testing.T) {
	store := newStore()
	now := time.Now().UTC()
	var records []theme.ThemeRecord
	for _, id := range []string{"c1", "c2", "c3"} {
		excerpt := "recent report " + id
		store.addConversation(id, excerpt, now.Add(-24*time.Hour))
		records = append(records, memberRecord(id, excerpt, now.Add(-24*time.Hour)))
	}
	// A fourth member far outside the recency window.
	store.addConversation("stale", "old report stale", now.Add(-90*24*time.Hour))
	records = append(records, memberRecord("stale", "old report stale", now.Add(-90*24*time.Hour)))

	outcome, err := newMaterializer(store).Materialize(context.Background(), "run-1", candidate(records...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Story == nil {
		t.Fatalf("three fresh members should still materialize, reason %q", outcome.Reason)
	}
	if outcome.Story.ExcerptCount != 3 {
		t.Fatalf("expected 3 evidence items, got %d", outcome.Story.ExcerptCount)
	}
	if len(outcome.Failed) != 1 || outcome.Failed[0].ConversationID != "stale" {
		t.Fatalf("expected stale member failed, got %+v", outcome.Failed)
	}
}

func TestMaterializeRespectsLiveMembership(t *testing.T) {
	store := newStore()
	now := time.Now().UTC()
	var records []theme.ThemeRecord
	for _, id := range []string{"c1", "c2", "c3"} {
		excerpt := "report " + id
		store.addConversation(id, excerpt, now)
		records = append(records, memberRecord(id, excerpt, now))
	}
	store.membership["c1"] = "existing-story"

	outcome, err := newMaterializer(store).Materialize(context.Background(), "run-1", candidate(records...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Story != nil {
		t.Fatal("two free members are below minimum size; no story expected")
	}
	if len(outcome.Failed) != 3 {
		t.Fatalf("expected all members failed, got %d", len(outcome.Failed))
	}
}

func TestMaterializeEmptyGroup(t *testing.T) {
	outcome, err := newMaterializer(newStore()).Materialize(context.Background(), "run-1", theme.CandidateGroup{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Story != nil || outcome.Reason == "" {
		t.Fatalf("empty group must fail with a reason, got %+v", outcome)
	}
}
