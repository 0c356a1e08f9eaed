// File path: internal/theme/types.go
package theme

import (
	"sort"
	"strings"
	"time"
)

// Facets are secondary classification dimensions attached to a conversation
// by the upstream classifier. Keys are lower-cased on coercion.
type Facets map[string]string

// Hard facet keys split otherwise signature-identical conversations into
// distinct problems. Product area is deliberately not hard: the scorer
// weighs it instead.
var hardFacetKeys = []string{"action", "direction"}

// HardKey returns a canonical string for the hard facet combination, used as
// a sub-bucket key during clustering. Missing facets render as empty values
// so that sparse conversations collapse into one sub-bucket.
func (f Facets) HardKey() string {
	parts := make([]string, 0, len(hardFacetKeys))
	for _, key := range hardFacetKeys {
		parts = append(parts, key+"="+strings.ToLower(strings.TrimSpace(f[key])))
	}
	return strings.Join(parts, "|")
}

// Get returns the trimmed facet value for key, or empty.
func (f Facets) Get(key string) string {
	if f == nil {
		return ""
	}
	return strings.TrimSpace(f[key])
}

// Clone returns an independent copy.
func (f Facets) Clone() Facets {
	if f == nil {
		return nil
	}
	out := make(Facets, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Conversation is the atomic unit of evidence. Immutable once persisted
// except for its run-association fields.
type Conversation struct {
	ID         string    `db:"id" json:"id"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
	Text       string    `db:"text" json:"text"`
	// FirstRunID is the run that first classified this conversation and owns
	// its provenance. LastSeenRunID tracks the most recent classification
	// pass and drives recency filtering.
	FirstRunID    string `db:"first_run_id" json:"first_run_id"`
	LastSeenRunID string `db:"last_seen_run_id" json:"last_seen_run_id"`
}

// ThemeRecord is one classification result for a (conversation, run) pair.
type ThemeRecord struct {
	ConversationID string    `json:"conversation_id"`
	RunID          string    `json:"run_id"`
	Signature      string    `json:"issue_signature"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Facets         Facets    `json:"facets,omitempty"`
	Symptoms       []string  `json:"symptoms,omitempty"`
	Confidence     float64   `json:"classification_confidence"`
	Excerpt        string    `json:"excerpt,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Intent returns the user-intent class facet.
func (r ThemeRecord) Intent() string {
	return r.Facets.Get("intent")
}

// Product returns the product/component facet.
func (r ThemeRecord) Product() string {
	return r.Facets.Get("product")
}

// CandidateGroup is a transient clustering aggregate. It is never persisted:
// it either becomes a Story or dissolves back into the orphan pool.
type CandidateGroup struct {
	ID              string
	Signature       string
	Records         []ThemeRecord
	Confidence      float64
	FacetConsistent bool
}

// ConversationIDs lists the member conversation ids in stable order.
func (g CandidateGroup) ConversationIDs() []string {
	ids := make([]string, 0, len(g.Records))
	for _, rec := range g.Records {
		ids = append(ids, rec.ConversationID)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the member count.
func (g CandidateGroup) Size() int { return len(g.Records) }

// OrphanState is the lifecycle state of an orphan pool entry.
type OrphanState string

const (
	OrphanNew          OrphanState = "new"
	OrphanAccumulating OrphanState = "accumulating"
	OrphanGraduated    OrphanState = "graduated"
	OrphanExpired      OrphanState = "expired"
)

// Valid reports whether s is a known lifecycle state.
func (s OrphanState) Valid() bool {
	switch s {
	case OrphanNew, OrphanAccumulating, OrphanGraduated, OrphanExpired:
		return true
	}
	return false
}

// OrphanEntry is a conversation that has not reached group confidence.
type OrphanEntry struct {
	ID             int64       `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	Signature      string      `db:"signature" json:"signature,omitempty"`
	State          OrphanState `db:"state" json:"state"`
	FirstRunID     string      `db:"first_run_id" json:"first_run_id"`
	LastRunID      string      `db:"last_run_id" json:"last_run_id"`
	// PoolSize is the size of this entry's semantic neighborhood as of the
	// last run; RunsWithoutGrowth counts consecutive runs where it did not
	// increase.
	PoolSize          int       `db:"pool_size" json:"pool_size"`
	RunsWithoutGrowth int       `db:"runs_without_growth" json:"runs_without_growth"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// StoryStatus marks the lifecycle of a materialized story.
type StoryStatus string

const (
	StoryActive    StoryStatus = "active"
	StoryDissolved StoryStatus = "dissolved"
)

// EvidenceItem is one qualifying conversation inside a story bundle.
type EvidenceItem struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Excerpt        string    `db:"excerpt" json:"excerpt"`
	OccurredAt     time.Time `db:"occurred_at" json:"occurred_at"`
	Score          float64   `db:"score" json:"score"`
}

// Story is the durable, backlog-ready output of the pipeline.
type Story struct {
	ID           string         `db:"id" json:"id"`
	RunID        string         `db:"run_id" json:"run_id"`
	Title        string         `db:"title" json:"title"`
	Signature    string         `db:"signature" json:"signature"`
	Confidence   float64        `db:"confidence" json:"confidence"`
	ExcerptCount int            `db:"excerpt_count" json:"excerpt_count"`
	LowEvidence  bool           `db:"low_evidence" json:"low_evidence"`
	Status       StoryStatus    `db:"status" json:"status"`
	Evidence     []EvidenceItem `json:"evidence,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// RunStatus values for PipelineRun.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// PipelineRun scopes one pipeline execution. Every conversation, theme
// record and story carries a reference to the run that produced or last
// touched it.
type PipelineRun struct {
	ID          string     `db:"id" json:"id"`
	WindowStart time.Time  `db:"window_start" json:"window_start"`
	WindowEnd   time.Time  `db:"window_end" json:"window_end"`
	Status      string     `db:"status" json:"status"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	ConversationsProcessed int `db:"conversations_processed" json:"conversations_processed"`
	GroupsFormed           int `db:"groups_formed" json:"groups_formed"`
	StoriesCreated         int `db:"stories_created" json:"stories_created"`
	OrphansAdded           int `db:"orphans_added" json:"orphans_added"`
}

// ReviewOutcome is the coherence gate verdict for a candidate group.
type ReviewOutcome string

const (
	ReviewKeepTogether ReviewOutcome = "keep_together"
	ReviewSplit        ReviewOutcome = "split"
	ReviewReject       ReviewOutcome = "reject"
)

// ReviewDecision is the typed shape of the reasoning collaborator's answer.
type ReviewDecision struct {
	Outcome   ReviewOutcome `json:"decision"`
	SubGroups [][]string    `json:"sub_groups,omitempty"`
	Rationale string        `json:"rationale"`
}

// TitleFromSignature renders a canonical signature such as
// "billing.invoice.duplicate_charge" into a human-readable story title.
func TitleFromSignature(signature string) string {
	cleaned := strings.TrimSpace(signature)
	if cleaned == "" {
		return "Untitled story"
	}
	cleaned = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(cleaned)
	fields := strings.Fields(cleaned)
	if len(fields) == 0 {
		return "Untitled story"
	}
	head := []rune(fields[0])
	if head[0] >= 'a' && head[0] <= 'z' {
		head[0] -= 32
	}
	fields[0] = string(head)
	return strings.Join(fields, " ")
}
