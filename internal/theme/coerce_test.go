// File path: internal/theme/coerce_test.go
package theme

import (
	"strings"
	"testing"
	"time"
)

func TestCoerceRecordFullPayload(t *testing.T) {
	payload := map[string]interface{}{
		"conversation_id":           "conv-1",
		"run_id":                    "run-1",
		"issue_signature":           "Billing.Invoice.Duplicate_Charge",
		"classification_confidence": 0.85,
		"embedding":                 []interface{}{0.1, 0.2, 0.3},
		"facets": map[string]interface{}{
			"Intent":  "report_problem",
			"Product": "billing",
			"action":  "refund",
		},
		"symptoms":    []interface{}{"double charge", "email receipt twice"},
		"excerpt":     "I was charged twice for the same invoice",
		"occurred_at": "2026-08-20T10:00:00Z",
	}
	rec, err := CoerceRecord(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Signature != "billing.invoice.duplicate_charge" {
		t.Fatalf("signature not lowercased: %q", rec.Signature)
	}
	if rec.Confidence != 0.85 {
		t.Fatalf("confidence: %v", rec.Confidence)
	}
	if len(rec.Embedding) != 3 {
		t.Fatalf("embedding length: %d", len(rec.Embedding))
	}
	if rec.Facets.Get("intent") != "report_problem" {
		t.Fatalf("facet keys not lowercased: %+v", rec.Facets)
	}
	if len(rec.Symptoms) != 2 {
		t.Fatalf("symptoms: %+v", rec.Symptoms)
	}
	if rec.OccurredAt.IsZero() {
		t.Fatalf("occurred_at not parsed")
	}
}

func TestCoerceRecordMandatoryFields(t *testing.T) {
	if _, err := CoerceRecord(map[string]interface{}{"run_id": "r"}); err == nil {
		t.Fatal("expected error for missing conversation_id")
	}
	if _, err := CoerceRecord(map[string]interface{}{"conversation_id": "c"}); err == nil {
		t.Fatal("expected error for missing run_id")
	}
}

func TestCoerceRecordFallbacks(t *testing.T) {
	rec, err := CoerceRecord(map[string]interface{}{
		"conversation_id":           "conv-2",
		"run_id":                    "run-1",
		"classification_confidence": 3.5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Confidence != 1 {
		t.Fatalf("confidence not clamped: %v", rec.Confidence)
	}
	if rec.Signature != "" || rec.Facets != nil || rec.Symptoms != nil || rec.Embedding != nil {
		t.Fatalf("expected neutral fallbacks, got %+v", rec)
	}
}

func TestCoerceDecisionKeepSynonyms(t *testing.T) {
	for _, raw := range []string{
		`{"decision":"keep_together","rationale":"same issue"}`,
		`{"decision":"KEEP","rationale":"same issue"}`,
		"Sure, here is my answer:\n```json\n{\"decision\":\"keep_together\",\"rationale\":\"fenced\"}\n```",
	} {
		decision, err := CoerceDecision(raw)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", raw, err)
		}
		if decision.Outcome != ReviewKeepTogether {
			t.Fatalf("%q: expected keep_together, got %q", raw, decision.Outcome)
		}
	}
}

func TestCoerceDecisionSplitRequiresSubGroups(t *testing.T) {
	decision, err := CoerceDecision(`{"decision":"split","sub_groups":[["a","b"],["c","d"]],"rationale":"two issues"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Outcome != ReviewSplit || len(decision.SubGroups) != 2 {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	if _, err := CoerceDecision(`{"decision":"split","sub_groups":[["a","b"]]}`); err == nil {
		t.Fatal("expected error for split with a single sub-group")
	}
	if _, err := CoerceDecision(`{"decision":"split"}`); err == nil {
		t.Fatal("expected error for split without sub_groups")
	}
}

func TestCoerceDecisionRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"decision":"maybe"}`} {
		if _, err := CoerceDecision(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestHardKeyStable(t *testing.T) {
	a := Facets{"action": "Refund", "direction": "inbound", "product": "billing"}
	b := Facets{"direction": "inbound", "action": "refund"}
	if a.HardKey() != b.HardKey() {
		t.Fatalf("hard keys differ: %q vs %q", a.HardKey(), b.HardKey())
	}
	if !strings.Contains(a.HardKey(), "action=refund") {
		t.Fatalf("unexpected hard key: %q", a.HardKey())
	}
}

func TestTitleFromSignature(t *testing.T) {
	cases := map[string]string{
		"billing.invoice.duplicate_charge": "Billing invoice duplicate charge",
		"auth-login-lockout":               "Auth login lockout",
		"":                                 "Untitled story",
		"   ":                              "Untitled story",
	}
	for in, want := range cases {
		if got := TitleFromSignature(in); got != want {
			t.Fatalf("TitleFromSignature(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOrphanStateValid(t *testing.T) {
	for _, state := range []OrphanState{OrphanNew, OrphanAccumulating, OrphanGraduated, OrphanExpired} {
		if !state.Valid() {
			t.Fatalf("state %q should be valid", state)
		}
	}
	if OrphanState("frozen").Valid() {
		t.Fatal("unknown state should be invalid")
	}
}

func TestCoerceTimeFormats(t *testing.T) {
	payload := map[string]interface{}{
		"conversation_id": "c",
		"run_id":          "r",
		"occurred_at":     "2026-08-20",
	}
	rec, err := CoerceRecord(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	if !rec.OccurredAt.Equal(want) {
		t.Fatalf("occurred_at = %v, want %v", rec.OccurredAt, want)
	}
}
