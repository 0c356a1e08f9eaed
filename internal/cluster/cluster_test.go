// File path: internal/cluster/cluster_test.go
package cluster

import (
	"testing"

	"github.com/storymill/storymill/internal/scoring"
	"github.com/storymill/storymill/internal/theme"
)

func record(id, signature string, facets theme.Facets, embedding []float32) theme.ThemeRecord {
	return theme.ThemeRecord{
		ConversationID: id,
		Signature:      signature,
		Facets:         facets,
		Embedding:      embedding,
		Confidence:     0.9,
	}
}

func billingFacets(action string) theme.Facets {
	return theme.Facets{
		"intent":  "report_problem",
		"product": "billing",
		"action":  action,
	}
}

func newService() *Service {
	return New(scoring.New(scoring.DefaultConfig()), DefaultConfig())
}

func TestClusterEmptyBatch(t *testing.T) {
	result := newService().Cluster(nil)
	if len(result.Groups) != 0 || len(result.Residual) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestClusterFormsGroupAndEjectsOutlier(t *testing.T) {
	embedding := []float32{1, 0, 0}
	coherent := []theme.ThemeRecord{
		record("c1", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
		record("c2", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
		record("c3", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
	}
	outlier := record("c4", "billing.invoice.duplicate_charge", theme.Facets{
		"intent":  "report_problem",
		"product": "exports",
		"action":  "refund",
	}, embedding)

	result := newService().Cluster(append(coherent, outlier))
	if len(result.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(result.Groups))
	}
	group := result.Groups[0]
	if group.Size() != 3 {
		t.Fatalf("expected group of 3, got %d", group.Size())
	}
	if len(result.Residual) != 1 || result.Residual[0].ConversationID != "c4" {
		t.Fatalf("expected c4 ejected, got %+v", result.Residual)
	}
	if group.Confidence < 0.70 {
		t.Fatalf("expected group confidence above threshold, got %v", group.Confidence)
	}
}

func TestClusterSplitsOnHardFacets(t *testing.T) {
	embedding := []float32{0, 1, 0}
	records := []theme.ThemeRecord{
		record("c1", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
		record("c2", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
		record("c3", "billing.invoice.duplicate_charge", billingFacets("cancel"), embedding),
		record("c4", "billing.invoice.duplicate_charge", billingFacets("cancel"), embedding),
	}
	result := newService().Cluster(records)
	if len(result.Groups) != 2 {
		t.Fatalf("expected two facet-split groups, got %d", len(result.Groups))
	}
	for _, group := range result.Groups {
		if group.Size() != 2 {
			t.Fatalf("expected groups of 2, got %d", group.Size())
		}
		action := group.Records[0].Facets.Get("action")
		for _, rec := range group.Records {
			if rec.Facets.Get("action") != action {
				t.Fatalf("mixed hard facets inside one group")
			}
		}
	}
	if len(result.Residual) != 0 {
		t.Fatalf("expected no residual, got %d", len(result.Residual))
	}
}

func TestClusterSingletonFacetBucketGoesResidual(t *testing.T) {
	embedding := []float32{0, 0, 1}
	records := []theme.ThemeRecord{
		record("c1", "auth.login.lockout", billingFacets("refund"), embedding),
		record("c2", "auth.login.lockout", billingFacets("refund"), embedding),
		record("c3", "auth.login.lockout", billingFacets("cancel"), embedding),
	}
	result := newService().Cluster(records)
	if len(result.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(result.Groups))
	}
	if len(result.Residual) != 1 || result.Residual[0].ConversationID != "c3" {
		t.Fatalf("expected lone facet member in residual, got %+v", result.Residual)
	}
}

func TestClusterNoSignatureGoesStraightToResidual(t *testing.T) {
	records := []theme.ThemeRecord{
		record("c1", "", nil, []float32{1, 0}),
		record("c2", "   ", nil, []float32{0, 1}),
	}
	result := newService().Cluster(records)
	if len(result.Groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(result.Groups))
	}
	if len(result.Residual) != 2 {
		t.Fatalf("expected both records residual, got %d", len(result.Residual))
	}
}

func TestClusterDeterministicAcrossInputOrder(t *testing.T) {
	embedding := []float32{1, 1, 0}
	records := []theme.ThemeRecord{
		record("c1", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
		record("c2", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
		record("c3", "billing.invoice.duplicate_charge", billingFacets("refund"), embedding),
		record("c4", "auth.login.lockout", billingFacets("cancel"), embedding),
		record("c5", "auth.login.lockout", billingFacets("cancel"), embedding),
	}
	reversed := make([]theme.ThemeRecord, len(records))
	for i, rec := range records {
		reversed[len(records)-1-i] = rec
	}
	a := newService().Cluster(records)
	b := newService().Cluster(reversed)
	if len(a.Groups) != len(b.Groups) {
		t.Fatalf("group counts differ across input order: %d vs %d", len(a.Groups), len(b.Groups))
	}
	for i := range a.Groups {
		if a.Groups[i].Signature != b.Groups[i].Signature {
			t.Fatalf("group order differs: %q vs %q", a.Groups[i].Signature, b.Groups[i].Signature)
		}
		wantIDs := a.Groups[i].ConversationIDs()
		gotIDs := b.Groups[i].ConversationIDs()
		for j := range wantIDs {
			if wantIDs[j] != gotIDs[j] {
				t.Fatalf("group membership differs across input order")
			}
		}
	}
}
