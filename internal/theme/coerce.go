// File path: internal/theme/coerce.go
package theme

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The classification and reasoning collaborators return loosely typed
// structured data. Coercion into the typed shapes happens here, once, with
// defined fallbacks, instead of ad-hoc type switches scattered through the
// pipeline.

// CoerceRecord converts a raw classifier payload into a ThemeRecord.
// conversation_id and run_id are the only mandatory fields; everything else
// falls back to a neutral value. Unknown facet keys are preserved.
func CoerceRecord(payload map[string]interface{}) (ThemeRecord, error) {
	rec := ThemeRecord{}
	rec.ConversationID = coerceString(payload["conversation_id"])
	if rec.ConversationID == "" {
		return ThemeRecord{}, fmt.Errorf("coerce record: conversation_id missing")
	}
	rec.RunID = coerceString(payload["run_id"])
	if rec.RunID == "" {
		return ThemeRecord{}, fmt.Errorf("coerce record: run_id missing for conversation %s", rec.ConversationID)
	}
	rec.Signature = strings.ToLower(coerceString(payload["issue_signature"]))
	rec.Confidence = clamp01(coerceFloat(payload["classification_confidence"]))
	rec.Embedding = coerceVector(payload["embedding"])
	rec.Facets = coerceFacets(payload["facets"])
	rec.Symptoms = coerceStringSlice(payload["symptoms"])
	rec.Excerpt = coerceString(payload["excerpt"])
	if ts := coerceTime(payload["occurred_at"]); !ts.IsZero() {
		rec.OccurredAt = ts
	}
	return rec, nil
}

// CoerceDecision parses a reviewer response, either raw model text or an
// already-decoded object, into a ReviewDecision. An unrecognizable outcome
// is an error: review failures hold the group, they never approve it.
func CoerceDecision(raw string) (ReviewDecision, error) {
	payload, err := extractObject(raw)
	if err != nil {
		return ReviewDecision{}, err
	}
	return coerceDecisionMap(payload)
}

func coerceDecisionMap(payload map[string]interface{}) (ReviewDecision, error) {
	decision := ReviewDecision{}
	outcome := strings.ToLower(strings.TrimSpace(coerceString(payload["decision"])))
	switch outcome {
	case "keep_together", "keep", "keeptogether":
		decision.Outcome = ReviewKeepTogether
	case "split":
		decision.Outcome = ReviewSplit
	case "reject", "dissolve":
		decision.Outcome = ReviewReject
	default:
		return ReviewDecision{}, fmt.Errorf("coerce decision: unrecognized outcome %q", outcome)
	}
	decision.Rationale = coerceString(payload["rationale"])
	if decision.Outcome == ReviewSplit {
		decision.SubGroups = coerceGroups(payload["sub_groups"])
		if len(decision.SubGroups) < 2 {
			return ReviewDecision{}, fmt.Errorf("coerce decision: split without at least two sub_groups")
		}
	}
	return decision, nil
}

// extractObject pulls the first top-level JSON object out of model output,
// tolerating prose or code fences around it.
func extractObject(raw string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("coerce: empty collaborator output")
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start == -1 || end <= start {
		return nil, fmt.Errorf("coerce: no JSON object in collaborator output (len=%d)", len(trimmed))
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("coerce: unmarshal collaborator output: %w", err)
	}
	return payload, nil
}

func coerceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func coerceFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0
		}
		return parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func coerceVector(v interface{}) []float32 {
	switch val := v.(type) {
	case []float32:
		out := make([]float32, len(val))
		copy(out, val)
		return out
	case []float64:
		out := make([]float32, len(val))
		for i, f := range val {
			out[i] = float32(f)
		}
		return out
	case []interface{}:
		out := make([]float32, 0, len(val))
		for _, item := range val {
			out = append(out, float32(coerceFloat(item)))
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

func coerceFacets(v interface{}) Facets {
	raw, ok := v.(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	facets := make(Facets, len(raw))
	for key, value := range raw {
		k := strings.ToLower(strings.TrimSpace(key))
		val := coerceString(value)
		if k == "" || val == "" {
			continue
		}
		facets[k] = val
	}
	if len(facets) == 0 {
		return nil
	}
	return facets
}

func coerceStringSlice(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		out := make([]string, 0, len(val))
		for _, s := range val {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

func coerceGroups(v interface{}) [][]string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	groups := make([][]string, 0, len(raw))
	for _, item := range raw {
		ids := coerceStringSlice(item)
		if len(ids) == 0 {
			continue
		}
		groups = append(groups, ids)
	}
	if len(groups) == 0 {
		return nil
	}
	return groups
}

func coerceTime(v interface{}) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val.UTC()
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, trimmed); err == nil {
				return ts.UTC()
			}
		}
		return time.Time{}
	case float64:
		if val <= 0 {
			return time.Time{}
		}
		return time.Unix(int64(val), 0).UTC()
	default:
		return time.Time{}
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
