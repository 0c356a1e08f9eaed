// File path: internal/common/telemetry/telemetry.go
package telemetry

import (
	"expvar"
	"strings"
	"sync"
	"time"

	"github.com/storymill/storymill/internal/common"
)

var (
	initOnce sync.Once

	collaboratorCallTotal   *expvar.Map
	collaboratorErrorTotal  *expvar.Map
	collaboratorLatencyMS   *expvar.Map
	pipelineBatchTotal      *expvar.Int
	pipelineRecordTotal     *expvar.Int
	pipelineBatchDeferred   *expvar.Int
	reviewDecisionTotal     *expvar.Map
	storyMaterializedTotal  *expvar.Int
	orphanTransitionTotal   *expvar.Map
	runLockContentionsTotal *expvar.Int
)

func ensureInit() {
	initOnce.Do(func() {
		collaboratorCallTotal = expvar.NewMap("storymill_collaborator_calls_total")
		collaboratorErrorTotal = expvar.NewMap("storymill_collaborator_errors_total")
		collaboratorLatencyMS = expvar.NewMap("storymill_collaborator_latency_ms")
		pipelineBatchTotal = expvar.NewInt("storymill_pipeline_batches_total")
		pipelineRecordTotal = expvar.NewInt("storymill_pipeline_records_total")
		pipelineBatchDeferred = expvar.NewInt("storymill_pipeline_batches_deferred")
		reviewDecisionTotal = expvar.NewMap("storymill_review_decisions_total")
		storyMaterializedTotal = expvar.NewInt("storymill_stories_materialized_total")
		orphanTransitionTotal = expvar.NewMap("storymill_orphan_transitions_total")
		runLockContentionsTotal = expvar.NewInt("storymill_run_lock_contentions_total")
	})
}

func key(kind string) string {
	k := strings.TrimSpace(strings.ToLower(kind))
	if k == "" {
		return "unknown"
	}
	return k
}

// RecordCollaboratorCall counts one external classification/review/embedding
// call and its latency.
func RecordCollaboratorCall(kind string, duration time.Duration, err error) {
	ensureInit()
	k := key(kind)
	collaboratorCallTotal.Add(k, 1)
	if err != nil {
		collaboratorErrorTotal.Add(k, 1)
	}
	if duration > 0 {
		collaboratorLatencyMS.Add(k, duration.Milliseconds())
	}
}

// RecordBatch counts a processed pipeline batch.
func RecordBatch(records int) {
	ensureInit()
	if records <= 0 {
		return
	}
	pipelineBatchTotal.Add(1)
	pipelineRecordTotal.Add(int64(records))
}

// RecordBatchDeferred counts a batch pushed to the next run after retry
// exhaustion.
func RecordBatchDeferred() {
	ensureInit()
	pipelineBatchDeferred.Add(1)
}

// RecordReviewDecision counts a coherence review outcome.
func RecordReviewDecision(decision string) {
	ensureInit()
	reviewDecisionTotal.Add(key(decision), 1)
}

// RecordStoryMaterialized counts a story admitted by the quality gate.
func RecordStoryMaterialized() {
	ensureInit()
	storyMaterializedTotal.Add(1)
}

// RecordOrphanTransition counts an orphan state machine transition.
func RecordOrphanTransition(state string) {
	ensureInit()
	orphanTransitionTotal.Add(key(state), 1)
}

// RecordLockContention counts a run invocation rejected by the advisory lock.
func RecordLockContention() {
	ensureInit()
	runLockContentionsTotal.Add(1)
	common.Logger().Warn("telemetry: run lock contention recorded")
}

// Snapshot returns the current counter values for API exposure.
func Snapshot() map[string]interface{} {
	ensureInit()
	out := map[string]interface{}{
		"pipeline_batches_total":    pipelineBatchTotal.Value(),
		"pipeline_records_total":    pipelineRecordTotal.Value(),
		"pipeline_batches_deferred": pipelineBatchDeferred.Value(),
		"stories_materialized":      storyMaterializedTotal.Value(),
		"run_lock_contentions":      runLockContentionsTotal.Value(),
	}
	maps := map[string]*expvar.Map{
		"collaborator_calls":  collaboratorCallTotal,
		"collaborator_errors": collaboratorErrorTotal,
		"collaborator_ms":     collaboratorLatencyMS,
		"review_decisions":    reviewDecisionTotal,
		"orphan_transitions":  orphanTransitionTotal,
	}
	for name, m := range maps {
		values := make(map[string]int64)
		m.Do(func(kv expvar.KeyValue) {
			if v, ok := kv.Value.(*expvar.Int); ok {
				values[kv.Key] = v.Value()
			}
		})
		out[name] = values
	}
	return out
}
