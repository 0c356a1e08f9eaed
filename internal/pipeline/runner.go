// File path: internal/pipeline/runner.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storymill/storymill/internal/cluster"
	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/common/telemetry"
	"github.com/storymill/storymill/internal/gate"
	"github.com/storymill/storymill/internal/llm"
	"github.com/storymill/storymill/internal/orphan"
	"github.com/storymill/storymill/internal/review"
	"github.com/storymill/storymill/internal/sqlite"
	"github.com/storymill/storymill/internal/theme"
)

// Catalog is the persistence surface the runner drives directly. The sqlite
// store implements it.
type Catalog interface {
	CreateRun(ctx context.Context, run theme.PipelineRun) error
	FinishRun(ctx context.Context, run theme.PipelineRun) error
	AcquireRunLock(ctx context.Context, runID string) error
	ReleaseRunLock(ctx context.Context, runID string) error
	UpsertConversations(ctx context.Context, runID string, batch []sqlite.ClassifiedConversation) error
}

// EmbeddingIndex mirrors run embeddings into an external similarity index.
// Optional; index failures degrade pooling, never the run.
type EmbeddingIndex interface {
	UpsertEmbeddings(ctx context.Context, records []theme.ThemeRecord) error
}

// Deps wires the runner's collaborators. Index may be nil.
type Deps struct {
	Catalog  Catalog
	Provider llm.Provider
	Cluster  *cluster.Service
	Review   *review.Gate
	Gate     *gate.Materializer
	Orphans  *orphan.Accumulator
	Index    EmbeddingIndex
	Intake   *Intake
}

// Runner executes the grouping pipeline: drain intake, persist per batch,
// cluster, review, admit, and transition the orphan pool once at the end.
// Groups whose review collaborator failed are held on the runner, like the
// intake queue, and re-reviewed at the start of the next run.
type Runner struct {
	deps Deps
	cfg  Config

	heldMu sync.Mutex
	held   []theme.CandidateGroup
}

func NewRunner(deps Deps, cfg Config) (*Runner, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog required", ErrConfiguration)
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("%w: llm provider required", ErrConfiguration)
	}
	if deps.Cluster == nil || deps.Review == nil || deps.Gate == nil || deps.Orphans == nil {
		return nil, fmt.Errorf("%w: cluster, review, gate and orphan components required", ErrConfiguration)
	}
	if deps.Intake == nil {
		deps.Intake = NewIntake()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{deps: deps, cfg: cfg}, nil
}

// Intake exposes the runner's ingestion queue.
func (r *Runner) Intake() *Intake { return r.deps.Intake }

// Run executes one full pipeline pass over the queued intake. Exactly one
// run is active at a time: a lock conflict fails fast with
// ErrConcurrencyConflict. Cancellation is honored at batch boundaries and
// the run is finished with a terminal status either way.
func (r *Runner) Run(ctx context.Context, windowStart, windowEnd time.Time) (theme.PipelineRun, error) {
	logger := common.Logger()
	run := theme.PipelineRun{
		ID:          uuid.NewString(),
		WindowStart: windowStart.UTC(),
		WindowEnd:   windowEnd.UTC(),
		Status:      theme.RunRunning,
		StartedAt:   time.Now().UTC(),
	}

	if err := r.deps.Catalog.AcquireRunLock(ctx, run.ID); err != nil {
		if errors.Is(err, sqlite.ErrLockHeld) {
			telemetry.RecordLockContention()
			return run, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return run, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := r.deps.Catalog.ReleaseRunLock(context.WithoutCancel(ctx), run.ID); err != nil {
			logger.Warn("pipeline: run lock release failed", "run", run.ID, "error", err)
		}
	}()

	if err := r.deps.Catalog.CreateRun(ctx, run); err != nil {
		return run, fmt.Errorf("create run: %w", err)
	}
	logger.Info("pipeline: run started", "run", run.ID, "window_start", run.WindowStart, "window_end", run.WindowEnd)

	runErr := r.execute(ctx, &run)
	switch {
	case runErr == nil:
		run.Status = theme.RunCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = theme.RunCanceled
	default:
		run.Status = theme.RunFailed
	}
	if err := r.deps.Catalog.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("pipeline: run finalization failed", "run", run.ID, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("finish run: %w", err)
		}
	}
	logger.Info("pipeline: run finished", "run", run.ID, "status", run.Status,
		"conversations", run.ConversationsProcessed, "groups", run.GroupsFormed,
		"stories", run.StoriesCreated, "orphans", run.OrphansAdded)
	return run, runErr
}

func (r *Runner) execute(ctx context.Context, run *theme.PipelineRun) error {
	logger := common.Logger()
	items := r.deps.Intake.Drain()
	if len(items) == 0 {
		logger.Info("pipeline: intake empty, running transitions only", "run", run.ID)
	}

	var processed []theme.ThemeRecord
	var deferred []Item
	for start := 0; start < len(items); start += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			// Stop signal: completed batches stand, the rest waits for the
			// next run.
			r.deps.Intake.Requeue(items[start:])
			logger.Warn("pipeline: run canceled at batch boundary", "run", run.ID, "requeued", len(items)-start)
			return err
		}
		end := start + r.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		records, err := r.processBatch(ctx, run.ID, batch)
		if err != nil {
			logger.Warn("pipeline: batch deferred after retries", "run", run.ID, "size", len(batch), "error", err)
			telemetry.RecordBatchDeferred()
			deferred = append(deferred, batch...)
			continue
		}
		processed = append(processed, records...)
		run.ConversationsProcessed += len(records)
		telemetry.RecordBatch(len(records))
	}
	if len(deferred) > 0 {
		r.deps.Intake.Requeue(deferred)
	}

	if r.deps.Index != nil && len(processed) > 0 {
		if err := r.deps.Index.UpsertEmbeddings(ctx, processed); err != nil {
			logger.Warn("pipeline: similarity index update failed", "run", run.ID, "error", err)
		}
	}

	clustered := r.deps.Cluster.Cluster(processed)
	groups := append(r.takeHeld(), clustered.Groups...)
	if err := r.resolveGroups(ctx, run, groups); err != nil {
		return err
	}

	orphanResult, err := r.deps.Orphans.EndOfRun(ctx, run.ID, clustered.Residual)
	if err != nil {
		return fmt.Errorf("orphan transitions: %w", err)
	}
	run.OrphansAdded += orphanResult.Added

	// Graduated pools face the same review and admission as fresh groups.
	if len(orphanResult.Graduated) > 0 {
		if err := r.resolveGroups(ctx, run, orphanResult.Graduated); err != nil {
			return err
		}
	}
	return nil
}

// resolveGroups pushes candidate groups through review and admission. Members
// rejected or failing admission return to the orphan pool carrying the size
// of the group they fell out of, so the identical membership cannot churn
// back through review unchanged. A collaborator failure holds the group: its
// members are neither storied nor orphaned this run, and the group is
// re-reviewed as-is on the next one.
func (r *Runner) resolveGroups(ctx context.Context, run *theme.PipelineRun, groups []theme.CandidateGroup) error {
	logger := common.Logger()
	run.GroupsFormed += len(groups)
	for _, group := range groups {
		resolution, err := r.deps.Review.Review(ctx, group)
		if err != nil {
			logger.Warn("pipeline: review unavailable, holding group", "run", run.ID, "group", group.ID, "size", group.Size(), "error", err)
			r.holdGroup(group)
			continue
		}
		fallout := resolution.Rejected
		for _, kept := range resolution.Kept {
			outcome, err := r.deps.Gate.Materialize(ctx, run.ID, kept)
			if err != nil {
				logger.Error("pipeline: materialization failed, holding group", "run", run.ID, "group", kept.ID, "error", err)
				r.holdGroup(kept)
				continue
			}
			fallout = append(fallout, outcome.Failed...)
			if outcome.Story != nil {
				run.StoriesCreated++
			}
		}
		if len(fallout) > 0 {
			reinserted, err := r.deps.Orphans.Reinsert(ctx, run.ID, fallout)
			if err != nil {
				return fmt.Errorf("return group fallout to pool: %w", err)
			}
			run.OrphansAdded += reinserted
		}
	}
	return nil
}

func (r *Runner) holdGroup(group theme.CandidateGroup) {
	r.heldMu.Lock()
	r.held = append(r.held, group)
	r.heldMu.Unlock()
}

// takeHeld drains the groups held from earlier runs for re-review.
func (r *Runner) takeHeld() []theme.CandidateGroup {
	r.heldMu.Lock()
	held := r.held
	r.held = nil
	r.heldMu.Unlock()
	return held
}

// processBatch persists one classified batch, filling missing embeddings
// first. Transient failures retry with bounded attempts; exhaustion defers
// the batch to the next run.
func (r *Runner) processBatch(ctx context.Context, runID string, batch []Item) ([]theme.ThemeRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.RetryAttempts; attempt++ {
		records, err := r.attemptBatch(ctx, runID, batch)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < r.cfg.RetryAttempts {
			wait := time.Duration(attempt) * 500 * time.Millisecond
			common.Logger().Warn("pipeline: batch attempt failed, retrying", "run", runID, "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, lastErr
}

func (r *Runner) attemptBatch(ctx context.Context, runID string, batch []Item) ([]theme.ThemeRecord, error) {
	filled, err := r.fillEmbeddings(ctx, batch)
	if err != nil {
		return nil, err
	}
	persist := make([]sqlite.ClassifiedConversation, 0, len(filled))
	records := make([]theme.ThemeRecord, 0, len(filled))
	for _, item := range filled {
		rec := item.Record
		rec.ConversationID = item.Conversation.ID
		rec.RunID = runID
		if rec.OccurredAt.IsZero() {
			rec.OccurredAt = item.Conversation.OccurredAt
		}
		persist = append(persist, sqlite.ClassifiedConversation{Conversation: item.Conversation, Record: rec})
		records = append(records, rec)
	}
	if err := r.deps.Catalog.UpsertConversations(ctx, runID, persist); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	return records, nil
}

// fillEmbeddings requests embeddings for items that arrived without one,
// with a bounded worker pool over the embedding collaborator.
func (r *Runner) fillEmbeddings(ctx context.Context, batch []Item) ([]Item, error) {
	type embedJob struct {
		index int
		text  string
	}
	type embedResult struct {
		index  int
		vector []float32
		err    error
	}
	var jobs []embedJob
	for idx, item := range batch {
		if len(item.Record.Embedding) > 0 {
			continue
		}
		text := item.Record.Excerpt
		if text == "" {
			text = item.Conversation.Text
		}
		if text == "" {
			continue
		}
		jobs = append(jobs, embedJob{index: idx, text: text})
	}
	if len(jobs) == 0 {
		return batch, nil
	}

	workerCount := r.cfg.MaxParallelCalls
	if workerCount > len(jobs) {
		workerCount = len(jobs)
	}
	jobCh := make(chan embedJob)
	results := make(chan embedResult, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				select {
				case <-ctx.Done():
					results <- embedResult{index: job.index, err: ctx.Err()}
					continue
				default:
				}
				childCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				vectors, err := r.deps.Provider.Embed(childCtx, []string{job.text})
				cancel()
				if err != nil {
					results <- embedResult{index: job.index, err: &CollaboratorError{Op: "embed", Err: err}}
					continue
				}
				var vector []float32
				if len(vectors) > 0 {
					vector = vectors[0]
				}
				results <- embedResult{index: job.index, vector: vector}
			}
		}()
	}
	go func() {
		for _, job := range jobs {
			jobCh <- job
		}
		close(jobCh)
		wg.Wait()
		close(results)
	}()

	updated := make([]Item, len(batch))
	copy(updated, batch)
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		updated[res.index].Record.Embedding = res.vector
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return updated, nil
}
