// Package orchestrate coordinates the consolidation phases: per-type tight
// clustering, cross-type clustering, and a post-merge recluster of the new
// canonical entries, with an optional batch cap and a resumable checkpoint.
package orchestrate

import (
	"context"
	"fmt"

	"github.com/knowkeep/knowkeep/internal/cluster"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/merge"
	"github.com/knowkeep/knowkeep/internal/store"
)

const (
	// TightPerType is the phase-1 similarity threshold.
	TightPerType = 0.82
	// TightCrossType is the stricter phase-2 threshold for clustering
	// across all types at once.
	TightCrossType = 0.88
)

// phaseTypes is the phase-1 iteration order.
var phaseTypes = []memory.EntryType{
	memory.TypeFact,
	memory.TypePreference,
	memory.TypeDecision,
	memory.TypeTodo,
	memory.TypeEvent,
}

// Orchestrator runs the consolidation phases end to end.
type Orchestrator struct {
	store          *store.Store
	builder        *cluster.Builder
	merger         *merge.Engine
	checkpointPath string

	// BatchLimit caps clusters processed per invocation; 0 is unlimited.
	// Hitting the cap stops mid-phase and persists a checkpoint.
	BatchLimit int

	// TypeFilter restricts phase 1 to one type and disables phase 2.
	TypeFilter memory.EntryType
}

// NewOrchestrator wires the phases together. checkpointPath is where an
// interrupted run parks its progress.
func NewOrchestrator(st *store.Store, builder *cluster.Builder, merger *merge.Engine, checkpointPath string) *Orchestrator {
	return &Orchestrator{
		store:          st,
		builder:        builder,
		merger:         merger,
		checkpointPath: checkpointPath,
	}
}

// PhaseReport summarizes one phase.
type PhaseReport struct {
	Name              string
	ClustersFound     int
	ClustersProcessed int
	Merged            int
	Flagged           int
	LLMCalls          int

	newIDs []string // canonical ids minted during this phase
}

// Report summarizes one orchestrator invocation.
type Report struct {
	Phases        []PhaseReport
	NewCanonicals []string // ids of canonical entries created this invocation
	Partial       bool     // true when the batch cap stopped the run early
}

// Run executes the phases. With resume, a persisted checkpoint is loaded and
// already-processed clusters are skipped. The final index rebuild and WAL
// checkpoint run exactly once, only when the run completes without hitting
// the batch cap.
func (o *Orchestrator) Run(ctx context.Context, resume bool) (Report, error) {
	var report Report

	ckpt := newCheckpoint()
	if resume {
		loaded, err := loadCheckpoint(o.checkpointPath)
		if err != nil {
			return report, err
		}
		if loaded != nil {
			ckpt = loaded
			logging.Info("orchestrate", "resuming run started %s", ckpt.StartedAt.Format("2006-01-02 15:04:05"))
		}
	}

	processed := 0
	capped := false

	// Phase 1: tight clustering, one type at a time.
	types := phaseTypes
	if o.TypeFilter != "" {
		types = []memory.EntryType{o.TypeFilter}
	}
	for ti, typ := range types {
		phase := PhaseReport{Name: fmt.Sprintf("per-type:%s", typ)}
		o.builder.Tight = TightPerType
		done, err := o.runPhase(ctx, &phase, ckpt, string(typ), typ, &processed)
		if err != nil {
			return report, err
		}
		report.collect(phase)
		if !done {
			ckpt.Phase, ckpt.TypeIndex = 1, ti
			capped = true
			break
		}
	}

	// Phase 2: cross-type, stricter threshold; only without a type filter.
	if !capped && o.TypeFilter == "" {
		phase := PhaseReport{Name: "cross-type"}
		o.builder.Tight = TightCrossType
		done, err := o.runPhase(ctx, &phase, ckpt, "cross", "", &processed)
		if err != nil {
			return report, err
		}
		report.collect(phase)
		if !done {
			ckpt.Phase = 2
			capped = true
		}
	}

	// Phase 3: recluster the canonicals this run created, with the
	// idempotency window disabled so they are admitted to the pool.
	// Skipped when the cap already hit or nothing new exists.
	if !capped && len(report.NewCanonicals) > 0 {
		phase := PhaseReport{Name: "post-merge"}
		o.builder.Tight = TightPerType
		prevWindow := o.builder.IdempotencyDays
		o.builder.IdempotencyDays = 0
		done, err := o.runPostMerge(ctx, &phase, ckpt, &processed, report.NewCanonicals)
		o.builder.IdempotencyDays = prevWindow
		if err != nil {
			return report, err
		}
		report.collect(phase)
		if !done {
			ckpt.Phase = 3
			capped = true
		}
	}

	if capped {
		report.Partial = true
		if o.merger.DryRun {
			// Nothing was merged, so there is no progress to persist, and
			// saving would make a later real resume skip live clusters.
			logging.Info("orchestrate", "batch cap hit after %d clusters (dry run, no checkpoint)", processed)
			return report, nil
		}
		if err := saveCheckpoint(o.checkpointPath, ckpt); err != nil {
			return report, err
		}
		logging.Info("orchestrate", "batch cap hit after %d clusters, checkpoint saved", processed)
		return report, nil
	}

	if o.merger.DryRun {
		// A dry run must also leave any real partial run's checkpoint alone.
		return report, nil
	}
	if err := deleteCheckpoint(o.checkpointPath); err != nil {
		logging.Warn("orchestrate", "checkpoint delete: %v", err)
	}
	if _, err := o.store.RebuildVectorIndex(); err != nil {
		logging.Warn("orchestrate", "final vector rebuild: %v", err)
	}
	if err := o.store.CheckpointWAL(); err != nil {
		logging.Warn("orchestrate", "final WAL checkpoint: %v", err)
	}
	return report, nil
}

// runPhase builds and merges clusters for one phase. Returns false when the
// batch cap interrupted the phase.
func (o *Orchestrator) runPhase(ctx context.Context, phase *PhaseReport, ckpt *Checkpoint, key string, typ memory.EntryType, processed *int) (bool, error) {
	clusters, llmCalls, err := o.builder.Build(ctx, typ)
	if err != nil {
		return false, fmt.Errorf("phase %s: %w", phase.Name, err)
	}
	phase.ClustersFound = len(clusters)
	phase.LLMCalls += llmCalls

	for ci, c := range clusters {
		if ckpt.done(key, c.Fingerprint()) {
			continue
		}
		if o.BatchLimit > 0 && *processed >= o.BatchLimit {
			ckpt.ClusterIndex = ci
			return false, nil
		}
		if err := o.mergeOne(ctx, phase, ckpt, key, c, processed); err != nil {
			return false, err
		}
	}
	return true, nil
}

// runPostMerge is runPhase restricted to clusters touching a new canonical.
func (o *Orchestrator) runPostMerge(ctx context.Context, phase *PhaseReport, ckpt *Checkpoint, processed *int, canonicals []string) (bool, error) {
	isNew := make(map[string]bool, len(canonicals))
	for _, id := range canonicals {
		isNew[id] = true
	}

	clusters, llmCalls, err := o.builder.Build(ctx, "")
	if err != nil {
		return false, fmt.Errorf("phase post-merge: %w", err)
	}
	phase.LLMCalls += llmCalls

	for ci, c := range clusters {
		touchesNew := false
		for _, m := range c.Members {
			if isNew[m.ID] {
				touchesNew = true
				break
			}
		}
		if !touchesNew {
			continue
		}
		phase.ClustersFound++
		if ckpt.done("post", c.Fingerprint()) {
			continue
		}
		if o.BatchLimit > 0 && *processed >= o.BatchLimit {
			ckpt.ClusterIndex = ci
			return false, nil
		}
		if err := o.mergeOne(ctx, phase, ckpt, "post", c, processed); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (o *Orchestrator) mergeOne(ctx context.Context, phase *PhaseReport, ckpt *Checkpoint, key string, c *cluster.Cluster, processed *int) error {
	out, err := o.merger.Merge(ctx, c)
	if err != nil {
		return fmt.Errorf("merge cluster %s: %w", c.Fingerprint(), err)
	}
	phase.ClustersProcessed++
	phase.LLMCalls++ // the synthesis call
	*processed++
	if !o.merger.DryRun {
		ckpt.mark(key, c.Fingerprint())
	}
	if out.Flagged {
		phase.Flagged++
	} else {
		phase.Merged++
		phase.newIDs = append(phase.newIDs, out.MergedID)
	}
	return nil
}

// collect folds a finished phase into the report.
func (r *Report) collect(phase PhaseReport) {
	for _, id := range phase.newIDs {
		if id != merge.DryRunID {
			r.NewCanonicals = append(r.NewCanonicals, id)
		}
	}
	r.Phases = append(r.Phases, phase)
}
