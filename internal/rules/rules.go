// Package rules is the no-LLM consolidation pass: backup, expire decayed
// temporary entries, merge near-exact duplicates, and clean orphaned
// relations, all inside one transaction.
package rules

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

// NearExactThreshold is the cosine similarity at which two same-type,
// same-subject entries are merged without consulting any model.
const NearExactThreshold = 0.95

// Runner executes one consolidation rules pass.
type Runner struct {
	store *store.Store

	// DryRun reports counts without mutating anything. The pre-mutation
	// backup is skipped too, since there is nothing to protect.
	DryRun bool
}

// NewRunner builds a rules runner over an open store.
func NewRunner(st *store.Store) *Runner {
	return &Runner{store: st}
}

// Stats reports one rules pass.
type Stats struct {
	EntriesBefore          int
	EntriesAfter           int
	Expired                int
	Merged                 int
	OrphanRelationsDeleted int
	BackupPath             string
}

// nearExactGroup is one planned rule merge: sources absorbed into the keeper.
type nearExactGroup struct {
	keeper  *memory.Entry
	sources []*memory.Entry
}

// Run executes the pass: backup, expire, near-exact merge, orphan cleanup.
// Mutations run in a single transaction; the vector index rebuild afterwards
// is best-effort. Invariant: EntriesAfter == EntriesBefore - Expired - Merged.
func (r *Runner) Run() (Stats, error) {
	var stats Stats

	if !r.DryRun {
		// Integrity hazard: refusing to mutate without a backup.
		backupPath, err := r.store.Backup()
		if err != nil {
			return stats, fmt.Errorf("pre-consolidate backup: %w", err)
		}
		stats.BackupPath = backupPath
	}

	before, err := r.store.CountActive()
	if err != nil {
		return stats, err
	}
	stats.EntriesBefore = before

	expireIDs, err := r.planExpiry()
	if err != nil {
		return stats, err
	}
	groups, err := r.planNearExactMerges(expireIDs)
	if err != nil {
		return stats, err
	}

	stats.Expired = len(expireIDs)
	for _, g := range groups {
		stats.Merged += len(g.sources)
	}

	if r.DryRun {
		stats.EntriesAfter = before - stats.Expired - stats.Merged
		logging.Info("rules", "dry-run: would expire %d, merge %d", stats.Expired, stats.Merged)
		return stats, nil
	}

	err = r.store.WithTx(func(tx *sql.Tx) error {
		if err := r.store.EnsureExpiredSentinel(tx); err != nil {
			return err
		}
		for _, id := range expireIDs {
			if err := r.store.Supersede(tx, id, memory.SentinelExpired); err != nil {
				return err
			}
		}
		for _, g := range groups {
			if err := r.applyMerge(tx, g); err != nil {
				return err
			}
		}
		deleted, err := r.store.DeleteOrphanRelations(tx)
		if err != nil {
			return err
		}
		stats.OrphanRelationsDeleted = deleted
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("rules pass: %w", err)
	}

	after, err := r.store.CountActive()
	if err != nil {
		return stats, err
	}
	stats.EntriesAfter = after

	if _, err := r.store.RebuildVectorIndex(); err != nil {
		logging.Warn("rules", "vector rebuild failed (non-fatal): %v", err)
	}
	if err := r.store.PruneBackups(); err != nil {
		logging.Warn("rules", "backup prune failed (non-fatal): %v", err)
	}

	logging.Info("rules", "expired %d, merged %d, cleaned %d orphan relations (%d -> %d active)",
		stats.Expired, stats.Merged, stats.OrphanRelationsDeleted, stats.EntriesBefore, stats.EntriesAfter)
	return stats, nil
}

// planExpiry lists active temporary entries whose recency score has decayed
// below the floor.
func (r *Runner) planExpiry() ([]string, error) {
	entries, err := r.store.ActiveEntries("")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var ids []string
	for _, e := range entries {
		if memory.Expired(e.Expiry, e.UpdatedAt, now) {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// planNearExactMerges groups active embedded entries by type and normalized
// subject, then unions pairs at or above the near-exact threshold. Entries
// already slated for expiry are left alone.
func (r *Runner) planNearExactMerges(expireIDs []string) ([]nearExactGroup, error) {
	expiring := make(map[string]bool, len(expireIDs))
	for _, id := range expireIDs {
		expiring[id] = true
	}

	all, err := r.store.ActiveEmbeddedEntries("")
	if err != nil {
		return nil, err
	}
	var pool []*memory.Entry
	for _, e := range all {
		if !expiring[e.ID] {
			pool = append(pool, e)
		}
	}

	buckets := make(map[string][]*memory.Entry)
	for _, e := range pool {
		key := string(e.Type) + "\x00" + fingerprint.NormalizeSubject(e.Subject)
		buckets[key] = append(buckets[key], e)
	}

	var groups []nearExactGroup
	for _, bucket := range buckets {
		if len(bucket) < 2 {
			continue
		}
		uf := fingerprint.NewUnionFind(len(bucket))
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				if fingerprint.Cosine(bucket[i].Embedding, bucket[j].Embedding) >= NearExactThreshold {
					uf.Union(i, j)
				}
			}
		}
		for _, idxs := range uf.Groups() {
			if len(idxs) < 2 {
				continue
			}
			members := make([]*memory.Entry, len(idxs))
			for k, bi := range idxs {
				members[k] = bucket[bi]
			}
			groups = append(groups, splitKeeper(members))
		}
	}

	// Deterministic application order.
	sort.Slice(groups, func(a, z int) bool { return groups[a].keeper.ID < groups[z].keeper.ID })
	return groups, nil
}

// splitKeeper picks the highest-support member (ties broken by recency) as
// the keeper; everyone else is absorbed.
func splitKeeper(members []*memory.Entry) nearExactGroup {
	keeper := members[0]
	for _, m := range members[1:] {
		if m.Support() > keeper.Support() ||
			(m.Support() == keeper.Support() && m.UpdatedAt.After(keeper.UpdatedAt)) {
			keeper = m
		}
	}
	g := nearExactGroup{keeper: keeper}
	for _, m := range members {
		if m.ID != keeper.ID {
			g.sources = append(g.sources, m)
		}
	}
	return g
}

// applyMerge absorbs each source into the keeper: provenance row, counter
// sums, tag union, supersession edge.
func (r *Runner) applyMerge(tx *sql.Tx, g nearExactGroup) error {
	addConfirmations := 0
	addRecalls := 0
	tags := append([]string(nil), g.keeper.Tags...)
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		seen[tag] = true
	}

	for _, src := range g.sources {
		if err := r.store.AddEntrySource(tx, &memory.EntrySource{
			EntryID:         g.keeper.ID,
			SourceID:        src.ID,
			Confirmations:   src.Confirmations,
			RecallCount:     src.RecallCount,
			SourceCreatedAt: src.CreatedAt,
		}); err != nil {
			return err
		}
		if err := r.store.Supersede(tx, src.ID, g.keeper.ID); err != nil {
			return err
		}
		addConfirmations += src.Confirmations
		addRecalls += src.RecallCount
		for _, tag := range src.Tags {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}

	return r.store.AbsorbCounters(tx, g.keeper.ID, addConfirmations, addRecalls, tags, len(g.sources))
}
