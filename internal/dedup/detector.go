package dedup

import (
	"context"
	"database/sql"

	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

// Detector runs contradiction checks after a true ADD: extract a structured
// claim from the new entry, find same-topic candidates, and classify each
// pair. A supersedes verdict auto-resolves; a contradicts verdict only flags.
type Detector struct {
	store  *store.Store
	client llm.Client
}

// NewDetector builds a contradiction detector around a configured judge.
func NewDetector(st *store.Store, client llm.Client) *Detector {
	return &Detector{store: st, client: client}
}

// Check examines a freshly added entry against its same-topic peers. It never
// fails the caller: the entry is already committed and every step here
// degrades by skipping. Returns counts of auto-resolved and flagged conflicts.
func (d *Detector) Check(ctx context.Context, entry *memory.Entry) (resolved, flagged int) {
	d.extractClaim(ctx, entry)

	candidates, err := d.candidates(entry)
	if err != nil {
		logging.Warn("conflict", "candidate lookup for %s: %v", entry.ID, err)
		return 0, 0
	}

	// One new entry may resolve several distinct conflicts in one write.
	for _, cand := range candidates {
		judgment, err := d.client.ClassifyConflict(ctx, entry.Content, cand.Content)
		if err != nil {
			logging.Warn("conflict", "judge failed for %s/%s: %v", entry.ID, cand.ID, err)
			continue
		}
		judgment, warnings := llm.RepairConflictJudgment(judgment)
		for _, w := range warnings {
			logging.Debug("conflict", "judgment repair: %s", w)
		}

		switch judgment.Relation {
		case llm.RelationSupersedes:
			err := d.store.WithTx(func(tx *sql.Tx) error {
				if err := d.store.Supersede(tx, cand.ID, entry.ID); err != nil {
					return err
				}
				return d.store.LogConflict(tx, &memory.ConflictLogRow{
					EntryA:      entry.ID,
					EntryB:      cand.ID,
					Relation:    judgment.Relation,
					Confidence:  judgment.Confidence,
					Resolution:  memory.ResolutionAutoSuperseded,
					Explanation: judgment.Explanation,
				})
			})
			if err != nil {
				logging.Warn("conflict", "auto-supersede %s -> %s: %v", cand.ID, entry.ID, err)
				continue
			}
			resolved++
		case llm.RelationContradicts:
			err := d.store.LogConflict(d.store.DB(), &memory.ConflictLogRow{
				EntryA:      entry.ID,
				EntryB:      cand.ID,
				Relation:    judgment.Relation,
				Confidence:  judgment.Confidence,
				Resolution:  memory.ResolutionPending,
				Explanation: judgment.Explanation,
			})
			if err != nil {
				logging.Warn("conflict", "log pending %s/%s: %v", entry.ID, cand.ID, err)
				continue
			}
			flagged++
		}
		// coexists and unrelated leave no trace.
	}
	return resolved, flagged
}

// extractClaim fills the entry's claim fields in place and persists them.
// Extraction failure falls back silently; the entry simply carries no claim.
func (d *Detector) extractClaim(ctx context.Context, entry *memory.Entry) {
	claim, err := d.client.ExtractClaim(ctx, entry.Content, entry.Subject)
	if err != nil {
		logging.Debug("conflict", "claim extraction for %s: %v", entry.ID, err)
		return
	}
	if claim.SubjectEntity == "" || claim.SubjectAttribute == "" {
		return
	}
	entry.SubjectEntity = fingerprint.NormalizeSubject(claim.SubjectEntity)
	entry.SubjectAttribute = fingerprint.NormalizeSubject(claim.SubjectAttribute)
	entry.SubjectKey = fingerprint.SubjectKey(claim.SubjectEntity, claim.SubjectAttribute)
	entry.ClaimPredicate = claim.Predicate
	entry.ClaimObject = claim.Object
	entry.ClaimConfidence = claim.Confidence

	if err := d.store.UpdateClaim(d.store.DB(), entry.ID,
		entry.SubjectEntity, entry.SubjectAttribute, entry.SubjectKey,
		entry.ClaimPredicate, entry.ClaimObject, entry.ClaimConfidence); err != nil {
		logging.Warn("conflict", "persist claim for %s: %v", entry.ID, err)
	}
}

// candidates prefers entries sharing the subject key, falling back to
// embedding neighbors when the claim gave us nothing to key on.
func (d *Detector) candidates(entry *memory.Entry) ([]*memory.Entry, error) {
	if entry.SubjectKey != "" {
		peers, err := d.store.ActiveBySubjectKey(entry.SubjectKey, entry.ID)
		if err != nil {
			return nil, err
		}
		if len(peers) > 0 {
			return peers, nil
		}
	}
	if len(entry.Embedding) == 0 {
		return nil, nil
	}
	similar, err := d.store.FindSimilar(entry.Embedding, neighborK)
	if err != nil {
		return nil, err
	}
	var peers []*memory.Entry
	for _, s := range similar {
		if s.Entry.ID != entry.ID {
			peers = append(peers, s.Entry)
		}
	}
	return peers, nil
}
