// Package merge synthesizes one canonical entry from a validated cluster:
// a token-budgeted prompt, structured LLM synthesis with repair, fidelity
// verification against the sources, and a single-transaction supersession
// write. Merges that fail verification land in a durable review queue and
// touch nothing.
package merge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowkeep/knowkeep/internal/cluster"
	"github.com/knowkeep/knowkeep/internal/embedding"
	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

const (
	// Fidelity floors: every source must stay close to the merged content,
	// and the merged content must stay close to the cluster's center.
	sourceFidelityMin   = 0.65
	centroidFidelityMin = 0.75

	// DryRunID is the sentinel returned instead of a real entry id when the
	// engine runs in dry-run mode.
	DryRunID = "dry-run"
)

// Engine merges validated clusters into canonical entries.
type Engine struct {
	store    *store.Store
	embedder *embedding.Cache
	client   llm.Client
	review   *ReviewQueue

	// DryRun performs synthesis and verification but writes nothing.
	DryRun bool
}

// NewEngine builds a merge engine. reviewPath is the durable queue for
// merges that fail verification.
func NewEngine(st *store.Store, embedder *embedding.Cache, client llm.Client, reviewPath string) *Engine {
	return &Engine{
		store:    st,
		embedder: embedder,
		client:   client,
		review:   NewReviewQueue(reviewPath),
	}
}

// Outcome reports one merge attempt.
type Outcome struct {
	MergedID string // new canonical id, DryRunID in dry-run mode, "" when flagged
	Absorbed int    // sources superseded
	Flagged  bool   // true when the merge went to the review queue instead
	Warnings []string
}

// Merge synthesizes and commits one cluster. A verification failure is not
// an error: the cluster is queued for review and the outcome says so.
func (e *Engine) Merge(ctx context.Context, c *cluster.Cluster) (Outcome, error) {
	if len(c.Members) < 2 {
		return Outcome{}, fmt.Errorf("merge: cluster of %d members", len(c.Members))
	}

	prompt := renderPrompt(c.Members)
	raw, err := e.client.SynthesizeMerge(ctx, prompt)
	if err != nil {
		// Upstream failure: queue rather than lose the cluster.
		if qerr := e.flag(c, llm.MergeProposal{}, fmt.Sprintf("synthesis failed: %v", err)); qerr != nil {
			return Outcome{}, qerr
		}
		return Outcome{Flagged: true}, nil
	}

	proposal, warnings := llm.RepairMergeProposal(raw, majorityType(c.Members))
	for _, w := range warnings {
		logging.Debug("merge", "proposal repair: %s", w)
	}
	if strings.TrimSpace(proposal.Content) == "" {
		if qerr := e.flag(c, proposal, "empty merged content"); qerr != nil {
			return Outcome{}, qerr
		}
		return Outcome{Flagged: true, Warnings: warnings}, nil
	}

	mergedEmb, err := e.embedder.EmbedOne(ctx, proposal.Content)
	if err != nil {
		return Outcome{}, fmt.Errorf("embed merged content: %w", err)
	}

	if reason, ok := verifyFidelity(c.Members, mergedEmb); !ok {
		if qerr := e.flag(c, proposal, reason); qerr != nil {
			return Outcome{}, qerr
		}
		logging.Info("merge", "cluster %s flagged for review: %s", c.Fingerprint(), reason)
		return Outcome{Flagged: true, Warnings: warnings}, nil
	}

	if e.DryRun {
		return Outcome{MergedID: DryRunID, Absorbed: len(c.Members), Warnings: warnings}, nil
	}

	merged := buildMergedEntry(c.Members, proposal, mergedEmb)
	// Index DDL has to happen before the write tx opens its connection.
	if err := e.store.EnsureVecIndex(len(mergedEmb)); err != nil {
		logging.Warn("merge", "vec index create: %v", err)
	}
	err = e.store.WithTx(func(tx *sql.Tx) error {
		if err := e.store.AddEntryTx(tx, merged); err != nil {
			return err
		}
		for _, src := range c.Members {
			if err := e.store.AddEntrySource(tx, &memory.EntrySource{
				EntryID:         merged.ID,
				SourceID:        src.ID,
				Confirmations:   src.Confirmations,
				RecallCount:     src.RecallCount,
				SourceCreatedAt: src.CreatedAt,
			}); err != nil {
				return err
			}
			if err := e.store.Supersede(tx, src.ID, merged.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("merge commit: %w", err)
	}

	logging.Info("merge", "merged %d entries into %s", len(c.Members), merged.ID)
	return Outcome{MergedID: merged.ID, Absorbed: len(c.Members), Warnings: warnings}, nil
}

func (e *Engine) flag(c *cluster.Cluster, proposal llm.MergeProposal, reason string) error {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return e.review.Append(ReviewItem{
		ClusterFingerprint: c.Fingerprint(),
		MemberIDs:          ids,
		ProposedContent:    proposal.Content,
		Reason:             reason,
		FlaggedAt:          time.Now().UTC(),
	})
}

// verifyFidelity checks that the merged embedding stays faithful to every
// source and to the cluster centroid.
func verifyFidelity(members []*memory.Entry, mergedEmb []float64) (string, bool) {
	for _, m := range members {
		if sim := fingerprint.Cosine(m.Embedding, mergedEmb); sim < sourceFidelityMin {
			return fmt.Sprintf("source %s fidelity %.3f below %.2f", m.ID, sim, sourceFidelityMin), false
		}
	}
	embs := make([][]float64, len(members))
	for i, m := range members {
		embs[i] = m.Embedding
	}
	if sim := fingerprint.Cosine(fingerprint.Centroid(embs), mergedEmb); sim < centroidFidelityMin {
		return fmt.Sprintf("centroid fidelity %.3f below %.2f", sim, centroidFidelityMin), false
	}
	return "", true
}

func buildMergedEntry(members []*memory.Entry, proposal llm.MergeProposal, emb []float64) *memory.Entry {
	now := time.Now().UTC()
	merged := &memory.Entry{
		ID:              uuid.NewString(),
		Type:            memory.EntryType(proposal.Type),
		Subject:         proposal.Subject,
		Content:         proposal.Content,
		Importance:      proposal.Importance,
		Expiry:          memory.ExpiryTier(proposal.Expiry),
		Tags:            unionTags(members, proposal.Tags),
		Embedding:       emb,
		ContentHash:     fingerprint.ContentHash(proposal.Content),
		NormContentHash: fingerprint.NormContentHash(proposal.Content),
		MinHashSig:      fingerprint.MinHash(proposal.Content),
		MergedFrom:      len(members),
		ConsolidatedAt:  &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, m := range members {
		merged.Confirmations += m.Confirmations
		merged.RecallCount += m.RecallCount
	}
	if merged.Subject == "" {
		merged.Subject = members[0].Subject
	}
	return merged
}

// majorityType picks the most common member type, breaking ties by total
// confirmations.
func majorityType(members []*memory.Entry) memory.EntryType {
	counts := make(map[memory.EntryType]int)
	support := make(map[memory.EntryType]int)
	for _, m := range members {
		counts[m.Type]++
		support[m.Type] += m.Confirmations
	}
	var best memory.EntryType
	for typ := range counts {
		if best == "" {
			best = typ
			continue
		}
		if counts[typ] > counts[best] ||
			(counts[typ] == counts[best] && support[typ] > support[best]) ||
			(counts[typ] == counts[best] && support[typ] == support[best] && typ < best) {
			best = typ
		}
	}
	return best
}

// unionTags merges the proposal's tags with every source's, preserving first
// occurrence order and dropping duplicates.
func unionTags(members []*memory.Entry, proposed []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tags []string) {
		for _, tag := range tags {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	add(proposed)
	for _, m := range members {
		add(m.Tags)
	}
	return out
}
