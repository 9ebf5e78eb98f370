// Package dedup is the online ingest path: multi-tier duplicate detection
// (run-local seen hashes, exact and normalized content hashes, embedding
// similarity, LLM arbitration) deciding ADD/SKIP/UPDATE/SUPERSEDE per entry,
// plus the post-ADD contradiction detector.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knowkeep/knowkeep/internal/embedding"
	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

const (
	// DefaultThreshold is the cosine similarity below which an incoming
	// entry is added without LLM arbitration.
	DefaultThreshold = 0.85

	neighborK = 20
)

// Engine runs the online dedup decision for incoming entries. Writes commit
// per entry, so a mid-batch failure never loses already-committed entries.
type Engine struct {
	store     *store.Store
	embedder  *embedding.Cache
	client    llm.Client // nil disables arbitration; borderline entries are added
	detector  *Detector  // nil disables contradiction detection
	threshold float64
}

// NewEngine builds an online dedup engine. client may be nil, in which case
// entries above the similarity threshold are added rather than arbitrated.
func NewEngine(st *store.Store, embedder *embedding.Cache, client llm.Client) *Engine {
	return &Engine{
		store:     st,
		embedder:  embedder,
		client:    client,
		threshold: DefaultThreshold,
	}
}

// SetThreshold overrides the arbitration similarity threshold.
func (e *Engine) SetThreshold(t float64) { e.threshold = t }

// SetDetector enables post-ADD contradiction detection.
func (e *Engine) SetDetector(d *Detector) { e.detector = d }

// Session carries the run-local dedup state: content hashes already seen in
// this run, mapped to the entry they resolved to. Owned by the caller and
// passed explicitly through the ingest chain; not safe for concurrent use.
type Session struct {
	byExactHash map[string]string
	byNormHash  map[string]string
}

// NewSession starts an empty ingest session.
func NewSession() *Session {
	return &Session{
		byExactHash: make(map[string]string),
		byNormHash:  make(map[string]string),
	}
}

func (s *Session) record(exactHash, normHash, entryID string) {
	s.byExactHash[exactHash] = entryID
	if normHash != "" {
		s.byNormHash[normHash] = entryID
	}
}

func (s *Session) lookup(exactHash, normHash string) (string, bool) {
	if id, ok := s.byExactHash[exactHash]; ok {
		return id, true
	}
	if id, ok := s.byNormHash[normHash]; ok {
		return id, true
	}
	return "", false
}

// Result aggregates the outcome counts of one ingest call.
type Result struct {
	Added             int
	Updated           int
	Skipped           int
	Superseded        int
	LLMDedupCalls     int
	RelationsCreated  int
	ConflictsResolved int
	ConflictsFlagged  int
}

// Ingest runs the online dedup decision for each entry in order. force
// bypasses every dedup tier and inserts unconditionally. Errors stop the
// batch; entries already committed stay committed.
func (e *Engine) Ingest(ctx context.Context, sess *Session, entries []*memory.Entry, force bool) (Result, error) {
	var res Result
	for _, entry := range entries {
		if err := e.ingestOne(ctx, sess, entry, force, &res); err != nil {
			return res, fmt.Errorf("ingest %q: %w", logging.Truncate(entry.Content, 60), err)
		}
	}
	return res, nil
}

// IngestOne ingests a single entry. See Ingest.
func (e *Engine) IngestOne(ctx context.Context, sess *Session, entry *memory.Entry, force bool) (Result, error) {
	var res Result
	err := e.ingestOne(ctx, sess, entry, force, &res)
	return res, err
}

func (e *Engine) ingestOne(ctx context.Context, sess *Session, entry *memory.Entry, force bool, res *Result) error {
	prepare(entry)

	if !force {
		// Tier 1: hashes already seen this run. No embedding, no LLM.
		if targetID, ok := sess.lookup(entry.ContentHash, entry.NormContentHash); ok {
			return e.commitSkip(sess, entry, targetID, res)
		}
		// Tier 2: exact or cosmetic duplicate already in the store.
		if targetID, err := e.findStoredDuplicate(entry); err != nil {
			return err
		} else if targetID != "" {
			return e.commitSkip(sess, entry, targetID, res)
		}
	}

	emb, err := e.embedder.EmbedOne(ctx, entry.Content)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	entry.Embedding = emb

	if force {
		return e.commitAdd(ctx, sess, entry, res)
	}

	// Tier 3: embedding similarity against the active pool.
	neighbors, err := e.store.FindSimilar(emb, neighborK)
	if err != nil {
		return fmt.Errorf("neighbor lookup: %w", err)
	}
	if len(neighbors) == 0 || neighbors[0].Similarity < e.threshold || e.client == nil {
		return e.commitAdd(ctx, sess, entry, res)
	}

	// Tier 4: LLM arbitration over the near matches.
	decision := e.arbitrate(ctx, entry, neighbors, res)
	switch decision.Action {
	case llm.ActionSkip:
		return e.commitSkip(sess, entry, decision.TargetID, res)
	case llm.ActionUpdate:
		return e.commitUpdate(ctx, sess, entry, decision, res)
	case llm.ActionSupersede:
		return e.commitSupersede(sess, entry, decision.TargetID, res)
	default:
		return e.commitAdd(ctx, sess, entry, res)
	}
}

// prepare fills ingest-time fields: id, fingerprints, defaults, timestamps.
func prepare(entry *memory.Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.ContentHash = fingerprint.ContentHash(entry.Content)
	entry.NormContentHash = fingerprint.NormContentHash(entry.Content)
	entry.MinHashSig = fingerprint.MinHash(entry.Content)
	if !memory.ValidType(entry.Type) {
		entry.Type = memory.TypeFact
	}
	if !memory.ValidTier(entry.Expiry) {
		entry.Expiry = memory.TierPermanent
	}
	if entry.Importance < 1 || entry.Importance > 10 {
		entry.Importance = 5
	}
	if entry.Confirmations == 0 {
		entry.Confirmations = 1
	}
	if entry.SubjectEntity != "" && entry.SubjectAttribute != "" && entry.SubjectKey == "" {
		entry.SubjectKey = fingerprint.SubjectKey(entry.SubjectEntity, entry.SubjectAttribute)
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
}

func (e *Engine) findStoredDuplicate(entry *memory.Entry) (string, error) {
	if id, err := e.store.FindByContentHash(entry.ContentHash); err != nil || id != "" {
		return id, err
	}
	return e.store.FindByNormHash(entry.NormContentHash)
}

// arbitrate asks the LLM to choose an action. Any failure degrades to ADD;
// an arbitration hiccup must never block ingest.
func (e *Engine) arbitrate(ctx context.Context, entry *memory.Entry, neighbors []store.SimilarEntry, res *Result) llm.DedupDecision {
	candidates := make([]llm.Neighbor, 0, len(neighbors))
	valid := make(map[string]bool, len(neighbors))
	for _, n := range neighbors {
		if n.Similarity < e.threshold {
			break // sorted descending; the rest are below the bar
		}
		candidates = append(candidates, llm.Neighbor{
			ID:         n.Entry.ID,
			Type:       string(n.Entry.Type),
			Subject:    n.Entry.Subject,
			Content:    n.Entry.Content,
			Similarity: n.Similarity,
		})
		valid[n.Entry.ID] = true
	}

	res.LLMDedupCalls++
	raw, err := e.client.DecideDedup(ctx, entry.Content, entry.Subject, string(entry.Type), candidates)
	if err != nil {
		logging.Warn("dedup", "arbitration failed, defaulting to ADD: %v", err)
		return llm.DedupDecision{Action: llm.ActionAdd}
	}

	decision, warnings := llm.RepairDedupDecision(raw)
	for _, w := range warnings {
		logging.Debug("dedup", "decision repair: %s", w)
	}
	if decision.Action != llm.ActionAdd && !valid[decision.TargetID] {
		logging.Warn("dedup", "arbiter chose unknown target %s, defaulting to ADD", decision.TargetID)
		return llm.DedupDecision{Action: llm.ActionAdd}
	}
	return decision
}

// ensureVecIndex creates the vec0 index before a commit opens its write
// transaction; the DDL cannot run while the tx holds the lock.
func (e *Engine) ensureVecIndex(emb []float64) {
	if err := e.store.EnsureVecIndex(len(emb)); err != nil {
		logging.Warn("dedup", "vec index create: %v", err)
	}
}

func (e *Engine) commitAdd(ctx context.Context, sess *Session, entry *memory.Entry, res *Result) error {
	e.ensureVecIndex(entry.Embedding)
	if err := e.store.WithTx(func(tx *sql.Tx) error {
		return e.store.AddEntryTx(tx, entry)
	}); err != nil {
		return err
	}
	sess.record(entry.ContentHash, entry.NormContentHash, entry.ID)
	res.Added++
	logging.Debug("dedup", "ADD %s (%s)", entry.ID, logging.Truncate(entry.Content, 60))

	if e.detector != nil {
		resolved, flagged := e.detector.Check(ctx, entry)
		res.ConflictsResolved += resolved
		res.ConflictsFlagged += flagged
		res.RelationsCreated += resolved // each auto-supersession writes one edge
	}
	return nil
}

func (e *Engine) commitSkip(sess *Session, entry *memory.Entry, targetID string, res *Result) error {
	if err := e.store.WithTx(func(tx *sql.Tx) error {
		return e.store.BumpConfirmations(tx, targetID)
	}); err != nil {
		return err
	}
	sess.record(entry.ContentHash, entry.NormContentHash, targetID)
	res.Skipped++
	logging.Debug("dedup", "SKIP -> %s", targetID)
	return nil
}

func (e *Engine) commitUpdate(ctx context.Context, sess *Session, entry *memory.Entry, decision llm.DedupDecision, res *Result) error {
	merged := decision.MergedContent
	emb, err := e.embedder.EmbedOne(ctx, merged)
	if err != nil {
		return fmt.Errorf("embed merged content: %w", err)
	}
	e.ensureVecIndex(emb)
	if err := e.store.WithTx(func(tx *sql.Tx) error {
		return e.store.UpdateEntryContent(tx, decision.TargetID,
			merged,
			fingerprint.ContentHash(merged),
			fingerprint.NormContentHash(merged),
			fingerprint.MinHash(merged),
			emb)
	}); err != nil {
		return err
	}
	sess.record(entry.ContentHash, entry.NormContentHash, decision.TargetID)
	sess.record(fingerprint.ContentHash(merged), fingerprint.NormContentHash(merged), decision.TargetID)
	res.Updated++
	logging.Debug("dedup", "UPDATE %s", decision.TargetID)
	return nil
}

func (e *Engine) commitSupersede(sess *Session, entry *memory.Entry, targetID string, res *Result) error {
	e.ensureVecIndex(entry.Embedding)
	if err := e.store.WithTx(func(tx *sql.Tx) error {
		if err := e.store.AddEntryTx(tx, entry); err != nil {
			return err
		}
		return e.store.Supersede(tx, targetID, entry.ID)
	}); err != nil {
		return err
	}
	sess.record(entry.ContentHash, entry.NormContentHash, entry.ID)
	res.Superseded++
	res.RelationsCreated++
	logging.Debug("dedup", "SUPERSEDE %s -> %s", targetID, entry.ID)
	return nil
}
