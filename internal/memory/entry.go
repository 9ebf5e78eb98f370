// Package memory defines the knowledge-store data model: entries with
// embeddings and lifecycle metadata, provenance rows, typed relations,
// and the conflict audit log.
package memory

import (
	"time"
)

// EntryType classifies what kind of knowledge an entry holds.
type EntryType string

const (
	TypeFact       EntryType = "fact"
	TypePreference EntryType = "preference"
	TypeDecision   EntryType = "decision"
	TypeTodo       EntryType = "todo"
	TypeEvent      EntryType = "event"
)

// ValidType reports whether t is one of the known entry types.
func ValidType(t EntryType) bool {
	switch t {
	case TypeFact, TypePreference, TypeDecision, TypeTodo, TypeEvent:
		return true
	}
	return false
}

// ExpiryTier controls how an entry ages out.
type ExpiryTier string

const (
	TierCore      ExpiryTier = "core"      // never expires, identity-level knowledge
	TierPermanent ExpiryTier = "permanent" // never expires
	TierTemporary ExpiryTier = "temporary" // expires once its recency score decays below the floor
)

// ValidTier reports whether t is one of the known expiry tiers.
func ValidTier(t ExpiryTier) bool {
	switch t {
	case TierCore, TierPermanent, TierTemporary:
		return true
	}
	return false
}

// RelationType is the kind of edge between two entries.
type RelationType string

const (
	RelSupersedes  RelationType = "supersedes"
	RelRelated     RelationType = "related"
	RelContradicts RelationType = "contradicts"
)

// SentinelExpired is the id of the self-referential sentinel entry that
// expired entries point at via superseded_by. It is created on demand by the
// rules runner and excluded from every active-entry view.
const SentinelExpired = "EXPIRED"

// Entry is one knowledge row.
type Entry struct {
	ID         string     `json:"id"`
	Type       EntryType  `json:"type"`
	Subject    string     `json:"subject"`
	Content    string     `json:"content"`
	Importance int        `json:"importance"` // 1-10
	Expiry     ExpiryTier `json:"expiry"`
	Tags       []string   `json:"tags,omitempty"`
	Embedding  []float64  `json:"embedding,omitempty"`

	// Fingerprints, computed at ingest
	ContentHash     string   `json:"content_hash,omitempty"`
	NormContentHash string   `json:"norm_content_hash,omitempty"`
	MinHashSig      []uint32 `json:"minhash_sig,omitempty"`

	// Structured claim (optional, extracted post-ADD)
	SubjectEntity    string  `json:"subject_entity,omitempty"`
	SubjectAttribute string  `json:"subject_attribute,omitempty"`
	SubjectKey       string  `json:"subject_key,omitempty"` // normalized "entity/attribute"
	ClaimPredicate   string  `json:"claim_predicate,omitempty"`
	ClaimObject      string  `json:"claim_object,omitempty"`
	ClaimConfidence  float64 `json:"claim_confidence,omitempty"`

	// Support counters
	Confirmations int `json:"confirmations"`
	RecallCount   int `json:"recall_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Lifecycle. SupersededBy empty means active; SentinelExpired means
	// expired; anything else points at the replacing entry. Only old->new
	// edges are ever written, so the supersession graph is acyclic.
	SupersededBy   string     `json:"superseded_by,omitempty"`
	MergedFrom     int        `json:"merged_from,omitempty"`
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`
}

// Status is the tagged view over the stored superseded_by column.
type Status int

const (
	StatusActive Status = iota
	StatusSuperseded
	StatusExpired
)

// Status returns the lifecycle state and, for StatusSuperseded, the id of
// the replacing entry.
func (e *Entry) Status() (Status, string) {
	switch e.SupersededBy {
	case "":
		return StatusActive, ""
	case SentinelExpired:
		return StatusExpired, ""
	default:
		return StatusSuperseded, e.SupersededBy
	}
}

// Active reports whether the entry participates in active-entry views and
// clustering pools.
func (e *Entry) Active() bool {
	return e.SupersededBy == ""
}

// Support is the entry's total evidence weight, used to pick merge keepers
// and cluster eviction victims.
func (e *Entry) Support() int {
	return e.Confirmations + e.RecallCount
}

// EntrySource is an append-only provenance row linking a keeper or merged
// entry to one absorbed source, preserving the source's original counters.
type EntrySource struct {
	ID              int64     `json:"id,omitempty"`
	EntryID         string    `json:"entry_id"`  // the keeper
	SourceID        string    `json:"source_id"` // the absorbed entry
	Confirmations   int       `json:"confirmations"`
	RecallCount     int       `json:"recall_count"`
	SourceCreatedAt time.Time `json:"source_created_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Relation is a typed edge between two entries. Supersedes edges mirror
// superseded_by and are never pruned; other edge types touching an inactive
// entry are orphaned and periodically deleted by the rules runner.
type Relation struct {
	ID        int64        `json:"id,omitempty"`
	FromID    string       `json:"from_id"`
	ToID      string       `json:"to_id"`
	Type      RelationType `json:"type"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Conflict resolutions recorded in the audit log.
const (
	ResolutionAutoSuperseded = "auto-superseded"
	ResolutionPending        = "pending"
)

// ConflictLogRow is one append-only audit record of a detected conflict.
type ConflictLogRow struct {
	ID          int64     `json:"id,omitempty"`
	EntryA      string    `json:"entry_a"`  // the newly added entry
	EntryB      string    `json:"entry_b"`  // the pre-existing candidate
	Relation    string    `json:"relation"` // supersedes | contradicts
	Confidence  float64   `json:"confidence"`
	Resolution  string    `json:"resolution"` // auto-superseded | pending
	Explanation string    `json:"explanation,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
