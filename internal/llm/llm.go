// Package llm defines the structured tool-call contract the consolidation
// engine consumes: dedup arbitration, claim extraction, conflict
// classification, same-knowledge judgment, and merge synthesis. The HTTP
// client behind the interface lives outside this module.
//
// Raw model output is permissive by nature; the repair step in repair.go
// centralizes validation and fallback-to-default so callers get a clean
// value plus field-level warnings instead of silent coercion.
package llm

import (
	"context"
	"strings"
)

// DedupAction is the arbitration outcome for one incoming entry.
type DedupAction string

const (
	ActionAdd       DedupAction = "ADD"
	ActionSkip      DedupAction = "SKIP"
	ActionUpdate    DedupAction = "UPDATE"
	ActionSupersede DedupAction = "SUPERSEDE"
)

// DedupDecision is the structured result of dedup arbitration.
type DedupDecision struct {
	Action        DedupAction `json:"action"`
	TargetID      string      `json:"target_id,omitempty"`
	MergedContent string      `json:"merged_content,omitempty"` // UPDATE only
	Reason        string      `json:"reason,omitempty"`
}

// Neighbor is one nearest-active-entry candidate shown to the arbiter.
type Neighbor struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Subject    string  `json:"subject"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Claim is a structured statement extracted from entry content for
// contradiction checks.
type Claim struct {
	SubjectEntity    string  `json:"subject_entity"`
	SubjectAttribute string  `json:"subject_attribute"`
	Predicate        string  `json:"predicate"`
	Object           string  `json:"object"`
	Confidence       float64 `json:"confidence"`
}

// Conflict relations returned by the classifier.
const (
	RelationSupersedes  = "supersedes"
	RelationContradicts = "contradicts"
	RelationCoexists    = "coexists"
	RelationUnrelated   = "unrelated"
)

// ConflictJudgment classifies the relationship between a new entry and one
// existing candidate.
type ConflictJudgment struct {
	Relation    string  `json:"relation"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// MergeProposal is the synthesized canonical entry for a cluster, as
// returned by the model (pre-repair).
type MergeProposal struct {
	Content    string   `json:"content"`
	Subject    string   `json:"subject"`
	Type       string   `json:"type"`
	Importance int      `json:"importance"`
	Expiry     string   `json:"expiry"`
	Tags       []string `json:"tags,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// Client is the structured tool-call interface used by dedup, contradiction
// detection, clustering, and merging. Implementations should return typed
// payloads via the provider's tool/function-call mechanism rather than
// free-text JSON.
type Client interface {
	// DecideDedup arbitrates ADD/SKIP/UPDATE/SUPERSEDE for an incoming
	// entry against its nearest active neighbors.
	DecideDedup(ctx context.Context, entryContent, entrySubject, entryType string, neighbors []Neighbor) (DedupDecision, error)

	// ExtractClaim pulls a structured claim out of entry content.
	ExtractClaim(ctx context.Context, content, subject string) (Claim, error)

	// ClassifyConflict judges the relationship between a new entry and one
	// existing candidate.
	ClassifyConflict(ctx context.Context, newContent, existingContent string) (ConflictJudgment, error)

	// SameKnowledge reports whether two entries encode the same knowledge
	// (loose-band cluster confirmation).
	SameKnowledge(ctx context.Context, a, b string) (bool, error)

	// SynthesizeMerge produces one canonical entry from a rendered cluster
	// prompt.
	SynthesizeMerge(ctx context.Context, prompt string) (MergeProposal, error)
}

// ExtractJSON extracts JSON from markdown code fences, for implementations
// whose provider wraps structured output in a code block. Returns the
// trimmed input when no fence is found.
func ExtractJSON(s string) string {
	if start := strings.Index(s, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if start := strings.Index(s, "```"); start != -1 {
		start += 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			content := strings.TrimSpace(s[start : start+end])
			// Skip a language identifier line if present.
			if idx := strings.Index(content, "\n"); idx != -1 && !strings.HasPrefix(content, "{") {
				content = content[idx+1:]
			}
			return strings.TrimSpace(content)
		}
	}
	return strings.TrimSpace(s)
}
