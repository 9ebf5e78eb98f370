package llm

import (
	"fmt"
	"strings"

	"github.com/knowkeep/knowkeep/internal/memory"
)

// RepairMergeProposal validates a raw merge proposal and corrects invalid or
// missing fields to safe defaults: type falls back to the cluster's majority
// type (always forced, regardless of what the model chose), importance to 5,
// expiry to permanent, and tags are deduplicated. Returns the repaired value
// plus one warning per corrected field; warnings are informational and never
// fatal.
func RepairMergeProposal(raw MergeProposal, majorityType memory.EntryType) (MergeProposal, []string) {
	var warnings []string
	out := raw

	if strings.TrimSpace(out.Content) == "" {
		warnings = append(warnings, "content: empty")
	}

	// Type is always the cluster majority; the model's choice is advisory.
	if out.Type != string(majorityType) {
		if out.Type != "" {
			warnings = append(warnings, fmt.Sprintf("type: %q overridden to cluster majority %q", out.Type, majorityType))
		}
		out.Type = string(majorityType)
	}

	if out.Importance < 1 || out.Importance > 10 {
		warnings = append(warnings, fmt.Sprintf("importance: %d out of range, defaulting to 5", out.Importance))
		out.Importance = 5
	}

	if !memory.ValidTier(memory.ExpiryTier(out.Expiry)) {
		if out.Expiry != "" {
			warnings = append(warnings, fmt.Sprintf("expiry: invalid %q, defaulting to permanent", out.Expiry))
		} else {
			warnings = append(warnings, "expiry: missing, defaulting to permanent")
		}
		out.Expiry = string(memory.TierPermanent)
	}

	out.Tags = dedupTags(out.Tags)
	return out, warnings
}

// RepairDedupDecision validates an arbitration result. Unknown actions and
// target-less SKIP/UPDATE/SUPERSEDE degrade to ADD, the safe choice that
// never mutates an existing entry.
func RepairDedupDecision(raw DedupDecision) (DedupDecision, []string) {
	var warnings []string
	out := raw

	switch out.Action {
	case ActionAdd, ActionSkip, ActionUpdate, ActionSupersede:
	default:
		warnings = append(warnings, fmt.Sprintf("action: invalid %q, defaulting to ADD", out.Action))
		out.Action = ActionAdd
	}

	if out.Action != ActionAdd && out.TargetID == "" {
		warnings = append(warnings, fmt.Sprintf("target_id: missing for %s, defaulting to ADD", out.Action))
		out.Action = ActionAdd
	}

	if out.Action == ActionUpdate && strings.TrimSpace(out.MergedContent) == "" {
		warnings = append(warnings, "merged_content: missing for UPDATE, defaulting to ADD")
		out.Action = ActionAdd
		out.TargetID = ""
	}

	return out, warnings
}

// RepairConflictJudgment validates a classification. Unknown relations
// degrade to unrelated (no mutation, no log row); confidence is clamped to
// [0, 1].
func RepairConflictJudgment(raw ConflictJudgment) (ConflictJudgment, []string) {
	var warnings []string
	out := raw

	switch out.Relation {
	case RelationSupersedes, RelationContradicts, RelationCoexists, RelationUnrelated:
	default:
		warnings = append(warnings, fmt.Sprintf("relation: invalid %q, treating as unrelated", out.Relation))
		out.Relation = RelationUnrelated
	}

	if out.Confidence < 0 {
		warnings = append(warnings, fmt.Sprintf("confidence: %f below 0, clamped", out.Confidence))
		out.Confidence = 0
	} else if out.Confidence > 1 {
		warnings = append(warnings, fmt.Sprintf("confidence: %f above 1, clamped", out.Confidence))
		out.Confidence = 1
	}

	return out, warnings
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := tags[:0]
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
