package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knowkeep/knowkeep/internal/memory"
)

func TestRepairMergeProposalDefaults(t *testing.T) {
	raw := MergeProposal{
		Content:    "Jim prefers pnpm for all projects",
		Type:       "opinion", // not a valid type
		Importance: 42,
		Expiry:     "forever",
		Tags:       []string{"tools", "tools", " ", "js"},
	}
	out, warnings := RepairMergeProposal(raw, memory.TypePreference)

	assert.Equal(t, string(memory.TypePreference), out.Type)
	assert.Equal(t, 5, out.Importance)
	assert.Equal(t, string(memory.TierPermanent), out.Expiry)
	assert.Equal(t, []string{"tools", "js"}, out.Tags)
	assert.Len(t, warnings, 3)
}

func TestRepairMergeProposalMajorityTypeAlwaysWins(t *testing.T) {
	// Even a valid model-chosen type is overridden by the cluster majority.
	raw := MergeProposal{Content: "c", Type: string(memory.TypeFact), Importance: 7, Expiry: string(memory.TierCore)}
	out, _ := RepairMergeProposal(raw, memory.TypeDecision)
	assert.Equal(t, string(memory.TypeDecision), out.Type)
	assert.Equal(t, 7, out.Importance)
	assert.Equal(t, string(memory.TierCore), out.Expiry)
}

func TestRepairMergeProposalCleanPassesThrough(t *testing.T) {
	raw := MergeProposal{Content: "c", Type: string(memory.TypeFact), Importance: 3, Expiry: string(memory.TierTemporary)}
	out, warnings := RepairMergeProposal(raw, memory.TypeFact)
	assert.Empty(t, warnings)
	assert.Equal(t, raw.Content, out.Content)
}

func TestRepairDedupDecision(t *testing.T) {
	// Unknown action degrades to ADD
	out, warnings := RepairDedupDecision(DedupDecision{Action: "MERGE"})
	assert.Equal(t, ActionAdd, out.Action)
	assert.Len(t, warnings, 1)

	// Target-less SKIP degrades to ADD
	out, _ = RepairDedupDecision(DedupDecision{Action: ActionSkip})
	assert.Equal(t, ActionAdd, out.Action)

	// UPDATE without merged content degrades to ADD
	out, _ = RepairDedupDecision(DedupDecision{Action: ActionUpdate, TargetID: "x"})
	assert.Equal(t, ActionAdd, out.Action)
	assert.Empty(t, out.TargetID)

	// Valid SUPERSEDE passes through untouched
	out, warnings = RepairDedupDecision(DedupDecision{Action: ActionSupersede, TargetID: "x"})
	assert.Empty(t, warnings)
	assert.Equal(t, ActionSupersede, out.Action)
	assert.Equal(t, "x", out.TargetID)
}

func TestRepairConflictJudgment(t *testing.T) {
	out, warnings := RepairConflictJudgment(ConflictJudgment{Relation: "overlaps", Confidence: 1.7})
	assert.Equal(t, RelationUnrelated, out.Relation)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Len(t, warnings, 2)

	out, warnings = RepairConflictJudgment(ConflictJudgment{Relation: RelationContradicts, Confidence: 0.8})
	assert.Empty(t, warnings)
	assert.Equal(t, RelationContradicts, out.Relation)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, ExtractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, ExtractJSON(`  {"a":1}  `))
}
