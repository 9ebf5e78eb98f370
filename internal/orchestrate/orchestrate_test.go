package orchestrate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowkeep/knowkeep/internal/cluster"
	"github.com/knowkeep/knowkeep/internal/embedding"
	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/merge"
	"github.com/knowkeep/knowkeep/internal/store"
)

// keywordSynth synthesizes "merged <keyword>" for whichever topic keyword
// appears in the prompt, so each cluster gets a distinct canonical entry.
type keywordSynth struct {
	keywords []string
	calls    int
}

func (f *keywordSynth) SynthesizeMerge(_ context.Context, prompt string) (llm.MergeProposal, error) {
	f.calls++
	for _, kw := range f.keywords {
		if strings.Contains(prompt, kw) {
			return llm.MergeProposal{
				Content:    "merged " + kw,
				Subject:    kw,
				Importance: 5,
				Expiry:     "permanent",
			}, nil
		}
	}
	return llm.MergeProposal{}, errors.New("no keyword in prompt")
}

func (f *keywordSynth) DecideDedup(_ context.Context, _, _, _ string, _ []llm.Neighbor) (llm.DedupDecision, error) {
	return llm.DedupDecision{}, errors.New("unused")
}

func (f *keywordSynth) ExtractClaim(_ context.Context, _, _ string) (llm.Claim, error) {
	return llm.Claim{}, errors.New("unused")
}

func (f *keywordSynth) ClassifyConflict(_ context.Context, _, _ string) (llm.ConflictJudgment, error) {
	return llm.ConflictJudgment{}, errors.New("unused")
}

func (f *keywordSynth) SameKnowledge(_ context.Context, _, _ string) (bool, error) {
	return false, errors.New("unused")
}

type mapEmbedder struct{ vectors map[string][]float64 }

func (m *mapEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		v, ok := m.vectors[text]
		if !ok {
			return nil, errors.New("unexpected text: " + text)
		}
		out[i] = v
	}
	return out, nil
}

func (m *mapEmbedder) Dim() int { return 3 }

func poolEntry(content, subject string, typ memory.EntryType, emb []float64) *memory.Entry {
	now := time.Now().UTC()
	return &memory.Entry{
		ID:            uuid.NewString(),
		Type:          typ,
		Subject:       subject,
		Content:       content,
		Importance:    5,
		Expiry:        memory.TierPermanent,
		Embedding:     emb,
		Confirmations: 1,
		CreatedAt:     now.Add(-72 * time.Hour),
		UpdatedAt:     now.Add(-72 * time.Hour),
	}
}

// threeClusterFixture seeds three orthogonal near-duplicate pairs of facts.
func threeClusterFixture(t *testing.T) (*store.Store, *Orchestrator, string) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	axes := map[string][]float64{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"gamma": {0, 0, 1},
	}
	vectors := map[string][]float64{}
	for kw, axis := range axes {
		near := make([]float64, 3)
		copy(near, axis)
		for i := range near {
			if near[i] == 0 {
				near[i] = 0.07
			}
		}
		vectors[kw+" one"] = axis
		vectors[kw+" two"] = near
		vectors["merged "+kw] = axis
		require.NoError(t, st.AddEntry(poolEntry(kw+" one", kw, memory.TypeFact, axis)))
		require.NoError(t, st.AddEntry(poolEntry(kw+" two", kw, memory.TypeFact, near)))
	}

	synth := &keywordSynth{keywords: []string{"alpha", "beta", "gamma"}}
	emb := embedding.NewCache(&mapEmbedder{vectors: vectors})
	dir := t.TempDir()
	merger := merge.NewEngine(st, emb, synth, filepath.Join(dir, "review.json"))
	ckptPath := filepath.Join(dir, "checkpoint.json")
	o := NewOrchestrator(st, cluster.NewBuilder(st, nil), merger, ckptPath)
	return st, o, ckptPath
}

func totalProcessed(r Report) int {
	n := 0
	for _, p := range r.Phases {
		n += p.ClustersProcessed
	}
	return n
}

func TestRunMergesAllClusters(t *testing.T) {
	st, o, ckptPath := threeClusterFixture(t)

	report, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Partial)
	assert.Equal(t, 3, totalProcessed(report))
	assert.Len(t, report.NewCanonicals, 3)
	assert.NoFileExists(t, ckptPath)

	active, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 3, active, "six sources collapse into three canonicals")
}

func TestBatchCapStopsAndResumes(t *testing.T) {
	st, o, ckptPath := threeClusterFixture(t)
	o.BatchLimit = 2

	report, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 2, totalProcessed(report), "cap of 2 processes exactly 2 of 3 clusters")
	assert.FileExists(t, ckptPath)

	ckpt, err := loadCheckpoint(ckptPath)
	require.NoError(t, err)
	require.NotNil(t, ckpt)
	assert.Len(t, ckpt.Processed["fact"], 2)
	assert.False(t, ckpt.StartedAt.IsZero())

	// Resume finishes the remaining cluster and removes the checkpoint.
	resumed, err := o.Run(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, resumed.Partial)
	assert.Equal(t, 1, totalProcessed(resumed))
	assert.NoFileExists(t, ckptPath)

	active, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestCrossTypePhaseMergesSharedSubjects(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Same subject, different types: invisible to phase 1, merged by the
	// stricter cross-type phase.
	vectors := map[string][]float64{
		"delta one":    {1, 0, 0},
		"delta two":    {0.997, 0.0774, 0},
		"merged delta": {1, 0, 0},
	}
	require.NoError(t, st.AddEntry(poolEntry("delta one", "delta", memory.TypeFact, vectors["delta one"])))
	require.NoError(t, st.AddEntry(poolEntry("delta two", "delta", memory.TypeDecision, vectors["delta two"])))

	synth := &keywordSynth{keywords: []string{"delta"}}
	dir := t.TempDir()
	merger := merge.NewEngine(st, embedding.NewCache(&mapEmbedder{vectors: vectors}), synth, filepath.Join(dir, "review.json"))
	o := NewOrchestrator(st, cluster.NewBuilder(st, nil), merger, filepath.Join(dir, "checkpoint.json"))

	report, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, report.NewCanonicals, 1)

	var crossPhase *PhaseReport
	for i := range report.Phases {
		if report.Phases[i].Name == "cross-type" {
			crossPhase = &report.Phases[i]
		}
	}
	require.NotNil(t, crossPhase)
	assert.Equal(t, 1, crossPhase.Merged)
}

func TestTypeFilterSkipsCrossTypePhase(t *testing.T) {
	_, o, _ := threeClusterFixture(t)
	o.TypeFilter = memory.TypePreference // fixture has only facts

	report, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, totalProcessed(report))
	for _, p := range report.Phases {
		assert.NotEqual(t, "cross-type", p.Name)
	}
}

func TestDryRunCapWritesNoCheckpoint(t *testing.T) {
	st, o, ckptPath := threeClusterFixture(t)
	o.merger.DryRun = true
	o.BatchLimit = 2
	o.TypeFilter = memory.TypeFact

	report, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 2, totalProcessed(report))
	assert.NoFileExists(t, ckptPath, "a dry run has no progress to persist")

	// A real resumed run sees no dry-run ghosts: all three clusters merge.
	o.merger.DryRun = false
	o.BatchLimit = 0
	resumed, err := o.Run(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, resumed.Partial)
	assert.Len(t, resumed.NewCanonicals, 3)

	active, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestDryRunKeepsExistingCheckpoint(t *testing.T) {
	st, o, ckptPath := threeClusterFixture(t)

	// A real capped run parks its progress.
	o.BatchLimit = 2
	report, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	require.True(t, report.Partial)
	require.FileExists(t, ckptPath)

	// A clean dry run in between must not delete it.
	o.merger.DryRun = true
	o.BatchLimit = 0
	dry, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, dry.Partial)
	assert.FileExists(t, ckptPath)

	ckpt, err := loadCheckpoint(ckptPath)
	require.NoError(t, err)
	require.NotNil(t, ckpt)
	assert.Len(t, ckpt.Processed["fact"], 2, "checkpoint untouched by the dry run")

	// The real resume still finishes the remaining cluster.
	o.merger.DryRun = false
	resumed, err := o.Run(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, resumed.Partial)
	assert.NoFileExists(t, ckptPath)

	active, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.json")

	c := newCheckpoint()
	c.Phase = 1
	c.mark("fact", "fp-1")
	c.mark("fact", "fp-2")
	c.mark("cross", "fp-3")
	require.NoError(t, saveCheckpoint(path, c))

	loaded, err := loadCheckpoint(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.done("fact", "fp-1"))
	assert.True(t, loaded.done("cross", "fp-3"))
	assert.False(t, loaded.done("fact", "fp-3"))

	require.NoError(t, deleteCheckpoint(path))
	missing, err := loadCheckpoint(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Deleting a missing checkpoint is fine.
	require.NoError(t, deleteCheckpoint(path))
}
