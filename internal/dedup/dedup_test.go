package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowkeep/knowkeep/internal/embedding"
	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

// fakeEmbedder returns canned vectors per text and counts provider calls.
type fakeEmbedder struct {
	vectors map[string][]float64
	deflt   []float64
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	f.calls++
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = f.deflt
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Dim() int { return 3 }

// fakeLLM implements llm.Client with overridable hooks.
type fakeLLM struct {
	decide     func(neighbors []llm.Neighbor) (llm.DedupDecision, error)
	extract    func(content string) (llm.Claim, error)
	classify   func(newContent, existing string) (llm.ConflictJudgment, error)
	dedupCalls int
}

func (f *fakeLLM) DecideDedup(_ context.Context, _, _, _ string, neighbors []llm.Neighbor) (llm.DedupDecision, error) {
	f.dedupCalls++
	if f.decide == nil {
		return llm.DedupDecision{Action: llm.ActionAdd}, nil
	}
	return f.decide(neighbors)
}

func (f *fakeLLM) ExtractClaim(_ context.Context, content, _ string) (llm.Claim, error) {
	if f.extract == nil {
		return llm.Claim{}, errors.New("no extractor")
	}
	return f.extract(content)
}

func (f *fakeLLM) ClassifyConflict(_ context.Context, newContent, existing string) (llm.ConflictJudgment, error) {
	if f.classify == nil {
		return llm.ConflictJudgment{Relation: llm.RelationUnrelated}, nil
	}
	return f.classify(newContent, existing)
}

func (f *fakeLLM) SameKnowledge(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (f *fakeLLM) SynthesizeMerge(_ context.Context, _ string) (llm.MergeProposal, error) {
	return llm.MergeProposal{}, errors.New("not a merge test")
}

func setupEngine(t *testing.T, emb *fakeEmbedder, client llm.Client) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, embedding.NewCache(emb), client), st
}

func entry(content string) *memory.Entry {
	return &memory.Entry{
		Type:    memory.TypePreference,
		Subject: "jim",
		Content: content,
	}
}

func TestIngestAddsNovelEntry(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float64{0, 1, 0}}
	e, st := setupEngine(t, emb, nil)

	res, err := e.Ingest(context.Background(), NewSession(), []*memory.Entry{entry("Jim prefers pnpm over npm")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Zero(t, res.LLMDedupCalls)

	n, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestSameHashTwiceSkipsWithoutCalls(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float64{1, 0, 0}}
	client := &fakeLLM{}
	e, st := setupEngine(t, emb, client)
	sess := NewSession()

	first := entry("Jim prefers pnpm")
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{first}, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	embedCallsAfterFirst := emb.calls

	res, err = e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers pnpm")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Added)
	assert.Equal(t, embedCallsAfterFirst, emb.calls, "skip must not embed")
	assert.Zero(t, client.dedupCalls, "skip must not call the arbiter")

	// SKIP bumps the target's confirmations by exactly one and adds no row.
	got, err := st.GetEntry(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Confirmations)
	n, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestStoredDuplicateAcrossSessions(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float64{1, 0, 0}}
	e, _ := setupEngine(t, emb, nil)

	_, err := e.Ingest(context.Background(), NewSession(), []*memory.Entry{entry("Jim prefers pnpm")}, false)
	require.NoError(t, err)
	callsAfterFirst := emb.calls

	// Fresh session: the store-level hash check still catches it.
	res, err := e.Ingest(context.Background(), NewSession(), []*memory.Entry{entry("Jim  Prefers PNPM!")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, callsAfterFirst, emb.calls)
}

func TestIngestBelowThresholdAddsWithoutArbitration(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"Jim prefers pnpm":   {1, 0, 0},
		"Jim's cat is black": {0, 1, 0},
	}}
	client := &fakeLLM{}
	e, _ := setupEngine(t, emb, client)
	sess := NewSession()

	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers pnpm")}, false)
	require.NoError(t, err)
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim's cat is black")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Zero(t, client.dedupCalls)
}

func TestArbitrationSkip(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"Jim prefers pnpm":                 {1, 0, 0},
		"Jim likes pnpm for JS packaging.": {0.99, 0.01, 0},
	}}
	client := &fakeLLM{decide: func(neighbors []llm.Neighbor) (llm.DedupDecision, error) {
		return llm.DedupDecision{Action: llm.ActionSkip, TargetID: neighbors[0].ID}, nil
	}}
	e, st := setupEngine(t, emb, client)
	sess := NewSession()

	first := entry("Jim prefers pnpm")
	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{first}, false)
	require.NoError(t, err)

	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim likes pnpm for JS packaging.")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.LLMDedupCalls)

	got, err := st.GetEntry(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Confirmations)
}

func TestArbitrationUpdate(t *testing.T) {
	emb := &fakeEmbedder{
		deflt: []float64{0.98, 0.02, 0},
		vectors: map[string][]float64{
			"Jim prefers pnpm": {1, 0, 0},
		},
	}
	client := &fakeLLM{decide: func(neighbors []llm.Neighbor) (llm.DedupDecision, error) {
		return llm.DedupDecision{
			Action:        llm.ActionUpdate,
			TargetID:      neighbors[0].ID,
			MergedContent: "Jim prefers pnpm, including for monorepos",
		}, nil
	}}
	e, st := setupEngine(t, emb, client)
	sess := NewSession()

	first := entry("Jim prefers pnpm")
	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{first}, false)
	require.NoError(t, err)

	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers pnpm in monorepos too")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := st.GetEntry(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jim prefers pnpm, including for monorepos", got.Content)
	assert.Equal(t, 2, got.Confirmations)
}

func TestArbitrationSupersede(t *testing.T) {
	emb := &fakeEmbedder{
		deflt: []float64{0.97, 0.03, 0},
		vectors: map[string][]float64{
			"Jim prefers npm": {1, 0, 0},
		},
	}
	client := &fakeLLM{decide: func(neighbors []llm.Neighbor) (llm.DedupDecision, error) {
		return llm.DedupDecision{Action: llm.ActionSupersede, TargetID: neighbors[0].ID}, nil
	}}
	e, st := setupEngine(t, emb, client)
	sess := NewSession()

	old := entry("Jim prefers npm")
	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{old}, false)
	require.NoError(t, err)

	newer := entry("Jim switched from npm to pnpm")
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{newer}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Superseded)
	assert.Equal(t, 1, res.RelationsCreated)

	// Exactly one new row, old row points at it, one supersedes edge.
	gotOld, err := st.GetEntry(old.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, gotOld.SupersededBy)
	n, err := st.CountRelations(memory.RelSupersedes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	active, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestArbitrationFailureDefaultsToAdd(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float64{1, 0, 0}, vectors: map[string][]float64{
		"Jim prefers pnpm": {1, 0, 0},
	}}
	client := &fakeLLM{decide: func([]llm.Neighbor) (llm.DedupDecision, error) {
		return llm.DedupDecision{}, errors.New("model unavailable")
	}}
	e, _ := setupEngine(t, emb, client)
	sess := NewSession()

	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers pnpm")}, false)
	require.NoError(t, err)
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim really likes pnpm a lot")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.LLMDedupCalls)
}

func TestForceBypassesDedup(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float64{1, 0, 0}}
	client := &fakeLLM{}
	e, st := setupEngine(t, emb, client)
	sess := NewSession()

	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers pnpm")}, false)
	require.NoError(t, err)
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers pnpm")}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Zero(t, client.dedupCalls)

	n, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestContradictionAutoSupersede(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"Jim prefers npm":  {1, 0, 0},
		"Jim prefers pnpm": {0, 1, 0},
	}}
	client := &fakeLLM{
		extract: func(content string) (llm.Claim, error) {
			return llm.Claim{SubjectEntity: "Jim", SubjectAttribute: "Package Manager", Predicate: "prefers", Confidence: 0.9}, nil
		},
		classify: func(newContent, existing string) (llm.ConflictJudgment, error) {
			return llm.ConflictJudgment{Relation: llm.RelationSupersedes, Confidence: 0.95}, nil
		},
	}
	e, st := setupEngine(t, emb, client)
	e.SetDetector(NewDetector(st, client))
	sess := NewSession()

	old := entry("Jim prefers npm")
	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{old}, false)
	require.NoError(t, err)

	newer := entry("Jim prefers pnpm")
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{newer}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.ConflictsResolved)

	gotOld, err := st.GetEntry(old.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, gotOld.SupersededBy)

	resolved, err := st.Conflicts(memory.ResolutionAutoSuperseded)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, newer.ID, resolved[0].EntryA)
	assert.Equal(t, old.ID, resolved[0].EntryB)
}

func TestContradictionPendingNeverMutates(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"Jim prefers tabs":   {1, 0, 0},
		"Jim prefers spaces": {0, 1, 0},
	}}
	client := &fakeLLM{
		extract: func(string) (llm.Claim, error) {
			return llm.Claim{SubjectEntity: "jim", SubjectAttribute: "indentation"}, nil
		},
		classify: func(string, string) (llm.ConflictJudgment, error) {
			return llm.ConflictJudgment{Relation: llm.RelationContradicts, Confidence: 0.8}, nil
		},
	}
	e, st := setupEngine(t, emb, client)
	e.SetDetector(NewDetector(st, client))
	sess := NewSession()

	a := entry("Jim prefers tabs")
	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{a}, false)
	require.NoError(t, err)
	b := entry("Jim prefers spaces")
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{b}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictsFlagged)
	assert.Zero(t, res.ConflictsResolved)

	gotA, err := st.GetEntry(a.ID)
	require.NoError(t, err)
	assert.Empty(t, gotA.SupersededBy, "contradicts must never mutate superseded_by")

	pending, err := st.Conflicts(memory.ResolutionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestContradictionJudgeFailureKeepsEntry(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"Jim prefers npm":  {1, 0, 0},
		"Jim prefers pnpm": {0, 1, 0},
	}}
	client := &fakeLLM{
		extract: func(string) (llm.Claim, error) {
			return llm.Claim{SubjectEntity: "jim", SubjectAttribute: "package-manager"}, nil
		},
		classify: func(string, string) (llm.ConflictJudgment, error) {
			return llm.ConflictJudgment{}, errors.New("judge down")
		},
	}
	e, st := setupEngine(t, emb, client)
	e.SetDetector(NewDetector(st, client))
	sess := NewSession()

	_, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers npm")}, false)
	require.NoError(t, err)
	res, err := e.Ingest(context.Background(), sess, []*memory.Entry{entry("Jim prefers pnpm")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added, "judge failure never rolls back the insert")
	assert.Zero(t, res.ConflictsResolved)
	assert.Zero(t, res.ConflictsFlagged)

	all, err := st.Conflicts("")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBulkIngest(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float64{0.5, 0.5, 0}}
	e, st := setupEngine(t, emb, nil)

	long := "the quick brown fox jumps over the lazy dog while the patient grey owl " +
		"watches from a tall oak tree near the quiet river bend every morning"
	entries := []*memory.Entry{
		entry(long),
		entry("completely different knowledge about deployment pipelines"),
		{Type: memory.TypeFact, Content: long + " again"},
	}
	res, err := e.BulkIngest(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Added)
	assert.GreaterOrEqual(t, res.NearDuplicates, 1)

	n, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Bulk path leaves no phase flag behind.
	phase, err := st.BulkIngestPhase()
	require.NoError(t, err)
	assert.Empty(t, phase)
}

func TestBulkIngestFailureReportsNothing(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float64{0.5, 0.5, 0}}
	e, st := setupEngine(t, emb, nil)

	// a and b are near-duplicates; c reuses a's id so the batch insert fails
	// after both counters have moved. The rollback must zero them both.
	a := entry("the team deploys every friday afternoon without exception")
	a.ID = "dup-id"
	b := entry("the team deploys every friday afternoon without exception!")
	c := entry("unrelated knowledge about the staging environment")
	c.ID = "dup-id"

	res, err := e.BulkIngest(context.Background(), []*memory.Entry{a, b, c})
	require.Error(t, err)
	assert.Zero(t, res.Added)
	assert.Zero(t, res.NearDuplicates, "counts from a rolled-back batch describe nothing")

	n, err := st.CountActive()
	require.NoError(t, err)
	assert.Zero(t, n)

	phase, err := st.BulkIngestPhase()
	require.NoError(t, err)
	assert.Empty(t, phase)
}
