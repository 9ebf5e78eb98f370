package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

type fakeJudge struct {
	same  bool
	err   error
	calls int
}

func (f *fakeJudge) SameKnowledge(_ context.Context, _, _ string) (bool, error) {
	f.calls++
	return f.same, f.err
}

func (f *fakeJudge) DecideDedup(_ context.Context, _, _, _ string, _ []llm.Neighbor) (llm.DedupDecision, error) {
	return llm.DedupDecision{}, errors.New("not a dedup test")
}

func (f *fakeJudge) ExtractClaim(_ context.Context, _, _ string) (llm.Claim, error) {
	return llm.Claim{}, errors.New("not a claim test")
}

func (f *fakeJudge) ClassifyConflict(_ context.Context, _, _ string) (llm.ConflictJudgment, error) {
	return llm.ConflictJudgment{}, errors.New("not a conflict test")
}

func (f *fakeJudge) SynthesizeMerge(_ context.Context, _ string) (llm.MergeProposal, error) {
	return llm.MergeProposal{}, errors.New("not a merge test")
}

func setupPool(t *testing.T, entries ...*memory.Entry) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	for _, e := range entries {
		require.NoError(t, st.AddEntry(e))
	}
	return st
}

func poolEntry(subject string, typ memory.EntryType, emb []float64, confirmations int) *memory.Entry {
	id := uuid.NewString()
	return &memory.Entry{
		ID:            id,
		Type:          typ,
		Subject:       subject,
		Content:       fmt.Sprintf("content for %s (%s)", subject, id[:8]),
		Importance:    5,
		Expiry:        memory.TierPermanent,
		Embedding:     emb,
		Confirmations: confirmations,
	}
}

func TestBuildGroupsTightPairs(t *testing.T) {
	a := poolEntry("pnpm", memory.TypePreference, []float64{1, 0, 0}, 1)
	b := poolEntry("pnpm usage", memory.TypePreference, []float64{0.95, 0.3122, 0}, 1)
	c := poolEntry("coffee", memory.TypePreference, []float64{0, 1, 0}, 1)
	st := setupPool(t, a, b, c)

	clusters, llmCalls, err := NewBuilder(st, nil).Build(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, llmCalls)
	require.Len(t, clusters, 1, "singleton c must be dropped")
	require.Len(t, clusters[0].Members, 2)
}

func TestBuildDifferentTypesNotUnionedAtTight(t *testing.T) {
	a := poolEntry("deploys", memory.TypeFact, []float64{1, 0, 0}, 1)
	b := poolEntry("releases", memory.TypeDecision, []float64{0.95, 0.3122, 0}, 1)
	st := setupPool(t, a, b)

	clusters, _, err := NewBuilder(st, nil).Build(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, clusters, "0.95 is below the cross-type bar without a shared subject")
}

func TestBuildCrossTypeSameSubject(t *testing.T) {
	// Same normalized subject, different types, similarity above tight+0.04.
	a := poolEntry("CI Pipeline", memory.TypeFact, []float64{1, 0, 0}, 1)
	b := poolEntry("ci pipeline", memory.TypeDecision, []float64{0.95, 0.3122, 0}, 1)
	st := setupPool(t, a, b)

	clusters, _, err := NewBuilder(st, nil).Build(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 2)
}

func TestLooseBandSubjectMatchSkipsLLM(t *testing.T) {
	// Similarity 0.78 sits in [tight-0.07, tight); matching subjects union
	// without spending an LLM call.
	a := poolEntry("editor config", memory.TypePreference, []float64{1, 0, 0}, 1)
	b := poolEntry("editor config", memory.TypePreference, []float64{0.78, 0.6258, 0}, 1)
	st := setupPool(t, a, b)

	clusters, llmCalls, err := NewBuilder(st, nil).Build(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, llmCalls)
	require.Len(t, clusters, 1)
}

func TestLooseBandConsultsLLM(t *testing.T) {
	a := poolEntry("editor", memory.TypePreference, []float64{1, 0, 0}, 1)
	b := poolEntry("development tools", memory.TypePreference, []float64{0.78, 0.6258, 0}, 1)
	st := setupPool(t, a, b)

	judge := &fakeJudge{same: true}
	clusters, llmCalls, err := NewBuilder(st, judge).Build(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, llmCalls, "pair should be judged exactly once")
	require.Len(t, clusters, 1)

	// A negative judgment leaves them apart.
	judge = &fakeJudge{same: false}
	clusters, llmCalls, err = NewBuilder(st, judge).Build(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, llmCalls)
	assert.Empty(t, clusters)
}

func TestLooseBandWithoutLLMStaysApart(t *testing.T) {
	a := poolEntry("editor", memory.TypePreference, []float64{1, 0, 0}, 1)
	b := poolEntry("tools", memory.TypePreference, []float64{0.78, 0.6258, 0}, 1)
	st := setupPool(t, a, b)

	clusters, llmCalls, err := NewBuilder(st, nil).Build(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, llmCalls)
	assert.Empty(t, clusters)
}

func TestValidateEvictsLowSupportOutlier(t *testing.T) {
	// a-b and a-c clear the tight threshold so all three union, but b-c
	// (0.9 * 0.83 = 0.747) breaks the diameter floor. c has the least
	// support and gets evicted.
	a := poolEntry("topic", memory.TypeFact, []float64{1, 0, 0}, 3)
	b := poolEntry("topic", memory.TypeFact, []float64{0.9, 0.4359, 0}, 5)
	c := poolEntry("topic", memory.TypeFact, []float64{0.83, 0, 0.5578}, 1)
	st := setupPool(t, a, b, c)

	clusters, _, err := NewBuilder(st, nil).Build(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	require.Len(t, clusters[0].Members, 2)
	for _, m := range clusters[0].Members {
		assert.NotEqual(t, c.ID, m.ID, "low-support outlier must be evicted")
	}
}

func TestValidateCapsOversizedGroups(t *testing.T) {
	// Five near-identical entries with a cap of 3.
	var entries []*memory.Entry
	for i := 0; i < 5; i++ {
		e := poolEntry("dense topic", memory.TypeFact, []float64{1, 0.001 * float64(i), 0}, 1)
		entries = append(entries, e)
	}
	st := setupPool(t, entries...)

	b := NewBuilder(st, nil)
	b.MaxCluster = 3
	clusters, _, err := b.Build(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 3)
}

func TestBuildExcludesSupersededEntries(t *testing.T) {
	a := poolEntry("pnpm", memory.TypePreference, []float64{1, 0, 0}, 1)
	b := poolEntry("pnpm", memory.TypePreference, []float64{0.95, 0.3122, 0}, 1)
	keeper := poolEntry("pnpm", memory.TypePreference, []float64{0, 0, 1}, 1)
	st := setupPool(t, a, b, keeper)
	require.NoError(t, st.Supersede(st.DB(), b.ID, keeper.ID))

	clusters, _, err := NewBuilder(st, nil).Build(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, clusters, "superseded entries never enter the pool")
}

func TestClusterFingerprintOrderIndependent(t *testing.T) {
	a := poolEntry("x", memory.TypeFact, []float64{1, 0, 0}, 1)
	b := poolEntry("y", memory.TypeFact, []float64{0, 1, 0}, 1)

	c1 := &Cluster{Members: []*memory.Entry{a, b}}
	c2 := &Cluster{Members: []*memory.Entry{b, a}}
	assert.Equal(t, c1.Fingerprint(), c2.Fingerprint())

	c3 := &Cluster{Members: []*memory.Entry{a}}
	assert.NotEqual(t, c1.Fingerprint(), c3.Fingerprint())
}
