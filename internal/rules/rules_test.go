package rules

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

func setupRules(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRunner(st), st
}

func ruleEntry(content, subject string, tier memory.ExpiryTier, emb []float64, confirmations int, age time.Duration) *memory.Entry {
	now := time.Now().UTC()
	return &memory.Entry{
		ID:            uuid.NewString(),
		Type:          memory.TypeFact,
		Subject:       subject,
		Content:       content,
		Importance:    5,
		Expiry:        tier,
		Embedding:     emb,
		Confirmations: confirmations,
		CreatedAt:     now.Add(-age),
		UpdatedAt:     now.Add(-age),
	}
}

func TestRunExpiresDecayedTemporaries(t *testing.T) {
	r, st := setupRules(t)

	stale := ruleEntry("standup moved to 10am this week", "standup", memory.TierTemporary, []float64{1, 0, 0}, 1, 30*24*time.Hour)
	fresh := ruleEntry("demo scheduled friday", "demo", memory.TierTemporary, []float64{0, 1, 0}, 1, 2*24*time.Hour)
	perm := ruleEntry("team uses trunk-based development", "workflow", memory.TierPermanent, []float64{0, 0, 1}, 1, 400*24*time.Hour)
	for _, e := range []*memory.Entry{stale, fresh, perm} {
		require.NoError(t, st.AddEntry(e))
	}

	stats, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Zero(t, stats.Merged)
	assert.Equal(t, stats.EntriesBefore-stats.Expired-stats.Merged, stats.EntriesAfter)

	got, err := st.GetEntry(stale.ID)
	require.NoError(t, err)
	status, _ := got.Status()
	assert.Equal(t, memory.StatusExpired, status)

	for _, keep := range []*memory.Entry{fresh, perm} {
		got, err := st.GetEntry(keep.ID)
		require.NoError(t, err)
		assert.True(t, got.Active())
	}
}

func TestRunMergesNearExactTriple(t *testing.T) {
	r, st := setupRules(t)

	// Three same-type same-subject entries, pairwise cosine >= 0.95. The
	// highest-support one keeps; the other two are absorbed.
	a := ruleEntry("Jim prefers pnpm", "package manager", memory.TierPermanent, []float64{1, 0, 0}, 2, 24*time.Hour)
	b := ruleEntry("Jim prefers pnpm.", "Package Manager", memory.TierPermanent, []float64{0.999, 0.0447, 0}, 5, 48*time.Hour)
	c := ruleEntry("jim prefers pnpm", "package  manager", memory.TierPermanent, []float64{0.998, 0.0632, 0}, 1, 12*time.Hour)
	for _, e := range []*memory.Entry{a, b, c} {
		require.NoError(t, st.AddEntry(e))
	}

	stats, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Merged)
	assert.Equal(t, stats.EntriesBefore-stats.Expired-stats.Merged, stats.EntriesAfter)

	keeper, err := st.GetEntry(b.ID)
	require.NoError(t, err)
	assert.True(t, keeper.Active())
	assert.Equal(t, 5+2+1, keeper.Confirmations, "absorbed confirmations are summed")
	assert.Equal(t, 2, keeper.MergedFrom)

	for _, absorbed := range []*memory.Entry{a, c} {
		got, err := st.GetEntry(absorbed.ID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.SupersededBy)
	}

	sources, err := st.EntrySources(b.ID)
	require.NoError(t, err)
	assert.Len(t, sources, 2)
}

func TestRunDifferentSubjectsNotMerged(t *testing.T) {
	r, st := setupRules(t)

	a := ruleEntry("Jim prefers pnpm", "package manager", memory.TierPermanent, []float64{1, 0, 0}, 1, time.Hour)
	b := ruleEntry("Jim prefers vim", "editor", memory.TierPermanent, []float64{0.999, 0.0447, 0}, 1, time.Hour)
	require.NoError(t, st.AddEntry(a))
	require.NoError(t, st.AddEntry(b))

	stats, err := r.Run()
	require.NoError(t, err)
	assert.Zero(t, stats.Merged)
}

func TestRunCleansOrphanRelations(t *testing.T) {
	r, st := setupRules(t)

	a := ruleEntry("fact a", "a", memory.TierPermanent, []float64{1, 0, 0}, 1, time.Hour)
	stale := ruleEntry("old note", "note", memory.TierTemporary, []float64{0, 1, 0}, 1, 40*24*time.Hour)
	require.NoError(t, st.AddEntry(a))
	require.NoError(t, st.AddEntry(stale))
	require.NoError(t, st.AddRelation(a.ID, stale.ID, memory.RelRelated))

	stats, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.OrphanRelationsDeleted, "related edge to the expired entry is orphaned")
}

func TestDryRunCountsWithoutMutating(t *testing.T) {
	r, st := setupRules(t)
	r.DryRun = true

	stale := ruleEntry("obsolete", "x", memory.TierTemporary, []float64{1, 0, 0}, 1, 60*24*time.Hour)
	a := ruleEntry("dup", "topic", memory.TierPermanent, []float64{0, 1, 0}, 1, time.Hour)
	b := ruleEntry("dup.", "topic", memory.TierPermanent, []float64{0, 0.999, 0.0447}, 1, time.Hour)
	for _, e := range []*memory.Entry{stale, a, b} {
		require.NoError(t, st.AddEntry(e))
	}

	stats, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Merged)
	assert.Empty(t, stats.BackupPath)

	// Nothing actually changed.
	n, err := st.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got, err := st.GetEntry(stale.ID)
	require.NoError(t, err)
	assert.True(t, got.Active())
}

func TestRunWritesBackup(t *testing.T) {
	r, st := setupRules(t)
	require.NoError(t, st.AddEntry(ruleEntry("anything", "x", memory.TierPermanent, []float64{1, 0, 0}, 1, time.Hour)))

	stats, err := r.Run()
	require.NoError(t, err)
	assert.NotEmpty(t, stats.BackupPath)
	assert.FileExists(t, stats.BackupPath)
}
