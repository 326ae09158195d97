package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/coach/pkg/models"
)

func newTestLedgerStore(t *testing.T) *LedgerStore {
	t.Helper()
	store, err := OpenLedgerStore(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testCandidate(fp string) *models.Candidate {
	c := models.NewCandidate(models.CandidateRule, "Merge queue",
		"when gh pr merge fails with merge queue", "use gh pr merge --auto", 0.8)
	c.Fingerprint = fp
	return c
}

func TestOpenExistingLedgerStoreMissing(t *testing.T) {
	_, err := OpenExistingLedgerStore(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestLedgerUpsertNewAndRepeat(t *testing.T) {
	store := newTestLedgerStore(t)
	ctx := context.Background()

	created, err := store.Upsert(ctx, testCandidate("fp1"), "norm text", "repoA")
	require.NoError(t, err)
	assert.True(t, created)

	entry, err := store.Entry(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Count)
	assert.Equal(t, models.ScopeProject, entry.Scope)
	assert.Equal(t, models.StatusPending, entry.Status)
	assert.Equal(t, []string{"repoA"}, []string(entry.RepoIDs))

	created, err = store.Upsert(ctx, testCandidate("fp1"), "norm text", "repoB")
	require.NoError(t, err)
	assert.False(t, created)

	entry, err = store.Entry(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Count)
	assert.Equal(t, 2, entry.RepoCount())

	// Same repo again: count grows, repo set stays distinct.
	_, err = store.Upsert(ctx, testCandidate("fp1"), "norm text", "repoA")
	require.NoError(t, err)
	entry, err = store.Entry(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Count)
	assert.Equal(t, 2, entry.RepoCount())
}

func TestLedgerEntryMissing(t *testing.T) {
	store := newTestLedgerStore(t)

	entry, err := store.Entry(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestPromotionCandidatesAndMarkPromoted(t *testing.T) {
	store := newTestLedgerStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, testCandidate("multi"), "n", "repoA")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testCandidate("multi"), "n", "repoB")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testCandidate("single"), "n", "repoA")
	require.NoError(t, err)

	candidates, err := store.PromotionCandidates(ctx, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "multi", candidates[0].Fingerprint)

	elig, err := store.CheckEligibility(ctx, "multi", 2)
	require.NoError(t, err)
	assert.True(t, elig.Eligible)

	require.NoError(t, store.MarkPromoted(ctx, "multi", ""))

	entry, err := store.Entry(ctx, "multi")
	require.NoError(t, err)
	assert.Equal(t, models.ScopeGlobal, entry.Scope)
	assert.Equal(t, models.StatusPromoted, entry.Status)
	require.NotNil(t, entry.PromotedAt)

	promotions, err := store.Promotions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, promotions, 1)
	assert.Equal(t, "Multi-repo threshold reached", promotions[0].Reason)

	// Promoted entries drop out of the candidate list.
	candidates, err = store.PromotionCandidates(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestLedgerStats(t *testing.T) {
	store := newTestLedgerStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, testCandidate("a"), "n", "repoA")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testCandidate("a"), "n", "repoB")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testCandidate("b"), "n", "repoA")
	require.NoError(t, err)

	stats, err := store.Stats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.MultiRepo)
	assert.Equal(t, 1, stats.PromotionEligible)
	assert.Equal(t, 2, stats.ByStatus[string(models.StatusPending)])
}

func TestLedgerSearch(t *testing.T) {
	store := newTestLedgerStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, testCandidate("fp1"), "when gh pr merge fails use auto", "repoA")
	require.NoError(t, err)

	hits, err := store.Search(ctx, "merge", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = store.Search(ctx, "kubernetes", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCleanupRejected(t *testing.T) {
	store := newTestLedgerStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, testCandidate("keep"), "n", "repoA")
	require.NoError(t, err)

	// Pending entries are never cleaned up, regardless of age.
	removed, err := store.CleanupRejected(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	entry, err := store.Entry(ctx, "keep")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}
