package pending

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/coach/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "pending.json"))
}

func candidate(fp string) *models.Candidate {
	c := models.NewCandidate(models.CandidateRule, "Title",
		"when something breaks", "do the other thing", 0.8)
	c.Fingerprint = fp
	return c
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)

	doc := s.Load()
	require.NotNil(t, doc)
	assert.Empty(t, doc.Pending)
	assert.Empty(t, doc.Approved)
	assert.Empty(t, doc.Rejected)
	assert.Nil(t, doc.LastProposal)
}

func TestLoadCorruptFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0600))

	doc := s.Load()
	require.NotNil(t, doc)
	assert.Empty(t, doc.Pending)
}

func TestSaveRoundTrip(t *testing.T) {
	s := newTestStore(t)

	doc := s.Load()
	doc.Pending = append(doc.Pending, candidate("fp-1"))
	require.NoError(t, s.Save(doc))

	// No stray temp file after the atomic rename.
	_, err := os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded := s.Load()
	require.Len(t, loaded.Pending, 1)
	assert.Equal(t, "fp-1", loaded.Pending[0].Fingerprint)
	assert.Equal(t, "when something breaks", loaded.Pending[0].Trigger)
}

func TestAppendSkipsQueuedFingerprints(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Append([]*models.Candidate{candidate("fp-1"), candidate("fp-2")})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = s.Append([]*models.Candidate{candidate("fp-2"), candidate("fp-3")})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	doc := s.Load()
	require.Len(t, doc.Pending, 3)
	require.NotNil(t, doc.LastProposal)
}

func TestAppendDeduplicatesWithinBatch(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Append([]*models.Candidate{candidate("fp-1"), candidate("fp-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Len(t, s.Load().Pending, 1)
}
