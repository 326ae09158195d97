package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/coach/pkg/models"
)

func newTestEventStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := OpenEventStore(filepath.Join(t.TempDir(), "events.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func makeEvent(t *testing.T, at time.Time, repoID string) *models.Event {
	t.Helper()
	ev, err := models.NewEvent(models.PhaseToolResult, repoID, models.Signal{
		Type:       models.SignalCommandFailure,
		Confidence: 0.7,
		Payload: models.CommandFailurePayload{
			Command: "git push", ExitCode: 1, StderrPreview: "rejected",
		},
	}, at)
	require.NoError(t, err)
	return ev
}

func TestOpenExistingEventStoreMissing(t *testing.T) {
	_, err := OpenExistingEventStore(filepath.Join(t.TempDir(), "events.sqlite"))
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestEventInsertAndUnprocessed(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	first := makeEvent(t, base, "repo1")
	second := makeEvent(t, base.Add(time.Minute), "repo1")
	require.NoError(t, store.Insert(ctx, first))
	require.NoError(t, store.Insert(ctx, second))

	events, err := store.Unprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Oldest first.
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, second.ID, events[1].ID)
	assert.Equal(t, models.SignalCommandFailure, events[0].SignalType)
	assert.Equal(t, "repo1", events[0].RepoID)

	p, err := events[0].Payload()
	require.NoError(t, err)
	fp, ok := p.(models.CommandFailurePayload)
	require.True(t, ok)
	assert.Equal(t, "git push", fp.Command)
}

func TestEventMarkProcessed(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	now := time.Now()
	a := makeEvent(t, now, "r")
	b := makeEvent(t, now.Add(time.Second), "r")
	require.NoError(t, store.Insert(ctx, a))
	require.NoError(t, store.Insert(ctx, b))

	require.NoError(t, store.MarkProcessed(ctx, []string{a.ID}))

	remaining, err := store.Unprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, b.ID, remaining[0].ID)

	n, err := store.UnprocessedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Empty id list is a no-op.
	require.NoError(t, store.MarkProcessed(ctx, nil))
}

func TestEventRecentOrder(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	base := time.Now()
	var last *models.Event
	for i := 0; i < 5; i++ {
		last = makeEvent(t, base.Add(time.Duration(i)*time.Second), "r")
		require.NoError(t, store.Insert(ctx, last))
	}

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, last.ID, recent[0].ID)
}

func TestCountsBySignal(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, makeEvent(t, time.Now(), "r")))
	require.NoError(t, store.Insert(ctx, makeEvent(t, time.Now(), "r")))

	counts, err := store.CountsBySignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.SignalCommandFailure])
}
