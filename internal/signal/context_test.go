package signal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextBounds(t *testing.T) {
	ctx := NewContext(3, 10)
	now := time.Now()

	for i := 0; i < 5; i++ {
		ctx.AddMessage("message with a long tail", now)
	}
	assert.Len(t, ctx.Messages, 3)
	assert.Equal(t, "message wi", ctx.Messages[0].Text)

	for i := 0; i < 5; i++ {
		ctx.AddToolCall("git status", 0, "", now)
	}
	assert.Len(t, ctx.ToolCalls, 3)
}

func TestContextSnapshotTail(t *testing.T) {
	ctx := NewContext(10, 100)
	now := time.Now()
	ctx.AddMessage("first", now)
	ctx.AddMessage("second", now)
	ctx.AddMessage("third", now)

	snap := ctx.Snapshot(2)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "second", snap.Messages[0].Text)
	assert.Equal(t, "third", snap.Messages[1].Text)
}

func TestRecentFailures(t *testing.T) {
	ctx := NewContext(10, 100)
	now := time.Now()
	ctx.AddToolCall("git status", 0, "", now)
	ctx.AddToolCall("git push", 1, "rejected", now)
	ctx.AddToolCall("npm test", 2, "failed", now)

	failures := ctx.RecentFailures(10)
	require.Len(t, failures, 2)
	assert.Equal(t, "git push", failures[0].Command)
}

func TestContextStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recent_context.json")
	store := NewContextStore(path, 5, 100)

	ctx := store.Load()
	ctx.AddMessage("hello there", time.Now())
	ctx.AddToolCall("ls", 0, "", time.Now())
	require.NoError(t, store.Save(ctx))

	loaded := store.Load()
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "hello there", loaded.Messages[0].Text)
	require.Len(t, loaded.ToolCalls, 1)
}

func TestContextStoreCorruptFileYieldsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recent_context.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store := NewContextStore(path, 5, 100)
	ctx := store.Load()
	assert.Empty(t, ctx.Messages)
	assert.Empty(t, ctx.ToolCalls)
}

func TestContextStoreMissingFileYieldsEmpty(t *testing.T) {
	store := NewContextStore(filepath.Join(t.TempDir(), "nope.json"), 5, 100)
	ctx := store.Load()
	assert.Empty(t, ctx.Messages)
}
