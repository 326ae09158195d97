package repoid

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIDFallsBackToDirectoryHash(t *testing.T) {
	// A bare temp dir has no git remote, so the ID comes from the path.
	dir := t.TempDir()
	r := New(dir, 5*time.Second)

	id := r.ID(context.Background())
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), id)
	assert.Equal(t, id, r.ID(context.Background()))

	other := New(t.TempDir(), 5*time.Second)
	assert.NotEqual(t, id, other.ID(context.Background()))
}

func TestShortHashIsStable(t *testing.T) {
	assert.Equal(t, shortHash("git@github.com:acme/widgets.git"),
		shortHash("git@github.com:acme/widgets.git"))
	assert.Len(t, shortHash("anything"), 16)
	assert.NotEqual(t, shortHash("a"), shortHash("b"))
}
