package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseCommand(t *testing.T) {
	assert.Equal(t, "gh pr", BaseCommand("gh pr merge 42 --squash"))
	assert.Equal(t, "git push", BaseCommand("Git Push origin main"))
	assert.Equal(t, "ls", BaseCommand("ls"))
	assert.Equal(t, "", BaseCommand("   "))
}

func TestCommandSequenceResolution(t *testing.T) {
	seq := &CommandSequence{BaseCommand: "gh pr"}
	seq.Append(CommandVariation{Command: "gh pr merge 42 --squash", ExitCode: 1, Stderr: "merge queue"})
	seq.Append(CommandVariation{Command: "gh pr merge 42 --auto", ExitCode: 0})

	assert.True(t, seq.EventuallySucceeded())

	first := seq.FirstSuccess()
	require.NotNil(t, first)
	assert.Equal(t, "gh pr merge 42 --auto", first.Command)

	last := seq.LastFailureBeforeSuccess()
	require.NotNil(t, last)
	assert.Equal(t, "gh pr merge 42 --squash", last.Command)

	assert.Len(t, seq.Failures(), 1)
}

func TestCommandSequenceNeverSucceeded(t *testing.T) {
	seq := &CommandSequence{BaseCommand: "npm install"}
	seq.Append(CommandVariation{Command: "npm install", ExitCode: 1})
	seq.Append(CommandVariation{Command: "npm install --force", ExitCode: 1})

	assert.False(t, seq.EventuallySucceeded())
	assert.Nil(t, seq.FirstSuccess())
	assert.Nil(t, seq.LastFailureBeforeSuccess())
	assert.Len(t, seq.Failures(), 2)
}

func TestCommandSequenceOpensWithSuccess(t *testing.T) {
	seq := &CommandSequence{BaseCommand: "ls"}
	seq.Append(CommandVariation{Command: "ls", ExitCode: 0})

	assert.True(t, seq.EventuallySucceeded())
	assert.Nil(t, seq.LastFailureBeforeSuccess())
}
