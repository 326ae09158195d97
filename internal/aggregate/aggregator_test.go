package aggregate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
	"github.com/thebtf/coach/internal/pending"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/models"
)

type testEnv struct {
	agg     *Aggregator
	events  *sqlite.EventStore
	ledger  *sqlite.LedgerStore
	pending *pending.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	events, err := sqlite.OpenEventStore(filepath.Join(dir, "events.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	ledger, err := sqlite.OpenLedgerStore(filepath.Join(dir, "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	pendingStore := pending.NewStore(filepath.Join(dir, "pending_candidates.json"))
	agg := New(config.Default(), fingerprint.NewDefault(), events, ledger,
		pendingStore, "testrepo", nil)
	return &testEnv{agg: agg, events: events, ledger: ledger, pending: pendingStore}
}

func insertSignal(t *testing.T, env *testEnv, sig models.Signal, at time.Time) *models.Event {
	t.Helper()
	ev, err := models.NewEvent(models.PhaseToolResult, "testrepo", sig, at)
	require.NoError(t, err)
	require.NoError(t, env.events.Insert(context.Background(), ev))
	return ev
}

func TestRunNoEvents(t *testing.T) {
	env := newTestEnv(t)

	candidates, err := env.agg.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRunMergeQueueFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertSignal(t, env, models.Signal{
		Type:       models.SignalCommandFailure,
		Confidence: 0.7,
		Payload: models.CommandFailurePayload{
			Command:       "gh pr merge 42 --squash --delete-branch",
			ExitCode:      1,
			StderrPreview: "Pull request is not mergeable: merge queue is required",
		},
	}, time.Now())

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, models.CandidateRule, c.Type)
	assert.Equal(t, "when using gh pr merge on a repo with merge queue enabled", c.Trigger)
	assert.Contains(t, c.Action, "--auto")
	assert.InDelta(t, 0.75, c.Confidence, 1e-9)
	assert.NotEmpty(t, c.Fingerprint)
	require.Len(t, c.Evidence, 1)

	// Events are consumed.
	n, err := env.events.UnprocessedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Persisted to the pending doc and the ledger.
	doc := env.pending.Load()
	require.Len(t, doc.Pending, 1)

	entry, err := env.ledger.Entry(ctx, c.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []string{"testrepo"}, []string(entry.RepoIDs))
}

func TestRunRepeatedFailureRaisesConfidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		insertSignal(t, env, models.Signal{
			Type:       models.SignalCommandFailure,
			Confidence: 0.7,
			Payload: models.CommandFailurePayload{
				Command:       "npm install left-pad",
				ExitCode:      1,
				StderrPreview: "npm ERR! network timeout",
			},
		}, base.Add(time.Duration(i)*time.Second))
	}

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "when npm install fails repeatedly (3x)", c.Trigger)
	assert.InDelta(t, 0.85, c.Confidence, 1e-9)
	assert.Len(t, c.Evidence, 3)
}

func TestRunCorrection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertSignal(t, env, models.Signal{
		Type:       models.SignalUserCorrection,
		Confidence: 0.7,
		Payload: models.CorrectionPayload{
			Message: "don't edit generated files, you need to run the codegen script",
		},
	}, time.Now())

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "when editing generated files", c.Trigger)
	assert.Equal(t, "run the codegen script", c.Action)
	assert.InDelta(t, 0.6, c.Confidence, 1e-9)
}

func TestRunVagueCorrectionProducesNothingButConsumes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertSignal(t, env, models.Signal{
		Type:       models.SignalUserCorrection,
		Confidence: 0.5,
		Payload:    models.CorrectionPayload{Message: "no that is wrong"},
	}, time.Now())

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	n, err := env.events.UnprocessedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunRepetition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertSignal(t, env, models.Signal{
		Type:       models.SignalRepetition,
		Confidence: 0.7,
		Payload: models.RepetitionPayload{
			Message:      "run the full test suite before committing changes",
			SimilarCount: 2,
			SimilarMessages: []string{
				"run the tests before committing",
				"please run the full test suite before committing changes",
			},
		},
	}, time.Now())

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, models.CandidateChecklist, c.Type)
	assert.Equal(t, "before completing tasks", c.Trigger)
	assert.Equal(t, "please run the full test suite before committing changes", c.Action)
	assert.Contains(t, c.Title, "Remember: ")
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
}

func TestRunSkillSupplement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertSignal(t, env, models.Signal{
		Type:       models.SignalSkillSupplement,
		Confidence: 0.7,
		Payload: models.SkillSupplementPayload{
			SkillName:   "git-workflow",
			Instruction: "also need to rebase onto main before opening the PR",
		},
	}, time.Now())

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, models.CandidateSkill, c.Type)
	assert.Equal(t, "Update git-workflow skill instructions", c.Title)
	assert.Equal(t, "when using the git-workflow skill", c.Trigger)
	assert.InDelta(t, 0.70, c.Confidence, 1e-9)
}

func TestRunVersionIssue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertSignal(t, env, models.Signal{
		Type:       models.SignalVersionIssue,
		Confidence: 0.6,
		Payload: models.VersionIssuePayload{
			IssueType: "missing_tool",
			Command:   "rg pattern src/",
			Stderr:    "bash: rg: command not found",
			Match:     "command not found: rg",
		},
	}, time.Now())

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, models.CandidateSnippet, c.Type)
	assert.Equal(t, "when rg pattern fails with a missing tool", c.Trigger)
	assert.InDelta(t, 0.60, c.Confidence, 1e-9)
}

func TestRunToneEscalationConsumedWithoutCandidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertSignal(t, env, models.Signal{
		Type:       models.SignalToneEscalation,
		Confidence: 0.5,
		Payload:    models.EscalationPayload{Message: "WHY IS THIS STILL BROKEN", CapsWords: 5},
	}, time.Now())

	candidates, err := env.agg.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	n, err := env.events.UnprocessedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeduplicate(t *testing.T) {
	env := newTestEnv(t)

	a := models.NewCandidate(models.CandidateRule, "t", "trigger one", "action one", 0.8)
	a.Fingerprint = "same"
	b := models.NewCandidate(models.CandidateRule, "t", "trigger two", "action two", 0.7)
	b.Fingerprint = "same"
	c := models.NewCandidate(models.CandidateRule, "t", "trigger three", "action three", 0.6)
	c.Fingerprint = "other"
	noFP := models.NewCandidate(models.CandidateRule, "t", "x", "y", 0.5)

	unique := env.agg.Deduplicate([]*models.Candidate{a, b, c, noFP})
	require.Len(t, unique, 2)
	assert.Same(t, a, unique[0])
	assert.Same(t, c, unique[1])
}

func TestFilterQuality(t *testing.T) {
	env := newTestEnv(t)

	good := models.NewCandidate(models.CandidateRule, "t",
		"when git push fails on protected branch", "create a PR instead of direct push", 0.8)
	vague := models.NewCandidate(models.CandidateRule, "t",
		"when performing this action", "create a PR instead of direct push", 0.8)
	short := models.NewCandidate(models.CandidateRule, "t",
		"when x fails", "do y", 0.8)

	out := env.agg.FilterQuality([]*models.Candidate{good, vague, short})
	require.Len(t, out, 1)
	assert.Same(t, good, out[0])
}

func TestFailurePattern(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		stderr      string
		count       int
		wantTrigger string
		wantType    models.CandidateType
	}{
		{
			name:        "merge queue",
			command:     "gh pr merge 42 --squash",
			stderr:      "merge queue is required",
			count:       1,
			wantTrigger: "when using gh pr merge on a repo with merge queue enabled",
			wantType:    models.CandidateRule,
		},
		{
			name:        "protected branch",
			command:     "git push origin main",
			stderr:      "refusing: protected branch",
			count:       1,
			wantTrigger: "when git push fails on protected branch",
			wantType:    models.CandidateRule,
		},
		{
			name:        "rebase conflict",
			command:     "git rebase main",
			stderr:      "CONFLICT (content): merge conflict in app.go",
			count:       1,
			wantTrigger: "when git rebase encounters conflicts",
			wantType:    models.CandidateRule,
		},
		{
			name:        "command not found",
			command:     "jq .name package.json",
			stderr:      "bash: jq: command not found",
			count:       1,
			wantTrigger: "when jq is not installed or not in PATH",
			wantType:    models.CandidateRule,
		},
		{
			name:        "auth",
			command:     "gh api /user",
			stderr:      "HTTP 401: unauthorized",
			count:       1,
			wantTrigger: "when gh api fails with authentication error",
			wantType:    models.CandidateRule,
		},
		{
			name:        "rate limit",
			command:     "gh api /repos",
			stderr:      "API rate limit exceeded",
			count:       1,
			wantTrigger: "when gh api fails with rate limit error",
			wantType:    models.CandidateRule,
		},
		{
			name:        "repeated",
			command:     "cargo build",
			stderr:      "some opaque failure",
			count:       3,
			wantTrigger: "when cargo build fails repeatedly (3x)",
			wantType:    models.CandidateRule,
		},
		{
			name:        "generic",
			command:     "cargo build",
			stderr:      "some opaque failure",
			count:       1,
			wantTrigger: "when cargo build fails",
			wantType:    models.CandidateSnippet,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, action, typ := failurePattern(tt.command, tt.stderr, tt.count)
			assert.Equal(t, tt.wantTrigger, trigger)
			assert.Equal(t, tt.wantType, typ)
			assert.NotEmpty(t, action)
		})
	}
}

func TestInferTriggerWithToolContext(t *testing.T) {
	snap := &models.ContextSnapshot{
		ToolCalls: []models.ToolCall{{Command: "gh pr merge 42"}},
	}

	assert.Equal(t, "when PR review comments are addressed",
		inferTrigger("you should resolve the review threads first", snap))
	assert.Equal(t, "when attempting to merge PRs",
		inferTrigger("don't merge without approval", snap))
	assert.Equal(t, "when pushing changes to remote",
		inferTrigger("never push directly", snap))
	// Without tool context the same message falls through.
	assert.Equal(t, "when attempting to merge without approval",
		inferTrigger("don't merge without approval", nil))
}

func TestInferAction(t *testing.T) {
	assert.Equal(t, "use the staging environment",
		inferAction("that was wrong, instead use the staging environment"))
	assert.Equal(t, "run the linter first",
		inferAction("you need to run the linter first"))
	assert.Equal(t, "LITERALLY finish the task",
		inferAction("literally finish the task"))
	assert.Equal(t, vagueAction, inferAction("that is wrong"))
}

func TestGenerateTitle(t *testing.T) {
	assert.Equal(t, "Use merge --auto instead",
		generateTitle("use gh pr merge --auto instead of squash"))
	assert.Equal(t, "Handle this case correctly", generateTitle("ok"))
	assert.Equal(t, "Handle this case correctly", generateTitle(""))
}
