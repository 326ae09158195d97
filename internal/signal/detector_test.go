package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/pkg/models"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	cfg := config.Default()
	d, err := NewDetector(cfg, NewContext(cfg.Detector.ContextKeep, cfg.Detector.ContextMaxText))
	require.NoError(t, err)
	d.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func findSignal(signals []models.Signal, typ models.SignalType) *models.Signal {
	for i := range signals {
		if signals[i].Type == typ {
			return &signals[i]
		}
	}
	return nil
}

func TestDetectCorrection(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessUserMessage("no, that's wrong")
	sig := findSignal(signals, models.SignalUserCorrection)
	require.NotNil(t, sig)

	// Two pattern matches: base 0.3 + 2*0.2.
	assert.InDelta(t, 0.7, sig.Confidence, 1e-9)

	p, ok := sig.Payload.(models.CorrectionPayload)
	require.True(t, ok)
	assert.Equal(t, "no, that's wrong", p.Message)
	assert.Len(t, p.Matches, 2)
}

func TestDetectCorrectionNone(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessUserMessage("looks great, thanks")
	assert.Nil(t, findSignal(signals, models.SignalUserCorrection))
}

func TestDetectEscalationCapsWords(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessUserMessage("STOP DOING THAT")
	sig := findSignal(signals, models.SignalToneEscalation)
	require.NotNil(t, sig)

	p, ok := sig.Payload.(models.EscalationPayload)
	require.True(t, ok)
	assert.Equal(t, 3, p.CapsWords)
	assert.Equal(t, 0, p.Exclamations)
	// 0.2 + 3*0.1.
	assert.InDelta(t, 0.5, sig.Confidence, 1e-9)
}

func TestDetectEscalationCapped(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessUserMessage("WHY ARE YOU STILL DOING THIS WRONG THING!!!")
	sig := findSignal(signals, models.SignalToneEscalation)
	require.NotNil(t, sig)
	assert.InDelta(t, 0.8, sig.Confidence, 1e-9)
}

func TestDetectEscalationCaseSensitive(t *testing.T) {
	d := newTestDetector(t)

	// Lowercase "literally" must not trip the LITERALLY pattern, and two
	// short caps words are below the caps threshold.
	signals := d.ProcessUserMessage("I literally want the CI to pass")
	assert.Nil(t, findSignal(signals, models.SignalToneEscalation))
}

func TestDetectRepetition(t *testing.T) {
	d := newTestDetector(t)
	msg := "always run the full test suite before committing"

	signals := d.ProcessUserMessage(msg)
	assert.Nil(t, findSignal(signals, models.SignalRepetition))

	signals = d.ProcessUserMessage(msg)
	sig := findSignal(signals, models.SignalRepetition)
	require.NotNil(t, sig)

	p, ok := sig.Payload.(models.RepetitionPayload)
	require.True(t, ok)
	assert.Equal(t, 2, p.SimilarCount)
	// 0.4 + 2*0.15.
	assert.InDelta(t, 0.7, sig.Confidence, 1e-9)
	assert.NotEmpty(t, p.SimilarMessages)
}

func TestDetectRepetitionIgnoresDissimilar(t *testing.T) {
	d := newTestDetector(t)

	d.ProcessUserMessage("add a login form to the settings page")
	signals := d.ProcessUserMessage("deploy the staging environment tonight please")
	assert.Nil(t, findSignal(signals, models.SignalRepetition))
}

func TestDetectVerification(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessUserMessage("are you sure this works?")
	sig := findSignal(signals, models.SignalVerificationQuestion)
	require.NotNil(t, sig)
	// One match: 0.5 + 0.1.
	assert.InDelta(t, 0.6, sig.Confidence, 1e-9)
}

func TestDetectSkillSupplement(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessUserMessage("also need to update the git-workflow skill to handle rebases")
	sig := findSignal(signals, models.SignalSkillSupplement)
	require.NotNil(t, sig)

	p, ok := sig.Payload.(models.SkillSupplementPayload)
	require.True(t, ok)
	assert.Equal(t, "git-workflow", p.SkillName)
	assert.InDelta(t, 0.70, sig.Confidence, 1e-9)
}

func TestProcessToolResultSuccessIsContextOnly(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessToolResult("git status", 0, "")
	assert.Empty(t, signals)
	assert.Len(t, d.ctx.ToolCalls, 1)
}

func TestDetectCommandFailure(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessToolResult("gh pr merge 42 --squash", 1,
		"Pull request is not mergeable: merge queue is required")
	sig := findSignal(signals, models.SignalCommandFailure)
	require.NotNil(t, sig)
	assert.InDelta(t, 0.7, sig.Confidence, 1e-9)

	p, ok := sig.Payload.(models.CommandFailurePayload)
	require.True(t, ok)
	assert.Equal(t, 1, p.ExitCode)
	assert.Equal(t, 0, p.SimilarRecentFailures)
	assert.NotEmpty(t, p.StderrMatches)
	assert.Contains(t, p.CommandMatches, "gh pr merge")
}

func TestDetectCommandFailureRepeatRaisesConfidence(t *testing.T) {
	d := newTestDetector(t)

	d.ProcessToolResult("git push origin main", 1, "remote rejected: protected branch")
	signals := d.ProcessToolResult("git push origin main --force", 1, "remote rejected: protected branch")

	sig := findSignal(signals, models.SignalCommandFailure)
	require.NotNil(t, sig)
	// One earlier failure of the same base command: 0.7 + 0.1.
	assert.InDelta(t, 0.8, sig.Confidence, 1e-9)
}

func TestDetectVersionIssueRequirement(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessToolResult("pip install foo", 1, "package requires version 3.12 or newer")
	sig := findSignal(signals, models.SignalVersionIssue)
	require.NotNil(t, sig)

	p, ok := sig.Payload.(models.VersionIssuePayload)
	require.True(t, ok)
	assert.Equal(t, "version_requirement", p.IssueType)
	assert.Equal(t, "3.12", p.Version)
	assert.InDelta(t, 0.80, sig.Confidence, 1e-9)
}

func TestDetectVersionIssueMissingTool(t *testing.T) {
	d := newTestDetector(t)

	signals := d.ProcessToolResult("rg pattern", 127, "ENOENT: command not found")
	sig := findSignal(signals, models.SignalVersionIssue)
	require.NotNil(t, sig)

	p, ok := sig.Payload.(models.VersionIssuePayload)
	require.True(t, ok)
	assert.Equal(t, "missing_tool", p.IssueType)
	assert.InDelta(t, 0.60, sig.Confidence, 1e-9)
}
