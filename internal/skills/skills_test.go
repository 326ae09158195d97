package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/models"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	cfg := config.Default()
	a := New(&cfg.Skills, fingerprint.NewDefault())
	a.SkillsDir = filepath.Join(t.TempDir(), "skills")
	a.ProjectDir = t.TempDir()
	return a
}

func addSkill(t *testing.T, dir, name string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(skillDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"),
		[]byte("# "+name+"\n"), 0600))
}

func TestInstalledSkills(t *testing.T) {
	a := newTestAnalyzer(t)

	addSkill(t, a.SkillsDir, "git-workflow")
	addSkill(t, filepath.Join(a.ProjectDir, ".claude", "skills"), "deploy")

	// A directory without SKILL.md is not a skill.
	require.NoError(t, os.MkdirAll(filepath.Join(a.SkillsDir, "empty"), 0755))

	skills := a.InstalledSkills()
	assert.Len(t, skills, 2)
	assert.Contains(t, skills, "git-workflow")
	assert.Contains(t, skills, "project:deploy")

	names := a.SkillNames()
	assert.Equal(t, []string{"git-workflow", "project:deploy"}, names)
}

func TestUpdateCandidate(t *testing.T) {
	a := newTestAnalyzer(t)

	c := a.UpdateCandidate("git-workflow", "always rebase onto main before opening the PR")
	require.NotNil(t, c)
	assert.Equal(t, models.CandidateSkill, c.Type)
	assert.Equal(t, "Update git-workflow skill", c.Title)
	assert.Equal(t, "when git-workflow skill is activated", c.Trigger)
	assert.Contains(t, c.Action, "include guidance: ")
	assert.InDelta(t, 0.70, c.Confidence, 1e-9)
	assert.NotEmpty(t, c.Fingerprint)

	assert.Nil(t, a.UpdateCandidate("", "some supplement"))
}

func TestCheckToolNotInstalled(t *testing.T) {
	a := newTestAnalyzer(t)

	result := a.CheckTool(context.Background(), config.ToolCheck{
		Tool:           "definitely-not-a-tool",
		Command:        "definitely-not-a-tool --version",
		VersionPattern: `(\d+)`,
		MinVersion:     1,
	})
	assert.Equal(t, StatusNotInstalled, result.Status)
}

func TestCheckToolVersionParsing(t *testing.T) {
	a := newTestAnalyzer(t)
	a.cfg.ProbeTimeout = 5 * time.Second

	// echo stands in for a real tool so the probe output is deterministic.
	result := a.CheckTool(context.Background(), config.ToolCheck{
		Tool:           "fake",
		Command:        "echo fake version 2.5",
		VersionPattern: `version (\d+\.\d+)`,
		MinVersion:     3.0,
	})
	assert.Equal(t, StatusOutdated, result.Status)
	assert.InDelta(t, 2.5, result.CurrentVersion, 1e-9)

	result = a.CheckTool(context.Background(), config.ToolCheck{
		Tool:           "fake",
		Command:        "echo fake version 4.1",
		VersionPattern: `version (\d+\.\d+)`,
		MinVersion:     3.0,
	})
	assert.Equal(t, StatusOK, result.Status)
}

func TestToolCandidate(t *testing.T) {
	a := newTestAnalyzer(t)

	missing := a.ToolCandidate(ProbeResult{Tool: "jq", Status: StatusNotInstalled})
	require.NotNil(t, missing)
	assert.Equal(t, "when jq command fails with 'not found'", missing.Trigger)
	assert.Equal(t, "install jq using appropriate package manager", missing.Action)
	assert.InDelta(t, 0.60, missing.Confidence, 1e-9)

	outdated := a.ToolCandidate(ProbeResult{
		Tool: "node", Status: StatusOutdated, CurrentVersion: 16, MinRecommended: 18,
	})
	require.NotNil(t, outdated)
	assert.Equal(t, "when using node (currently v16)", outdated.Trigger)
	assert.Contains(t, outdated.Action, "v18")
	assert.InDelta(t, 0.80, outdated.Confidence, 1e-9)

	assert.Nil(t, a.ToolCandidate(ProbeResult{Tool: "go", Status: StatusOK}))
}

func TestScanCandidatesSkipsHealthyTools(t *testing.T) {
	a := newTestAnalyzer(t)
	a.cfg.ToolChecks = []config.ToolCheck{
		{Tool: "fake-ok", Command: "echo version 9.9", VersionPattern: `version (\d+\.\d+)`, MinVersion: 1},
		{Tool: "fake-missing", Command: "definitely-not-a-tool --version", VersionPattern: `(\d+)`, MinVersion: 1},
	}

	candidates, findings := a.ScanCandidates(context.Background())
	require.Len(t, findings, 1)
	assert.Equal(t, "fake-missing", findings[0].Tool)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Install fake-missing", candidates[0].Title)
}
