// Package skills analyzes installed skills and local tooling for
// improvement opportunities: skill instruction gaps and outdated or
// missing CLI tools.
package skills

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/models"
)

// Probe statuses.
const (
	StatusOK           = "ok"
	StatusOutdated     = "outdated"
	StatusNotInstalled = "not_installed"
)

// ProbeResult is the outcome of one tool version check.
type ProbeResult struct {
	Tool           string  `json:"tool"`
	CurrentVersion float64 `json:"current_version,omitempty"`
	MinRecommended float64 `json:"min_recommended,omitempty"`
	Status         string  `json:"status"`
}

// Analyzer inspects installed skills and probes tool versions.
type Analyzer struct {
	cfg    *config.SkillsConfig
	engine *fingerprint.Engine

	// SkillsDir and ProjectDir override the default locations, for tests.
	SkillsDir  string
	ProjectDir string
}

// New creates an analyzer with default skill locations.
func New(cfg *config.SkillsConfig, engine *fingerprint.Engine) *Analyzer {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	return &Analyzer{
		cfg:        cfg,
		engine:     engine,
		SkillsDir:  filepath.Join(home, ".claude", "skills"),
		ProjectDir: cwd,
	}
}

// InstalledSkills returns installed skill names mapped to their directories.
// Skills under the project get a "project:" name prefix. A skill directory
// counts only when it carries a SKILL.md.
func (a *Analyzer) InstalledSkills() map[string]string {
	skills := make(map[string]string)

	collect := func(dir, prefix string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, entry.Name())
			if _, err := os.Stat(filepath.Join(skillDir, "SKILL.md")); err == nil {
				skills[prefix+entry.Name()] = skillDir
			}
		}
	}

	collect(a.SkillsDir, "")
	collect(filepath.Join(a.ProjectDir, ".claude", "skills"), "project:")
	return skills
}

// SkillNames returns installed skill names sorted for stable output.
func (a *Analyzer) SkillNames() []string {
	installed := a.InstalledSkills()
	names := make([]string, 0, len(installed))
	for name := range installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpdateCandidate builds a skill-update candidate from a user supplement.
// Returns nil when no skill could be identified.
func (a *Analyzer) UpdateCandidate(skillName, supplement string) *models.Candidate {
	if skillName == "" {
		return nil
	}

	cand := models.NewCandidate(models.CandidateSkill,
		fmt.Sprintf("Update %s skill", skillName),
		fmt.Sprintf("when %s skill is activated", skillName),
		"include guidance: "+truncate(supplement, 200),
		a.cfg.SupplementConfidence)
	cand.AddEvidence(models.Evidence{Quote: truncate(supplement, 100)})
	cand.Fingerprint = a.engine.FingerprintCandidate(cand)
	return cand
}

// CheckTool probes one tool's version under the configured timeout.
func (a *Analyzer) CheckTool(ctx context.Context, check config.ToolCheck) ProbeResult {
	if a.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ProbeTimeout)
		defer cancel()
	}

	fields := strings.Fields(check.Command)
	if len(fields) == 0 {
		return ProbeResult{Tool: check.Tool, Status: StatusNotInstalled}
	}

	out, err := exec.CommandContext(ctx, fields[0], fields[1:]...).CombinedOutput()
	if err != nil {
		return ProbeResult{Tool: check.Tool, Status: StatusNotInstalled}
	}

	re, err := regexp.Compile(check.VersionPattern)
	if err != nil {
		return ProbeResult{Tool: check.Tool, Status: StatusNotInstalled}
	}
	m := re.FindStringSubmatch(string(out))
	if len(m) < 2 {
		return ProbeResult{Tool: check.Tool, Status: StatusNotInstalled}
	}

	version, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ProbeResult{Tool: check.Tool, Status: StatusNotInstalled}
	}

	result := ProbeResult{
		Tool:           check.Tool,
		CurrentVersion: version,
		MinRecommended: check.MinVersion,
		Status:         StatusOK,
	}
	if check.MinVersion > 0 && version < check.MinVersion {
		result.Status = StatusOutdated
	}
	return result
}

// ScanTools probes all configured tools concurrently. Results keep the
// configuration order.
func (a *Analyzer) ScanTools(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, len(a.cfg.ToolChecks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, check := range a.cfg.ToolChecks {
		i, check := i, check
		g.Go(func() error {
			results[i] = a.CheckTool(ctx, check)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ToolCandidate builds an install/upgrade candidate from a probe result.
// Healthy tools yield nil.
func (a *Analyzer) ToolCandidate(result ProbeResult) *models.Candidate {
	var trigger, action, title string
	var confidence float64

	switch result.Status {
	case StatusNotInstalled:
		title = "Install " + result.Tool
		trigger = fmt.Sprintf("when %s command fails with 'not found'", result.Tool)
		action = fmt.Sprintf("install %s using appropriate package manager", result.Tool)
		confidence = a.cfg.MissingConfidence
	case StatusOutdated:
		title = "Update " + result.Tool
		trigger = fmt.Sprintf("when using %s (currently v%g)", result.Tool, result.CurrentVersion)
		action = fmt.Sprintf("consider upgrading to v%g for latest features and security fixes", result.MinRecommended)
		confidence = a.cfg.OutdatedConfidence
	default:
		return nil
	}

	cand := models.NewCandidate(models.CandidateSnippet, title, trigger, action, confidence)
	cand.AddEvidence(models.Evidence{Source: "tool_scan", Command: result.Tool})
	cand.Fingerprint = a.engine.FingerprintCandidate(cand)
	return cand
}

// ScanCandidates probes all tools and returns candidates for everything
// outdated or missing, plus the raw findings.
func (a *Analyzer) ScanCandidates(ctx context.Context) ([]*models.Candidate, []ProbeResult) {
	results := a.ScanTools(ctx)

	var candidates []*models.Candidate
	var findings []ProbeResult
	for _, r := range results {
		if r.Status == StatusOK {
			continue
		}
		findings = append(findings, r)
		if c := a.ToolCandidate(r); c != nil {
			candidates = append(candidates, c)
		}
	}
	return candidates, findings
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
