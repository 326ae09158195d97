// Package scope decides whether a learning candidate applies to a single
// project or globally, and when a project rule is ready for promotion.
package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/models"
)

// LedgerReader provides cross-repository observation counts. A nil reader
// means no ledger is available and cross-repo rules are skipped.
type LedgerReader interface {
	Get(fp string) (*models.LedgerEntry, error)
}

// Analysis is the full scope decision for one candidate.
type Analysis struct {
	RecommendedScope models.Scope `json:"recommended_scope"`
	Reasons          []string     `json:"recommendation_reasons"`
	ProjectScore     float64      `json:"project_score"`
	GlobalScore      float64      `json:"global_score"`
	ExistsGlobal     bool         `json:"exists_global"`
	ExistsProject    bool         `json:"exists_project"`
	RepoCount        int          `json:"repo_count"`
	Repos            []string     `json:"repos,omitempty"`
	TotalCount       int          `json:"total_count,omitempty"`
	Status           string       `json:"status,omitempty"`
	Eligible         bool         `json:"eligible_for_promotion"`
}

type weightedPattern struct {
	re     *regexp.Regexp
	weight float64
}

// Analyzer scores candidates against project/global indicator tables and
// existing rule files.
type Analyzer struct {
	cfg     *config.ScopeConfig
	engine  *fingerprint.Engine
	ledger  LedgerReader
	project []weightedPattern
	global  []weightedPattern

	// Rule file locations, overridable for tests.
	GlobalRulesPath  string
	ProjectRulesPath string
}

// New compiles the indicator tables. ledger may be nil.
func New(cfg *config.ScopeConfig, engine *fingerprint.Engine, ledger LedgerReader) (*Analyzer, error) {
	a := &Analyzer{cfg: cfg, engine: engine, ledger: ledger}

	home, _ := os.UserHomeDir()
	a.GlobalRulesPath = filepath.Join(home, ".claude", "CLAUDE.md")
	if cwd, err := os.Getwd(); err == nil {
		a.ProjectRulesPath = filepath.Join(cwd, ".claude", "CLAUDE.md")
	}

	var err error
	if a.project, err = compileIndicators(cfg.ProjectIndicators); err != nil {
		return nil, fmt.Errorf("project indicators: %w", err)
	}
	if a.global, err = compileIndicators(cfg.GlobalIndicators); err != nil {
		return nil, fmt.Errorf("global indicators: %w", err)
	}
	return a, nil
}

func compileIndicators(indicators []config.Indicator) ([]weightedPattern, error) {
	out := make([]weightedPattern, 0, len(indicators))
	for _, ind := range indicators {
		re, err := regexp.Compile(ind.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", ind.Pattern, err)
		}
		out = append(out, weightedPattern{re: re, weight: ind.Weight})
	}
	return out, nil
}

// Scores returns the project and global indicator scores for a candidate.
// Indicators match against the lowercased trigger, action and title.
func (a *Analyzer) Scores(c *models.Candidate) (project, global float64) {
	text := strings.ToLower(c.Trigger + " " + c.Action + " " + c.Title)
	for _, p := range a.project {
		if p.re.MatchString(text) {
			project += p.weight
		}
	}
	for _, p := range a.global {
		if p.re.MatchString(text) {
			global += p.weight
		}
	}
	return project, global
}

// Analyze runs the full ordered decision for one candidate.
func (a *Analyzer) Analyze(c *models.Candidate) (*Analysis, error) {
	projectScore, globalScore := a.Scores(c)

	res := &Analysis{
		ProjectScore:  projectScore,
		GlobalScore:   globalScore,
		ExistsGlobal:  a.similarRuleExists(c, a.GlobalRulesPath),
		ExistsProject: a.similarRuleExists(c, a.ProjectRulesPath),
	}

	if a.ledger != nil && c.Fingerprint != "" {
		entry, err := a.ledger.Get(c.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("ledger lookup: %w", err)
		}
		if entry != nil {
			res.RepoCount = entry.RepoCount()
			res.Repos = entry.RepoIDs
			res.TotalCount = entry.Count
			res.Status = string(entry.Status)
		}
	}

	switch {
	case res.ExistsGlobal:
		res.RecommendedScope = models.ScopeGlobal
		res.Reasons = append(res.Reasons, "Similar rule exists globally - update instead of duplicate")

	case res.ExistsProject:
		res.RecommendedScope = models.ScopeProject
		res.Reasons = append(res.Reasons, "Similar rule exists in project - maintain consistency")

	case res.RepoCount >= a.cfg.PromotionThresholdRepos:
		res.RecommendedScope = models.ScopeGlobal
		res.Reasons = append(res.Reasons, fmt.Sprintf("Seen in %d repos - promote to global", res.RepoCount))

	case globalScore > projectScore*a.cfg.DominanceRatio:
		res.RecommendedScope = models.ScopeGlobal
		res.Reasons = append(res.Reasons, fmt.Sprintf("Global indicators strong (%.1f vs %.1f)", globalScore, projectScore))

	case projectScore > globalScore*a.cfg.DominanceRatio:
		res.RecommendedScope = models.ScopeProject
		res.Reasons = append(res.Reasons, fmt.Sprintf("Project indicators strong (%.1f vs %.1f)", projectScore, globalScore))

	default:
		res.RecommendedScope = models.ScopeProject
		res.Reasons = append(res.Reasons, "Scores ambiguous - defaulting to project scope")
	}

	res.Eligible = res.RecommendedScope == models.ScopeProject &&
		res.RepoCount >= 1 &&
		globalScore >= projectScore*a.cfg.PromotionScoreRatio

	return res, nil
}

// ShouldProposePromotion reports whether a candidate has spread across
// enough repositories to be proposed for global scope.
func (a *Analyzer) ShouldProposePromotion(c *models.Candidate) (bool, error) {
	res, err := a.Analyze(c)
	if err != nil {
		return false, err
	}
	return res.RepoCount >= a.cfg.PromotionThresholdRepos &&
		res.RecommendedScope == models.ScopeProject &&
		res.Status != string(models.StatusPromoted), nil
}

// similarRuleExists checks an existing rules file for content similar to
// the candidate. Missing files simply report false.
func (a *Analyzer) similarRuleExists(c *models.Candidate, path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return a.engine.Similarity(c.Trigger+" "+c.Action, string(data)) > a.cfg.ExistingRuleSimilarity
}
