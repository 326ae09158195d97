// Package config provides configuration management for coach.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/coach/pkg/fingerprint"
)

// Indicator is a weighted regex used for scope scoring.
type Indicator struct {
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`
}

// VersionPattern maps a stderr regex to a version-issue category.
type VersionPattern struct {
	Pattern   string `yaml:"pattern"`
	IssueType string `yaml:"issue_type"`
}

// ToolCheck describes how to probe one CLI tool's version.
type ToolCheck struct {
	Tool           string  `yaml:"tool"`
	Command        string  `yaml:"command"`
	VersionPattern string  `yaml:"version_pattern"`
	MinVersion     float64 `yaml:"min_version"`
}

// DetectorConfig holds signal pattern tables and the confidence tuning
// constants. All values default to the compiled-in tables; config.yaml may
// override any of them.
type DetectorConfig struct {
	CorrectionPatterns   []string `yaml:"correction_patterns"`
	EscalationPatterns   []string `yaml:"escalation_patterns"`
	FailureStderr        []string `yaml:"failure_stderr_patterns"`
	FailureCommands      []string `yaml:"failure_command_patterns"`
	VerificationPatterns []string `yaml:"verification_patterns"`

	CorrectionBase     float64 `yaml:"correction_base"`
	CorrectionPerMatch float64 `yaml:"correction_per_match"`
	CorrectionMax      float64 `yaml:"correction_max"`

	EscalationBase        float64 `yaml:"escalation_base"`
	EscalationPerCapsWord float64 `yaml:"escalation_per_caps_word"`
	EscalationPerBang     float64 `yaml:"escalation_per_exclamation"`
	EscalationMax         float64 `yaml:"escalation_max"`
	EscalationMinCaps     int     `yaml:"escalation_min_caps_words"`
	EscalationMinBangs    int     `yaml:"escalation_min_exclamations"`

	RepetitionWindow     int     `yaml:"repetition_window"`
	RepetitionSimilarity float64 `yaml:"repetition_similarity"`
	RepetitionMinSimilar int     `yaml:"repetition_min_similar"`
	RepetitionBase       float64 `yaml:"repetition_base"`
	RepetitionPerMatch   float64 `yaml:"repetition_per_match"`
	RepetitionMax        float64 `yaml:"repetition_max"`

	FailureBase       float64 `yaml:"failure_base"`
	FailurePerSimilar float64 `yaml:"failure_per_similar"`
	FailureMax        float64 `yaml:"failure_max"`
	FailureWindow     int     `yaml:"failure_window"`

	VerificationBase     float64 `yaml:"verification_base"`
	VerificationPerMatch float64 `yaml:"verification_per_match"`
	VerificationMax      float64 `yaml:"verification_max"`

	// Rolling context bounds: items kept per list, items exposed in
	// snapshots, and max stored length of any captured string.
	ContextKeep    int `yaml:"context_keep"`
	ContextRecent  int `yaml:"context_recent"`
	ContextMaxText int `yaml:"context_max_text"`
}

// FingerprintConfig holds the normalization tables and similarity threshold.
type FingerprintConfig struct {
	Rules               []fingerprint.Rule   `yaml:"rules"`
	Buckets             []fingerprint.Bucket `yaml:"buckets"`
	SimilarityThreshold float64              `yaml:"similarity_threshold"`
}

// ScopeConfig holds the scope indicator tables and promotion constants.
type ScopeConfig struct {
	ProjectIndicators []Indicator `yaml:"project_indicators"`
	GlobalIndicators  []Indicator `yaml:"global_indicators"`

	PromotionThresholdRepos int     `yaml:"promotion_threshold_repos"`
	DominanceRatio          float64 `yaml:"dominance_ratio"`
	PromotionScoreRatio     float64 `yaml:"promotion_score_ratio"`
	ExistingRuleSimilarity  float64 `yaml:"existing_rule_similarity"`
}

// QualityConfig holds the candidate quality gate.
type QualityConfig struct {
	MinTriggerLen int      `yaml:"min_trigger_len"`
	MinActionLen  int      `yaml:"min_action_len"`
	VagueTriggers []string `yaml:"vague_triggers"`
	VagueActions  []string `yaml:"vague_actions"`
}

// RootCauseConfig holds the per-resolution-class confidence constants.
type RootCauseConfig struct {
	FlagAddConfidence    float64 `yaml:"flag_add_confidence"`
	SubcommandConfidence float64 `yaml:"subcommand_confidence"`
	KnownIssueConfidence float64 `yaml:"known_issue_confidence"`
	AuthConfidence       float64 `yaml:"auth_confidence"`
	WorkingConfidence    float64 `yaml:"working_command_confidence"`
	PermissionConfidence float64 `yaml:"permission_confidence"`
	RetryConfidence      float64 `yaml:"retry_confidence"`
	VerbatimConfidence   float64 `yaml:"verbatim_confidence"`
}

// SkillsConfig holds skill-gap and tool-version analysis tables.
type SkillsConfig struct {
	SupplementPatterns []string         `yaml:"supplement_patterns"`
	ReferencePatterns  []string         `yaml:"reference_patterns"`
	VersionPatterns    []VersionPattern `yaml:"version_patterns"`
	ToolChecks         []ToolCheck      `yaml:"tool_checks"`
	ProbeTimeout       time.Duration    `yaml:"probe_timeout"`

	SupplementConfidence float64 `yaml:"supplement_confidence"`
	OutdatedConfidence   float64 `yaml:"outdated_confidence"`
	MissingConfidence    float64 `yaml:"missing_confidence"`
}

// TranscriptConfig bounds session-end transcript analysis.
type TranscriptConfig struct {
	MaxAge             time.Duration `yaml:"max_age"`
	ConcerningCommands []string      `yaml:"concerning_commands"`
	BenignCommands     []string      `yaml:"benign_commands"`
	RepeatThreshold    int           `yaml:"repeat_threshold"`
	OverlapThreshold   float64       `yaml:"overlap_threshold"`
	RepeatConfidence   float64       `yaml:"repeat_confidence"`
}

// Config is the full application configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Detector    DetectorConfig    `yaml:"detector"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Scope       ScopeConfig       `yaml:"scope"`
	Quality     QualityConfig     `yaml:"quality"`
	RootCause   RootCauseConfig   `yaml:"root_cause"`
	Skills      SkillsConfig      `yaml:"skills"`
	Transcript  TranscriptConfig  `yaml:"transcript"`

	// RepoIDTimeout bounds the git remote lookup used for repository
	// identity.
	RepoIDTimeout time.Duration `yaml:"repo_id_timeout"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// DataDir returns the default data directory path (~/.coach).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".coach")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// EventsDBPath returns the events database path.
func (c *Config) EventsDBPath() string {
	return filepath.Join(c.DataDir, "events.sqlite")
}

// LedgerDBPath returns the ledger database path.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.sqlite")
}

// PendingPath returns the pending-candidates document path.
func (c *Config) PendingPath() string {
	return filepath.Join(c.DataDir, "pending_candidates.json")
}

// ContextPath returns the rolling-context state file path.
func (c *Config) ContextPath() string {
	return filepath.Join(c.DataDir, "recent_context.json")
}

// EnsureDataDir creates the configured data directory if missing.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0750)
}

// Default returns a Config with the compiled-in tables and tuning constants.
func Default() *Config {
	return &Config{
		DataDir:       DataDir(),
		RepoIDTimeout: 5 * time.Second,
		Detector: DetectorConfig{
			CorrectionPatterns: []string{
				`\bno\b`, `\bstop\b`, `\bdon'?t\b`, `i said`,
				`you didn'?t`, `why did you`, `that's wrong`,
				`not what i`, `i meant`, `should have`,
			},
			EscalationPatterns: []string{
				`[A-Z]{3,}`, `!{2,}`, `\bagain\b`, `for the last time`,
				`how many times`, `already told you`, `LITERALLY`,
			},
			FailureStderr: []string{
				`ENOENT`, `ECONNREFUSED`, `ETIMEDOUT`, `EPERM`,
				`command not found`, `permission denied`, `no such file`,
				`merge queue`, `not allowed`, `Cannot use`,
				`merge strategy`, `is not mergeable`, `blocked`,
				`required status`, `protected branch`, `not fast-forward`,
				`401`, `403`, `404`, `422`, `500`, `502`, `503`,
				`unauthorized`, `forbidden`, `rate limit`,
				`failed to`, `error:`, `Error:`, `FAILED`,
				`compilation failed`, `build failed`, `test failed`,
				`npm ERR`, `yarn error`, `pip error`, `go: `,
				`fatal:`, `panic:`, `exception`, `traceback`,
			},
			FailureCommands: []string{
				`gh pr merge`, `git push`, `git rebase`,
				`npm install`, `docker build`,
			},
			VerificationPatterns: []string{
				`did you (?:run|test|check|verify)`,
				`are you sure`, `double[- ]check`,
				`can you verify`, `make sure (?:it|this|that) works`,
				`prove (?:it|that)`,
			},
			CorrectionBase:     0.3,
			CorrectionPerMatch: 0.2,
			CorrectionMax:      1.0,

			EscalationBase:        0.2,
			EscalationPerCapsWord: 0.1,
			EscalationPerBang:     0.05,
			EscalationMax:         0.8,
			EscalationMinCaps:     2,
			EscalationMinBangs:    3,

			RepetitionWindow:     10,
			RepetitionSimilarity: 0.5,
			RepetitionMinSimilar: 2,
			RepetitionBase:       0.4,
			RepetitionPerMatch:   0.15,
			RepetitionMax:        0.95,

			FailureBase:       0.7,
			FailurePerSimilar: 0.1,
			FailureMax:        0.99,
			FailureWindow:     10,

			VerificationBase:     0.5,
			VerificationPerMatch: 0.1,
			VerificationMax:      0.9,

			ContextKeep:    20,
			ContextRecent:  5,
			ContextMaxText: 500,
		},
		Fingerprint: FingerprintConfig{
			Rules:               fingerprint.DefaultRules(),
			Buckets:             fingerprint.DefaultBuckets(),
			SimilarityThreshold: fingerprint.DefaultThreshold,
		},
		Scope: ScopeConfig{
			ProjectIndicators: []Indicator{
				{Pattern: `apps/`, Weight: 3},
				{Pattern: `packages/`, Weight: 2},
				{Pattern: `src/components/`, Weight: 2},
				{Pattern: `\.platform\.`, Weight: 3},
				{Pattern: `docker-compose\.`, Weight: 2},
				{Pattern: `\.env\.`, Weight: 2},
				{Pattern: `makefile`, Weight: 1},
				{Pattern: `\b(client|customer|vendor)\s+name`, Weight: 2},
				{Pattern: `\b(internal|proprietary)\b`, Weight: 2},
				{Pattern: `\bapi\.example\.com\b`, Weight: 3},
				{Pattern: `pnpm\s+-c\s+packages/`, Weight: 3},
				{Pattern: `nx\s+`, Weight: 2},
				{Pattern: `turbo\b`, Weight: 2},
			},
			GlobalIndicators: []Indicator{
				{Pattern: `\brun\s+tests?\b`, Weight: 3},
				{Pattern: `\bsmall\s+(pr|commit)`, Weight: 2},
				{Pattern: `\bcommit\s+message`, Weight: 2},
				{Pattern: `\bcode\s+review`, Weight: 2},
				{Pattern: `\bdiff\s+summary`, Weight: 2},
				{Pattern: `\bverify\s+before`, Weight: 2},
				{Pattern: `\bbackup\s+first`, Weight: 2},
				{Pattern: `\bgit\b`, Weight: 2},
				{Pattern: `\bdocker\b`, Weight: 2},
				{Pattern: `\bnpm\b`, Weight: 1},
				{Pattern: `\bpnpm\b`, Weight: 1},
				{Pattern: `\byarn\b`, Weight: 1},
				{Pattern: `\bpython\b`, Weight: 1},
				{Pattern: `\bpytest\b`, Weight: 1},
				{Pattern: `\bjest\b`, Weight: 1},
				{Pattern: `\bdon't\s+edit\s+generated`, Weight: 3},
				{Pattern: `\bnever\s+commit\s+secrets`, Weight: 3},
				{Pattern: `\balways\s+backup`, Weight: 2},
				{Pattern: `\bcommand\s+not\s+found`, Weight: 2},
			},
			PromotionThresholdRepos: 2,
			DominanceRatio:          1.5,
			PromotionScoreRatio:     0.8,
			ExistingRuleSimilarity:  0.4,
		},
		Quality: QualityConfig{
			MinTriggerLen: 15,
			MinActionLen:  15,
			VagueTriggers: []string{
				"when performing this action",
				"when doing this",
			},
			VagueActions: []string{
				"follow the correct procedure",
				"do it correctly",
				"handle appropriately",
			},
		},
		RootCause: RootCauseConfig{
			FlagAddConfidence:    0.85,
			SubcommandConfidence: 0.80,
			KnownIssueConfidence: 0.80,
			AuthConfidence:       0.75,
			WorkingConfidence:    0.75,
			PermissionConfidence: 0.70,
			RetryConfidence:      0.65,
			VerbatimConfidence:   0.50,
		},
		Skills: SkillsConfig{
			SupplementPatterns: []string{
				`also\s+(?:need|remember|make\s+sure)`,
				`but\s+(?:also|don't\s+forget)`,
				`(?:the\s+)?skill\s+(?:doesn't|does\s+not|didn't)`,
				`(?:it|skill)\s+(?:missed|forgot|should\s+also)`,
				`add\s+(?:this\s+)?to\s+(?:the\s+)?skill`,
				`update\s+(?:the\s+)?skill`,
				`skill\s+(?:is\s+)?(?:wrong|outdated|incomplete)`,
			},
			ReferencePatterns: []string{
				`(?:the\s+)?([\w-]+)\s+skill`,
				`in\s+(?:the\s+)?skill\s+([\w-]+)`,
				`skill\s+(?:for\s+)?([\w-]+)`,
			},
			VersionPatterns: []VersionPattern{
				{Pattern: `(?:requires|needs|minimum)\s+(?:version\s+)?(\d+\.[\d.]+)`, IssueType: "version_requirement"},
				{Pattern: `(?:deprecated|obsolete|outdated)`, IssueType: "deprecation"},
				{Pattern: `upgrade\s+(?:to\s+)?(?:version\s+)?(\d+\.[\d.]+)`, IssueType: "upgrade_suggested"},
				{Pattern: `(?:npm|yarn|pnpm)\s+(?:WARN|warn).*(?:deprecated|outdated)`, IssueType: "npm_deprecated"},
				{Pattern: `pip.*(?:WARNING|warning).*(?:deprecated|outdated)`, IssueType: "pip_deprecated"},
				{Pattern: `(?:go|golang).*(?:deprecated|outdated)`, IssueType: "go_deprecated"},
				{Pattern: `(?:ENOENT|command not found).*?(\w+)`, IssueType: "missing_tool"},
				{Pattern: `version\s+(\d+\.[\d.]+).*(?:is\s+)?(?:old|outdated|unsupported)`, IssueType: "old_version"},
			},
			ToolChecks: []ToolCheck{
				{Tool: "node", Command: "node --version", VersionPattern: `v(\d+)\.`, MinVersion: 18},
				{Tool: "npm", Command: "npm --version", VersionPattern: `(\d+)\.`, MinVersion: 9},
				{Tool: "python", Command: "python3 --version", VersionPattern: `Python\s+(\d+\.\d+)`, MinVersion: 3.10},
				{Tool: "go", Command: "go version", VersionPattern: `go(\d+\.\d+)`, MinVersion: 1.21},
				{Tool: "docker", Command: "docker --version", VersionPattern: `Docker version (\d+\.\d+)`, MinVersion: 24},
				{Tool: "gh", Command: "gh --version", VersionPattern: `gh version (\d+\.\d+)`, MinVersion: 2.40},
			},
			ProbeTimeout:         5 * time.Second,
			SupplementConfidence: 0.70,
			OutdatedConfidence:   0.80,
			MissingConfidence:    0.60,
		},
		Transcript: TranscriptConfig{
			MaxAge: 24 * time.Hour,
			ConcerningCommands: []string{
				"gh pr", "gh issue", "gh run",
				"git push", "git pull", "git rebase", "git merge", "git cherry-pick",
				"npm install", "npm publish", "yarn install", "pnpm install",
				"docker build", "docker push",
				"go build", "go mod", "cargo build", "cargo publish",
				"make build", "make deploy",
				"terraform apply", "terraform plan",
				"kubectl apply", "kubectl delete",
			},
			BenignCommands: []string{
				"git status", "git diff", "git log", "git show", "git branch",
				"git fetch", "git add", "git rm", "git stash",
				"ls", "cat", "head", "tail", "grep", "find", "pwd", "echo",
				"sleep", "wait", "true", "false",
				"npm run", "npm test", "yarn test", "pnpm test",
				"go test", "pytest", "jest", "make test",
				"docker ps", "docker logs", "docker exec",
				"kubectl get", "kubectl describe", "kubectl logs",
			},
			RepeatThreshold:  3,
			OverlapThreshold: 0.5,
			RepeatConfidence: 0.80,
		},
	}
}

// Load reads config.yaml from the default location, merging over defaults.
// A missing file returns the defaults; a malformed file is an error.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads a config file from path, merging over defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, for bootstrap.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Get returns the global configuration, loading it once.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})
	return globalConfig
}
