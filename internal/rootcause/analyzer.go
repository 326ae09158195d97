// Package rootcause analyzes command retry sequences to identify what
// actually fixed a failing command, turning resolved failures into
// actionable learning candidates instead of raw failure counts.
package rootcause

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/models"
)

// ChangeType classifies what differed between two command attempts.
type ChangeType string

const (
	ChangeFlag       ChangeType = "flag_change"
	ChangeSubcommand ChangeType = "subcommand_change"
	ChangeArgument   ChangeType = "argument_change"
	ChangeUnknown    ChangeType = "unknown_change"
)

// Diff describes the difference between two command strings. Only the
// fields relevant to Type are populated.
type Diff struct {
	Type         ChangeType `json:"type"`
	AddedFlags   []string   `json:"added,omitempty"`
	RemovedFlags []string   `json:"removed,omitempty"`
	From         string     `json:"from,omitempty"`
	To           string     `json:"to,omitempty"`
}

// Resolution describes how an eventually-successful sequence was fixed.
type Resolution struct {
	Type           string `json:"type"`
	Diff           *Diff  `json:"diff,omitempty"`
	WorkingCommand string `json:"working_command,omitempty"`
}

// Cause describes why a still-failing sequence keeps failing.
type Cause struct {
	Type         string `json:"type"`
	Pattern      string `json:"pattern,omitempty"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
	Evidence     string `json:"evidence,omitempty"`
}

// Insight is an actionable finding derived from one sequence.
type Insight struct {
	Title        string
	Trigger      string
	Action       string
	Confidence   float64
	EvidenceType string
	BaseCommand  string
	Attempts     int
	Resolved     bool
}

// Issue pairs an error substring with its known fix.
type Issue struct {
	Pattern string
	Fix     string
}

// Knowledge is curated experience for one base command.
type Knowledge struct {
	Command      string
	Flags        []string
	CommonIssues []Issue
}

// DefaultKnowledge returns the curated command knowledge table, checked in
// order.
func DefaultKnowledge() []Knowledge {
	return []Knowledge{
		{
			Command: "gh pr",
			Flags:   []string{"--squash", "--merge", "--rebase", "--auto", "--delete-branch"},
			CommonIssues: []Issue{
				{Pattern: "merge queue", Fix: "Use --auto flag or GraphQL enqueuePullRequest mutation"},
				{Pattern: "not allowed", Fix: "Check repo settings for allowed merge methods"},
				{Pattern: "required status", Fix: "Wait for CI checks to pass first"},
			},
		},
		{
			Command: "gh api",
			CommonIssues: []Issue{
				{Pattern: "404", Fix: "Check endpoint path and resource existence"},
				{Pattern: "422", Fix: "Validate request body JSON structure"},
				{Pattern: "graphql", Fix: "Use proper GraphQL query format with variables"},
			},
		},
		{
			Command: "git push",
			Flags:   []string{"--force", "--force-with-lease", "-u", "--set-upstream"},
			CommonIssues: []Issue{
				{Pattern: "protected", Fix: "Create PR instead of direct push"},
				{Pattern: "non-fast-forward", Fix: "Pull/rebase first or use --force-with-lease"},
			},
		},
		{
			Command: "composer",
			Flags:   []string{"--ignore-platform-req", "--no-scripts", "-W"},
			CommonIssues: []Issue{
				{Pattern: "ext-", Fix: "Install PHP extension or use --ignore-platform-req=ext-*"},
				{Pattern: "platform", Fix: "Check PHP version or configure platform in composer.json"},
				{Pattern: "conflict", Fix: "Use -W flag for root package updates"},
			},
		},
		{
			Command: "npm",
			Flags:   []string{"--legacy-peer-deps", "--force", "--save-exact"},
			CommonIssues: []Issue{
				{Pattern: "peer dep", Fix: "Use --legacy-peer-deps flag"},
				{Pattern: "ERESOLVE", Fix: "Check version conflicts or use --force"},
			},
		},
	}
}

// errorCategory pairs a cause label with its stderr indicators. Checked in
// order, first hit wins.
type errorCategory struct {
	name     string
	patterns []string
}

var errorCategories = []errorCategory{
	{"authentication", []string{"401", "403", "unauthorized", "forbidden", "token", "credential"}},
	{"not_found", []string{"404", "not found", "does not exist", "no such"}},
	{"permission", []string{"permission denied", "access denied", "EPERM"}},
	{"syntax", []string{"syntax error", "unexpected", "invalid", "malformed"}},
	{"dependency", []string{"not found", "missing", "required", "dependency"}},
}

var verbatimErrorRe = regexp.MustCompile(`(?i)error[:\s]+(.{10,60})`)

// Analyzer groups command executions by base command and derives insights.
type Analyzer struct {
	cfg       *config.RootCauseConfig
	knowledge []Knowledge

	sequences map[string]*models.CommandSequence
	order     []string
}

// New returns an analyzer with the curated knowledge table.
func New(cfg *config.RootCauseConfig) *Analyzer {
	return &Analyzer{
		cfg:       cfg,
		knowledge: DefaultKnowledge(),
		sequences: make(map[string]*models.CommandSequence),
	}
}

// AddCommand records one command execution.
func (a *Analyzer) AddCommand(command string, exitCode int, stderr string, at time.Time) {
	v := models.CommandVariation{
		Command:   command,
		ExitCode:  exitCode,
		Stderr:    stderr,
		Timestamp: at,
	}

	base := v.BaseCommand()
	seq, ok := a.sequences[base]
	if !ok {
		seq = &models.CommandSequence{BaseCommand: base}
		a.sequences[base] = seq
		a.order = append(a.order, base)
	}
	seq.Append(v)
}

// LoadFromSnapshot ingests tool calls from a context snapshot.
func (a *Analyzer) LoadFromSnapshot(snap *models.ContextSnapshot) {
	if snap == nil {
		return
	}
	for _, tc := range snap.ToolCalls {
		a.AddCommand(tc.Command, tc.ExitCode, tc.Stderr, tc.Timestamp)
	}
}

// LoadFromEvents ingests COMMAND_FAILURE events.
func (a *Analyzer) LoadFromEvents(events []*models.Event) {
	for _, ev := range events {
		if ev.SignalType != models.SignalCommandFailure {
			continue
		}
		p, err := ev.Payload()
		if err != nil {
			continue
		}
		fail, ok := p.(models.CommandFailurePayload)
		if !ok {
			continue
		}
		a.AddCommand(fail.Command, fail.ExitCode, fail.StderrPreview, ev.Timestamp)
	}
}

// AnalyzeAll derives insights for every sequence with at least two
// attempts, in insertion order.
func (a *Analyzer) AnalyzeAll() []Insight {
	var insights []Insight
	for _, base := range a.order {
		seq := a.sequences[base]
		if len(seq.Variations) < 2 {
			continue
		}
		if ins := a.analyzeSequence(seq); ins != nil {
			insights = append(insights, *ins)
		}
	}
	return insights
}

// GenerateCandidates turns insights into pending rule candidates.
func (a *Analyzer) GenerateCandidates(engine *fingerprint.Engine) []*models.Candidate {
	var out []*models.Candidate
	for _, ins := range a.AnalyzeAll() {
		if ins.Title == "" || ins.Action == "" {
			continue
		}
		c := models.NewCandidate(models.CandidateRule, ins.Title, ins.Trigger, ins.Action, ins.Confidence)
		c.AddEvidence(models.Evidence{
			Source:  "root_cause_analysis",
			Quote:   ins.EvidenceType,
			Command: ins.BaseCommand,
			Count:   ins.Attempts,
		})
		c.Fingerprint = engine.FingerprintCandidate(c)
		out = append(out, c)
	}
	return out
}

func (a *Analyzer) analyzeSequence(seq *models.CommandSequence) *Insight {
	var ins *Insight
	if seq.EventuallySucceeded() {
		ins = a.resolvedInsight(seq, a.extractResolution(seq))
	} else {
		ins = a.failureInsight(seq, a.identifyRootCause(seq))
	}
	if ins != nil {
		ins.BaseCommand = seq.BaseCommand
		ins.Attempts = len(seq.Variations)
		ins.Resolved = seq.EventuallySucceeded()
	}
	return ins
}

// DiffCommands identifies what changed between two command strings, with
// priority flag > subcommand > argument > unknown. Identical commands
// return nil.
func DiffCommands(cmd1, cmd2 string) *Diff {
	parts1 := strings.Fields(cmd1)
	parts2 := strings.Fields(cmd2)
	if equalSlices(parts1, parts2) {
		return nil
	}

	flags1 := flagSet(parts1)
	flags2 := flagSet(parts2)
	added := subtract(parts2, flags1, true)
	removed := subtract(parts1, flags2, true)
	if len(added) > 0 || len(removed) > 0 {
		return &Diff{Type: ChangeFlag, AddedFlags: added, RemovedFlags: removed}
	}

	if len(parts1) >= 2 && len(parts2) >= 2 && parts1[0] == parts2[0] && parts1[1] != parts2[1] {
		return &Diff{Type: ChangeSubcommand, From: parts1[1], To: parts2[1]}
	}

	args1 := nonFlags(parts1)
	args2 := nonFlags(parts2)
	if !equalSlices(args1, args2) {
		return &Diff{
			Type: ChangeArgument,
			From: strings.Join(args1, " "),
			To:   strings.Join(args2, " "),
		}
	}

	return &Diff{Type: ChangeUnknown, From: cmd1, To: cmd2}
}

func (a *Analyzer) extractResolution(seq *models.CommandSequence) *Resolution {
	success := seq.FirstSuccess()
	lastFailure := seq.LastFailureBeforeSuccess()
	if success == nil || lastFailure == nil {
		return &Resolution{Type: "unknown"}
	}

	diff := DiffCommands(lastFailure.Command, success.Command)
	if diff == nil {
		return &Resolution{Type: "retry_succeeded"}
	}
	return &Resolution{
		Type:           "fixed_by_" + string(diff.Type),
		Diff:           diff,
		WorkingCommand: success.Command,
	}
}

func (a *Analyzer) identifyRootCause(seq *models.CommandSequence) *Cause {
	var errors []string
	for _, v := range seq.Failures() {
		if v.Stderr != "" {
			errors = append(errors, v.Stderr)
		}
	}

	for _, k := range a.knowledge {
		if !strings.Contains(seq.BaseCommand, k.Command) {
			continue
		}
		for _, issue := range k.CommonIssues {
			for _, err := range errors {
				if strings.Contains(strings.ToLower(err), strings.ToLower(issue.Pattern)) {
					return &Cause{Type: "known_issue", Pattern: issue.Pattern, SuggestedFix: issue.Fix}
				}
			}
		}
	}

	for _, cat := range errorCategories {
		for _, err := range errors {
			lower := strings.ToLower(err)
			for _, p := range cat.patterns {
				if strings.Contains(lower, strings.ToLower(p)) {
					return &Cause{Type: cat.name, Evidence: truncate(err, 200)}
				}
			}
		}
	}

	evidence := "No error message captured"
	if len(errors) > 0 {
		evidence = truncate(errors[0], 200)
	}
	return &Cause{Type: "unknown", Evidence: evidence}
}

func (a *Analyzer) resolvedInsight(seq *models.CommandSequence, res *Resolution) *Insight {
	base := seq.BaseCommand

	switch {
	case res.Type == "fixed_by_flag_change" && res.Diff != nil && len(res.Diff.AddedFlags) > 0:
		flags := strings.Join(res.Diff.AddedFlags, ", ")
		return &Insight{
			Title:        fmt.Sprintf("Use %s flags with %s", flags, base),
			Trigger:      fmt.Sprintf("when running %s", base),
			Action:       fmt.Sprintf("include flags %s to avoid failures", flags),
			Confidence:   a.cfg.FlagAddConfidence,
			EvidenceType: "resolved_failure",
		}

	case res.Type == "fixed_by_subcommand_change" && res.Diff != nil:
		return &Insight{
			Title:        fmt.Sprintf("Use '%s' instead of '%s'", res.Diff.To, res.Diff.From),
			Trigger:      fmt.Sprintf("when running %s", base),
			Action:       fmt.Sprintf("use subcommand '%s' instead of '%s'", res.Diff.To, res.Diff.From),
			Confidence:   a.cfg.SubcommandConfidence,
			EvidenceType: "resolved_failure",
		}

	case res.Type == "retry_succeeded":
		return &Insight{
			Title:        fmt.Sprintf("Retry %s on transient failure", base),
			Trigger:      fmt.Sprintf("when %s fails with transient error", base),
			Action:       "implement retry logic - this command can fail transiently",
			Confidence:   a.cfg.RetryConfidence,
			EvidenceType: "transient_failure",
		}
	}

	if res.WorkingCommand != "" {
		return &Insight{
			Title:        fmt.Sprintf("Correct syntax for %s", base),
			Trigger:      fmt.Sprintf("when running %s", base),
			Action:       fmt.Sprintf("use: %s", truncate(res.WorkingCommand, 100)),
			Confidence:   a.cfg.WorkingConfidence,
			EvidenceType: "working_example",
		}
	}
	return nil
}

func (a *Analyzer) failureInsight(seq *models.CommandSequence, cause *Cause) *Insight {
	base := seq.BaseCommand

	switch cause.Type {
	case "known_issue":
		return &Insight{
			Title:        fmt.Sprintf("Fix %s issue with %s", cause.Pattern, base),
			Trigger:      fmt.Sprintf("when %s fails with %s", base, cause.Pattern),
			Action:       cause.SuggestedFix,
			Confidence:   a.cfg.KnownIssueConfidence,
			EvidenceType: "known_pattern",
		}

	case "authentication":
		return &Insight{
			Title:        fmt.Sprintf("Check credentials before %s", base),
			Trigger:      fmt.Sprintf("before running %s", base),
			Action:       "verify authentication tokens/credentials are valid and have required permissions",
			Confidence:   a.cfg.AuthConfidence,
			EvidenceType: "error_pattern",
		}

	case "permission":
		return &Insight{
			Title:        fmt.Sprintf("Fix permissions for %s", base),
			Trigger:      fmt.Sprintf("when %s fails with permission error", base),
			Action:       "check file/directory permissions or use elevated privileges if appropriate",
			Confidence:   a.cfg.PermissionConfidence,
			EvidenceType: "error_pattern",
		}
	}

	if cause.Evidence != "" {
		if m := verbatimErrorRe.FindStringSubmatch(cause.Evidence); m != nil {
			return &Insight{
				Title:        fmt.Sprintf("Handle '%s...' in %s", truncate(m[1], 30), base),
				Trigger:      fmt.Sprintf("when %s shows this error", base),
				Action:       fmt.Sprintf("investigate: %s", truncate(cause.Evidence, 100)),
				Confidence:   a.cfg.VerbatimConfidence,
				EvidenceType: "error_message",
			}
		}
	}
	return nil
}

func flagSet(parts []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range parts {
		if strings.HasPrefix(p, "-") {
			out[p] = struct{}{}
		}
	}
	return out
}

// subtract returns the flags (or all tokens when flagsOnly is false) of
// parts not present in other, preserving order.
func subtract(parts []string, other map[string]struct{}, flagsOnly bool) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range parts {
		if flagsOnly && !strings.HasPrefix(p, "-") {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		if _, ok := other[p]; !ok {
			out = append(out, p)
			seen[p] = struct{}{}
		}
	}
	return out
}

func nonFlags(parts []string) []string {
	var out []string
	for _, p := range parts {
		if !strings.HasPrefix(p, "-") {
			out = append(out, p)
		}
	}
	return out
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
