package signal

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/pkg/models"
)

// stderrPreviewLen bounds the stderr excerpt stored on failure payloads.
const stderrPreviewLen = 1000

var capsWordRe = regexp.MustCompile(`\b[A-Z]{3,}\b`)

type pattern struct {
	re  *regexp.Regexp
	src string
}

type versionMatcher struct {
	re        *regexp.Regexp
	issueType string
}

// Detector runs pattern-based friction detection over user messages and
// tool results. All state lives in the injected Context; the detector
// itself is reusable across invocations.
type Detector struct {
	cfg *config.Config
	ctx *Context

	correction   []pattern
	escalation   []pattern
	stderrPats   []pattern
	commandPats  []pattern
	verification []pattern
	supplement   []pattern
	reference    []*regexp.Regexp
	version      []versionMatcher

	now func() time.Time
}

// NewDetector compiles the configured pattern tables. The escalation family
// is compiled case-sensitive so caps-based patterns keep their meaning;
// every other family is case-insensitive.
func NewDetector(cfg *config.Config, ctx *Context) (*Detector, error) {
	d := &Detector{cfg: cfg, ctx: ctx, now: time.Now}

	var err error
	if d.correction, err = compileAll(cfg.Detector.CorrectionPatterns, true); err != nil {
		return nil, fmt.Errorf("correction patterns: %w", err)
	}
	if d.escalation, err = compileAll(cfg.Detector.EscalationPatterns, false); err != nil {
		return nil, fmt.Errorf("escalation patterns: %w", err)
	}
	if d.stderrPats, err = compileAll(cfg.Detector.FailureStderr, true); err != nil {
		return nil, fmt.Errorf("failure stderr patterns: %w", err)
	}
	if d.commandPats, err = compileAll(cfg.Detector.FailureCommands, true); err != nil {
		return nil, fmt.Errorf("failure command patterns: %w", err)
	}
	if d.verification, err = compileAll(cfg.Detector.VerificationPatterns, true); err != nil {
		return nil, fmt.Errorf("verification patterns: %w", err)
	}
	if d.supplement, err = compileAll(cfg.Skills.SupplementPatterns, true); err != nil {
		return nil, fmt.Errorf("skill supplement patterns: %w", err)
	}
	refs, err := compileAll(cfg.Skills.ReferencePatterns, true)
	if err != nil {
		return nil, fmt.Errorf("skill reference patterns: %w", err)
	}
	for _, p := range refs {
		d.reference = append(d.reference, p.re)
	}
	for _, vp := range cfg.Skills.VersionPatterns {
		re, cerr := regexp.Compile("(?i)" + vp.Pattern)
		if cerr != nil {
			return nil, fmt.Errorf("version pattern %q: %w", vp.Pattern, cerr)
		}
		d.version = append(d.version, versionMatcher{re: re, issueType: vp.IssueType})
	}
	return d, nil
}

func compileAll(patterns []string, insensitive bool) ([]pattern, error) {
	out := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		src := p
		if insensitive {
			src = "(?i)" + p
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, pattern{re: re, src: p})
	}
	return out, nil
}

// ProcessUserMessage records the message into rolling context and returns
// any signals it raises.
func (d *Detector) ProcessUserMessage(content string) []models.Signal {
	d.ctx.AddMessage(content, d.now())

	var signals []models.Signal
	if sig := d.detectCorrection(content); sig != nil {
		signals = append(signals, *sig)
	}
	if sig := d.detectEscalation(content); sig != nil {
		signals = append(signals, *sig)
	}
	if sig := d.detectRepetition(content); sig != nil {
		signals = append(signals, *sig)
	}
	if sig := d.detectVerification(content); sig != nil {
		signals = append(signals, *sig)
	}
	if sig := d.detectSkillSupplement(content); sig != nil {
		signals = append(signals, *sig)
	}
	return signals
}

// ProcessToolResult records the call into rolling context and returns any
// signals it raises. Successful calls with empty stderr contribute context
// only.
func (d *Detector) ProcessToolResult(command string, exitCode int, stderr string) []models.Signal {
	if exitCode == 0 && stderr == "" {
		d.ctx.AddToolCall(command, exitCode, stderr, d.now())
		return nil
	}

	var signals []models.Signal
	if sig := d.detectCommandFailure(command, exitCode, stderr); sig != nil {
		signals = append(signals, *sig)
	}
	if sig := d.detectVersionIssue(command, stderr); sig != nil {
		signals = append(signals, *sig)
	}
	return signals
}

// RecordAction tracks an assistant action for later correction attribution.
func (d *Detector) RecordAction(action string) {
	d.ctx.AddAction(action, d.now())
}

func (d *Detector) detectCorrection(content string) *models.Signal {
	matches := matchAll(d.correction, content)
	if len(matches) == 0 {
		return nil
	}

	c := d.cfg.Detector
	return &models.Signal{
		Type:       models.SignalUserCorrection,
		Confidence: saturate(c.CorrectionBase, c.CorrectionPerMatch, len(matches), c.CorrectionMax),
		Payload: models.CorrectionPayload{
			Message: truncate(content, c.ContextMaxText),
			Matches: matches,
		},
		Context: d.ctx.Snapshot(c.ContextRecent),
	}
}

func (d *Detector) detectEscalation(content string) *models.Signal {
	matches := matchAll(d.escalation, content)
	capsWords := len(capsWordRe.FindAllString(content, -1))
	bangs := strings.Count(content, "!")

	c := d.cfg.Detector
	if len(matches) == 0 && capsWords < c.EscalationMinCaps && bangs < c.EscalationMinBangs {
		return nil
	}

	conf := c.EscalationBase + float64(capsWords)*c.EscalationPerCapsWord + float64(bangs)*c.EscalationPerBang
	if conf > c.EscalationMax {
		conf = c.EscalationMax
	}
	return &models.Signal{
		Type:       models.SignalToneEscalation,
		Confidence: conf,
		Payload: models.EscalationPayload{
			Message:      truncate(content, c.ContextMaxText),
			Matches:      matches,
			CapsWords:    capsWords,
			Exclamations: bangs,
		},
		Context: d.ctx.Snapshot(c.ContextRecent),
	}
}

func (d *Detector) detectRepetition(content string) *models.Signal {
	c := d.cfg.Detector
	history := d.ctx.RecentMessages(c.RepetitionWindow)
	if len(history) == 0 {
		return nil
	}

	contentWords := wordSet(content)
	similarCount := 0
	var similar []string

	for _, prev := range history {
		prevWords := wordSet(prev.Text)
		if len(prevWords) == 0 {
			continue
		}
		if jaccard(contentWords, prevWords) > c.RepetitionSimilarity {
			similarCount++
			similar = append(similar, truncate(prev.Text, 100))
		}
	}

	if similarCount < c.RepetitionMinSimilar {
		return nil
	}
	if len(similar) > 3 {
		similar = similar[:3]
	}
	return &models.Signal{
		Type:       models.SignalRepetition,
		Confidence: saturate(c.RepetitionBase, c.RepetitionPerMatch, similarCount, c.RepetitionMax),
		Payload: models.RepetitionPayload{
			Message:         truncate(content, c.ContextMaxText),
			SimilarCount:    similarCount,
			SimilarMessages: similar,
		},
	}
}

func (d *Detector) detectVerification(content string) *models.Signal {
	matches := matchAll(d.verification, content)
	if len(matches) == 0 {
		return nil
	}

	c := d.cfg.Detector
	return &models.Signal{
		Type:       models.SignalVerificationQuestion,
		Confidence: saturate(c.VerificationBase, c.VerificationPerMatch, len(matches), c.VerificationMax),
		Payload: models.VerificationPayload{
			Question: truncate(content, c.ContextMaxText),
			Matches:  matches,
		},
		Context: d.ctx.Snapshot(c.ContextRecent),
	}
}

func (d *Detector) detectSkillSupplement(content string) *models.Signal {
	matches := matchAll(d.supplement, content)
	if len(matches) == 0 {
		return nil
	}

	c := d.cfg.Detector
	return &models.Signal{
		Type:       models.SignalSkillSupplement,
		Confidence: d.cfg.Skills.SupplementConfidence,
		Payload: models.SkillSupplementPayload{
			SkillName:   d.extractSkillReference(content),
			Instruction: truncate(content, c.ContextMaxText),
			Matches:     matches,
		},
		Context: d.ctx.Snapshot(c.ContextRecent),
	}
}

// extractSkillReference pulls a skill name out of a message, if any pattern
// captures one.
func (d *Detector) extractSkillReference(content string) string {
	for _, re := range d.reference {
		if m := re.FindStringSubmatch(content); len(m) > 1 && m[1] != "" {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

func (d *Detector) detectCommandFailure(command string, exitCode int, stderr string) *models.Signal {
	c := d.cfg.Detector

	// Count earlier failures of the same base command before recording
	// this one.
	similarFailures := 0
	base := models.BaseCommand(command)
	for _, f := range d.ctx.RecentFailures(c.FailureWindow) {
		if models.BaseCommand(f.Command) == base {
			similarFailures++
		}
	}

	matches := matchAll(d.stderrPats, stderr)
	commandMatches := matchAll(d.commandPats, command)

	if exitCode == 0 && len(matches) == 0 {
		return nil
	}

	d.ctx.AddToolCall(command, exitCode, stderr, d.now())

	return &models.Signal{
		Type:       models.SignalCommandFailure,
		Confidence: saturate(c.FailureBase, c.FailurePerSimilar, similarFailures, c.FailureMax),
		Payload: models.CommandFailurePayload{
			Command:               truncate(command, c.ContextMaxText),
			ExitCode:              exitCode,
			StderrPreview:         truncate(stderr, stderrPreviewLen),
			StderrMatches:         matches,
			CommandMatches:        commandMatches,
			SimilarRecentFailures: similarFailures,
		},
		Context: d.ctx.Snapshot(c.ContextRecent),
	}
}

func (d *Detector) detectVersionIssue(command, stderr string) *models.Signal {
	if stderr == "" {
		return nil
	}
	for _, vm := range d.version {
		m := vm.re.FindStringSubmatch(stderr)
		if m == nil {
			continue
		}

		conf := d.cfg.Skills.OutdatedConfidence
		if vm.issueType == "missing_tool" {
			conf = d.cfg.Skills.MissingConfidence
		}
		var version string
		if len(m) > 1 {
			version = m[1]
		}
		return &models.Signal{
			Type:       models.SignalVersionIssue,
			Confidence: conf,
			Payload: models.VersionIssuePayload{
				IssueType: vm.issueType,
				Command:   truncate(command, d.cfg.Detector.ContextMaxText),
				Stderr:    truncate(stderr, d.cfg.Detector.ContextMaxText),
				Match:     m[0],
				Version:   version,
			},
			Context: d.ctx.Snapshot(d.cfg.Detector.ContextRecent),
		}
	}
	return nil
}

func matchAll(patterns []pattern, text string) []string {
	var out []string
	for _, p := range patterns {
		if p.re.MatchString(text) {
			out = append(out, p.src)
		}
	}
	return out
}

func saturate(base, per float64, n int, max float64) float64 {
	v := base + per*float64(n)
	if v > max {
		return max
	}
	return v
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
