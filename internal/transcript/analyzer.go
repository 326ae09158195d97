// Package transcript analyzes session transcript files at session end,
// surfacing friction the live detectors may have missed.
package transcript

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/coach/internal/aggregate"
	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/models"
)

// correctionPatterns flag user messages that push back on prior output.
var correctionPatterns = []string{
	`\bno[,!]?\s+(?:i\s+)?(?:said|meant|want)`,
	`\bstop\b.*\bdon'?t\b`,
	`\bthat'?s\s+(?:not|wrong)`,
	`\byou\s+(?:didn'?t|should(?:n'?t)?|need\s+to)`,
	`\bwhy\s+did\s+you`,
	`\bi\s+(?:already|just)\s+(?:said|told)`,
	`\bfor\s+the\s+(?:last|third|second)\s+time`,
	`\bliterally\b`,
	`\baargh\b`,
	`!{2,}`,
}

// Correction is one detected pushback message with surrounding context.
type Correction struct {
	Message       string   `json:"message"`
	Index         int      `json:"index"`
	Patterns      []string `json:"patterns_matched"`
	ContextBefore []string `json:"context_before,omitempty"`
	Intensity     int      `json:"intensity"`
}

// RepeatedFailure records one command that ran enough times to suggest a
// retry loop.
type RepeatedFailure struct {
	BaseCommand string   `json:"base_command"`
	Occurrences int      `json:"occurrences"`
	Commands    []string `json:"commands"`
	Concerning  bool     `json:"is_concerning"`
}

// ImplicitCorrection records the user doing work the assistant should have
// done: providing a solution, or rephrasing an ignored request.
type ImplicitCorrection struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	SimilarTo string `json:"similar_to,omitempty"`
	Index     int    `json:"index"`
}

// Analysis is the full result of one session-transcript pass.
type Analysis struct {
	TranscriptPath      string               `json:"transcript_path"`
	UserMessages        int                  `json:"user_messages"`
	AssistantMessages   int                  `json:"assistant_messages"`
	ToolCalls           int                  `json:"tool_calls"`
	Corrections         []Correction         `json:"corrections"`
	RepeatedFailures    []RepeatedFailure    `json:"repeated_failures"`
	ImplicitCorrections []ImplicitCorrection `json:"implicit_corrections"`
}

// HighIntensityCorrections returns corrections at or above the intensity
// threshold.
func (a *Analysis) HighIntensityCorrections(threshold int) []Correction {
	var out []Correction
	for _, c := range a.Corrections {
		if c.Intensity >= threshold {
			out = append(out, c)
		}
	}
	return out
}

// Analyzer scans session transcripts under the host projects directory.
type Analyzer struct {
	cfg         *config.TranscriptConfig
	engine      *fingerprint.Engine
	patterns    []*regexp.Regexp
	refiner     aggregate.Refiner
	ProjectsDir string
}

// New creates an analyzer. refiner may be nil.
func New(cfg *config.TranscriptConfig, engine *fingerprint.Engine, refiner aggregate.Refiner) *Analyzer {
	home, _ := os.UserHomeDir()
	a := &Analyzer{
		cfg:         cfg,
		engine:      engine,
		refiner:     refiner,
		ProjectsDir: filepath.Join(home, ".claude", "projects"),
	}
	for _, p := range correctionPatterns {
		a.patterns = append(a.patterns, regexp.MustCompile(`(?i)`+p))
	}
	return a
}

// FindRecentTranscript locates the newest main-session transcript modified
// within the configured age. Agent sub-session files are skipped. Returns
// "" when none qualifies.
func (a *Analyzer) FindRecentTranscript() string {
	entries, err := os.ReadDir(a.ProjectsDir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod time.Time
	cutoff := time.Now().Add(-a.cfg.MaxAge)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(a.ProjectsDir, entry.Name(), "*.jsonl"))
		if err != nil {
			continue
		}
		for _, f := range files {
			if strings.HasPrefix(filepath.Base(f), "agent-") {
				continue
			}
			info, err := os.Stat(f)
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				continue
			}
			if info.ModTime().After(newestMod) {
				newest = f
				newestMod = info.ModTime()
			}
		}
	}
	return newest
}

type lineEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input struct {
		Command string `json:"command"`
	} `json:"input"`
}

type toolUse struct {
	Name    string
	Command string
}

// AnalyzeSession parses a transcript and runs all detections. An empty path
// analyzes the most recent transcript.
func (a *Analyzer) AnalyzeSession(path string) (*Analysis, error) {
	if path == "" {
		path = a.FindRecentTranscript()
	}
	if path == "" {
		return nil, fmt.Errorf("no recent transcript found under %s", a.ProjectsDir)
	}

	userMsgs, assistantMsgs, toolCalls, err := a.parse(path)
	if err != nil {
		return nil, err
	}

	return &Analysis{
		TranscriptPath:      path,
		UserMessages:        len(userMsgs),
		AssistantMessages:   len(assistantMsgs),
		ToolCalls:           len(toolCalls),
		Corrections:         a.detectCorrections(userMsgs),
		RepeatedFailures:    a.detectRepeatedFailures(toolCalls),
		ImplicitCorrections: a.detectImplicitCorrections(userMsgs),
	}, nil
}

func (a *Analyzer) parse(path string) (userMsgs, assistantMsgs []string, toolCalls []toolUse, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry lineEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		switch entry.Type {
		case "user":
			var text string
			if err := json.Unmarshal(entry.Message.Content, &text); err == nil {
				userMsgs = append(userMsgs, text)
				continue
			}
			var blocks []contentBlock
			if err := json.Unmarshal(entry.Message.Content, &blocks); err == nil {
				for _, b := range blocks {
					if b.Type == "text" {
						userMsgs = append(userMsgs, b.Text)
					}
				}
			}
		case "assistant":
			var text string
			if err := json.Unmarshal(entry.Message.Content, &text); err == nil {
				assistantMsgs = append(assistantMsgs, text)
				continue
			}
			var blocks []contentBlock
			if err := json.Unmarshal(entry.Message.Content, &blocks); err == nil {
				for _, b := range blocks {
					switch b.Type {
					case "text":
						assistantMsgs = append(assistantMsgs, b.Text)
					case "tool_use":
						toolCalls = append(toolCalls, toolUse{Name: b.Name, Command: b.Input.Command})
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("read transcript: %w", err)
	}
	return userMsgs, assistantMsgs, toolCalls, nil
}

func (a *Analyzer) detectCorrections(userMsgs []string) []Correction {
	var corrections []Correction
	for i, msg := range userMsgs {
		var matched []string
		for _, re := range a.patterns {
			if re.MatchString(msg) {
				matched = append(matched, re.String())
			}
		}
		if len(matched) == 0 {
			continue
		}

		var before []string
		if i > 0 {
			start := i - 2
			if start < 0 {
				start = 0
			}
			before = userMsgs[start:i]
		}

		corrections = append(corrections, Correction{
			Message:       msg,
			Index:         i,
			Patterns:      matched,
			ContextBefore: before,
			Intensity:     len(matched) + strings.Count(msg, "!")/2,
		})
	}
	return corrections
}

func (a *Analyzer) detectRepeatedFailures(toolCalls []toolUse) []RepeatedFailure {
	counts := make(map[string][]string)
	var order []string

	for _, call := range toolCalls {
		if !strings.Contains(strings.ToLower(call.Name), "bash") {
			continue
		}
		base := models.BaseCommand(call.Command)
		if base == "" || matchesAny(base, a.cfg.BenignCommands) {
			continue
		}
		if _, ok := counts[base]; !ok {
			order = append(order, base)
		}
		counts[base] = append(counts[base], call.Command)
	}

	var repeated []RepeatedFailure
	for _, base := range order {
		commands := counts[base]
		if len(commands) < a.cfg.RepeatThreshold {
			continue
		}
		concerning := matchesAny(base, a.cfg.ConcerningCommands)
		if !concerning && len(commands) < 5 {
			continue
		}
		examples := commands
		if len(examples) > 5 {
			examples = examples[:5]
		}
		repeated = append(repeated, RepeatedFailure{
			BaseCommand: base,
			Occurrences: len(commands),
			Commands:    examples,
			Concerning:  concerning,
		})
	}

	sort.SliceStable(repeated, func(i, j int) bool {
		if repeated[i].Concerning != repeated[j].Concerning {
			return repeated[i].Concerning
		}
		return repeated[i].Occurrences > repeated[j].Occurrences
	})
	return repeated
}

func (a *Analyzer) detectImplicitCorrections(userMsgs []string) []ImplicitCorrection {
	var implicit []ImplicitCorrection

	for i, msg := range userMsgs {
		if len(msg) < 20 {
			continue
		}
		lower := strings.ToLower(msg)

		if i > 0 && containsAny(lower, "```", "like this:", "try this:", "use this:") {
			implicit = append(implicit, ImplicitCorrection{
				Message: truncate(msg, 200),
				Type:    "provided_solution",
				Index:   i,
			})
		}

		if i < 2 {
			continue
		}
		currentWords := wordSet(lower)
		if len(currentWords) <= 5 {
			continue
		}

		start := i - 3
		if start < 0 {
			start = 0
		}
		for _, prev := range userMsgs[start:i] {
			prevLower := strings.ToLower(prev)
			prevWords := wordSet(prevLower)
			if len(prevWords) <= 5 {
				continue
			}
			overlap := float64(intersectionSize(currentWords, prevWords)) /
				float64(min(len(currentWords), len(prevWords)))
			if overlap > a.cfg.OverlapThreshold {
				implicit = append(implicit, ImplicitCorrection{
					Message:   truncate(msg, 200),
					Type:      "rephrased_request",
					SimilarTo: truncate(prevLower, 100),
					Index:     i,
				})
				break
			}
		}
	}
	return implicit
}

// GenerateCandidates converts analysis findings into candidates. Repeated
// failures always produce rule candidates; high-intensity corrections only
// produce candidates when a refiner is wired, since pattern extraction has
// nothing better than the raw message to offer.
func (a *Analyzer) GenerateCandidates(ctx context.Context, analysis *Analysis) []*models.Candidate {
	var candidates []*models.Candidate

	if a.refiner != nil {
		for _, correction := range analysis.Corrections {
			if correction.Intensity < 2 {
				continue
			}
			refined, err := a.refiner.RefineCorrection(ctx, correction.Message, nil)
			if err != nil {
				log.Warn().Err(err).Msg("refiner failed for transcript correction")
				continue
			}
			if refined == nil {
				continue
			}
			refined.Confidence = 0.85
			refined.AddEvidence(models.Evidence{
				Source: "transcript_analysis",
				Quote:  truncate(correction.Message, 100),
			})
			refined.Fingerprint = a.engine.FingerprintCandidate(refined)
			candidates = append(candidates, refined)
		}
	}

	for _, failure := range analysis.RepeatedFailures {
		if failure.Occurrences < 2 {
			continue
		}
		cand := models.NewCandidate(models.CandidateRule,
			fmt.Sprintf("Investigate repeated %s failures", failure.BaseCommand),
			fmt.Sprintf("when %s fails multiple times", failure.BaseCommand),
			fmt.Sprintf("stop and investigate root cause before retrying - %dx failures detected", failure.Occurrences),
			a.cfg.RepeatConfidence)

		ev := models.Evidence{Source: "transcript_analysis", Count: failure.Occurrences}
		if len(failure.Commands) > 0 {
			ev.Command = truncate(failure.Commands[0], 100)
		}
		cand.AddEvidence(ev)
		cand.Fingerprint = a.engine.FingerprintCandidate(cand)
		candidates = append(candidates, cand)
	}

	return candidates
}

func matchesAny(base string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(base, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

func intersectionSize(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
