// Package aggregate turns unprocessed signal events into deduplicated,
// quality-filtered learning candidates.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
	"github.com/thebtf/coach/internal/pending"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/models"
)

const (
	vagueTrigger = "when performing this action"
	vagueAction  = "follow the correct procedure"

	refinedFailureConfidence    = 0.90
	refinedCorrectionConfidence = 0.85
)

// Aggregator processes queued events into candidates, persists them to the
// pending document and the cross-repo ledger, and marks events consumed.
type Aggregator struct {
	cfg     *config.Config
	engine  *fingerprint.Engine
	events  *sqlite.EventStore
	ledger  *sqlite.LedgerStore
	pending *pending.Store
	repoID  string
	refiner Refiner
}

// New creates an aggregator. ledger and refiner may be nil; a nil ledger
// skips cross-repo tracking, a nil refiner uses pattern extraction only.
func New(cfg *config.Config, engine *fingerprint.Engine, events *sqlite.EventStore,
	ledger *sqlite.LedgerStore, pendingStore *pending.Store, repoID string, refiner Refiner) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		engine:  engine,
		events:  events,
		ledger:  ledger,
		pending: pendingStore,
		repoID:  repoID,
		refiner: refiner,
	}
}

// Run processes all unprocessed events into candidates. Events are marked
// processed even when extraction yields nothing, so a noisy session cannot
// wedge the queue. Returns the candidates that survived dedup and the
// quality gate.
func (a *Aggregator) Run(ctx context.Context) ([]*models.Candidate, error) {
	events, err := a.events.Unprocessed(ctx)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	groups := groupBySignal(events)
	var candidates []*models.Candidate
	var processedIDs []string

	// Highest-weight signals first.
	if g := groups[models.SignalCommandFailure]; len(g) > 0 {
		candidates = append(candidates, a.extractFromFailures(ctx, g)...)
		processedIDs = append(processedIDs, eventIDs(g)...)
	}
	if g := groups[models.SignalUserCorrection]; len(g) > 0 {
		if c := a.extractFromCorrections(ctx, g); c != nil {
			candidates = append(candidates, c)
		}
		processedIDs = append(processedIDs, eventIDs(g)...)
	}
	if g := groups[models.SignalSkillSupplement]; len(g) > 0 {
		candidates = append(candidates, a.extractFromSkillSupplements(g)...)
		processedIDs = append(processedIDs, eventIDs(g)...)
	}
	if g := groups[models.SignalVersionIssue]; len(g) > 0 {
		candidates = append(candidates, a.extractFromVersionIssues(g)...)
		processedIDs = append(processedIDs, eventIDs(g)...)
	}
	if g := groups[models.SignalRepetition]; len(g) > 0 {
		if c := a.extractFromRepetitions(g); c != nil {
			candidates = append(candidates, c)
		}
		processedIDs = append(processedIDs, eventIDs(g)...)
	}

	// Tone escalation and verification questions are context signals; they
	// sharpen other extractions but produce no candidate of their own.
	if g := groups[models.SignalToneEscalation]; len(g) > 0 {
		processedIDs = append(processedIDs, eventIDs(g)...)
	}
	if g := groups[models.SignalVerificationQuestion]; len(g) > 0 {
		processedIDs = append(processedIDs, eventIDs(g)...)
	}

	if err := a.events.MarkProcessed(ctx, processedIDs); err != nil {
		return nil, err
	}

	candidates = a.Deduplicate(candidates)
	candidates = a.FilterQuality(candidates)

	if len(candidates) > 0 {
		if err := a.Save(ctx, candidates); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Int("events", len(events)).
		Int("candidates", len(candidates)).
		Msg("aggregation complete")

	return candidates, nil
}

// Save appends candidates to the pending document and records them in the
// ledger with the current repository.
func (a *Aggregator) Save(ctx context.Context, candidates []*models.Candidate) error {
	if _, err := a.pending.Append(candidates); err != nil {
		return err
	}
	if a.ledger == nil {
		return nil
	}
	for _, c := range candidates {
		if c.Fingerprint == "" {
			continue
		}
		normalized := c.Trigger + " " + c.Action
		if _, err := a.ledger.Upsert(ctx, c, normalized, a.repoID); err != nil {
			return fmt.Errorf("ledger upsert: %w", err)
		}
	}
	return nil
}

// Deduplicate drops candidates whose fingerprint was already seen, keeping
// the first occurrence.
func (a *Aggregator) Deduplicate(candidates []*models.Candidate) []*models.Candidate {
	seen := make(map[string]bool, len(candidates))
	var unique []*models.Candidate
	for _, c := range candidates {
		if c.Fingerprint == "" || seen[c.Fingerprint] {
			continue
		}
		seen[c.Fingerprint] = true
		unique = append(unique, c)
	}
	return unique
}

// FilterQuality drops candidates too vague or too short to be actionable.
func (a *Aggregator) FilterQuality(candidates []*models.Candidate) []*models.Candidate {
	var out []*models.Candidate
	for _, c := range candidates {
		if a.isQuality(c) {
			out = append(out, c)
		}
	}
	return out
}

func (a *Aggregator) isQuality(c *models.Candidate) bool {
	q := a.cfg.Quality
	for _, vague := range q.VagueTriggers {
		if c.Trigger == vague {
			return false
		}
	}
	for _, vague := range q.VagueActions {
		if c.Action == vague {
			return false
		}
	}
	return len(c.Trigger) >= q.MinTriggerLen && len(c.Action) >= q.MinActionLen
}

// extractFromFailures groups failures by base command and produces one rule
// candidate per group from its most recent failure.
func (a *Aggregator) extractFromFailures(ctx context.Context, events []*models.Event) []*models.Candidate {
	groups := make(map[string][]*models.Event)
	var order []string
	for _, ev := range events {
		p, err := ev.Payload()
		if err != nil {
			continue
		}
		fp := p.(models.CommandFailurePayload)
		base := models.BaseCommand(fp.Command)
		if _, ok := groups[base]; !ok {
			order = append(order, base)
		}
		groups[base] = append(groups[base], ev)
	}

	var candidates []*models.Candidate
	for _, base := range order {
		cmdEvents := groups[base]
		last := cmdEvents[len(cmdEvents)-1]
		p, err := last.Payload()
		if err != nil {
			continue
		}
		fp := p.(models.CommandFailurePayload)
		snap, _ := last.Context()

		if a.refiner != nil {
			refined, err := a.refiner.RefineFailure(ctx, fp.Command, fp.StderrPreview, fp.ExitCode, snap)
			if err != nil {
				log.Warn().Err(err).Str("command", base).Msg("refiner failed, using pattern extraction")
			} else if refined != nil {
				refined.Confidence = refinedFailureConfidence
				refined.Fingerprint = a.engine.FingerprintCandidate(refined)
				candidates = append(candidates, refined)
				continue
			}
		}

		trigger, action, typ := failurePattern(fp.Command, fp.StderrPreview, len(cmdEvents))

		cand := models.NewCandidate(typ, generateTitle(action), trigger, action,
			saturate(0.7, 0.05, len(cmdEvents), 0.95))
		for _, ev := range head(cmdEvents, 3) {
			ep, err := ev.Payload()
			if err != nil {
				continue
			}
			cand.AddEvidence(models.Evidence{
				EventID: ev.ID,
				Command: truncate(ep.(models.CommandFailurePayload).Command, 100),
			})
		}
		cand.Fingerprint = a.engine.FingerprintCandidate(cand)
		candidates = append(candidates, cand)
	}
	return candidates
}

// failurePattern maps a failure to a specific trigger/action pair, falling
// through from curated tool knowledge to generic shapes.
func failurePattern(command, stderr string, failureCount int) (trigger, action string, typ models.CandidateType) {
	stderrLower := strings.ToLower(stderr)
	base := models.BaseCommand(command)
	if base == "" {
		base = "command"
	}

	if strings.Contains(command, "gh pr merge") {
		if strings.Contains(stderrLower, "merge queue") {
			return "when using gh pr merge on a repo with merge queue enabled",
				"use 'gh pr merge --auto' instead of --squash/--delete-branch flags, or use GraphQL enqueuePullRequest mutation",
				models.CandidateRule
		}
		if strings.Contains(stderrLower, "not allowed") || strings.Contains(stderrLower, "merge strategy") {
			return "when gh pr merge fails with merge strategy error",
				"check repo settings for allowed merge methods, use --auto flag for auto-merge",
				models.CandidateRule
		}
	}

	if strings.Contains(command, "git push") {
		if strings.Contains(stderrLower, "protected branch") || strings.Contains(stderrLower, "not fast-forward") {
			return "when git push fails on protected branch",
				"create a PR instead of direct push, or use --force-with-lease if intentional",
				models.CandidateRule
		}
	}

	if strings.Contains(command, "git rebase") {
		if strings.Contains(stderrLower, "conflict") {
			return "when git rebase encounters conflicts",
				"resolve conflicts file by file, use git rebase --continue, or abort with --abort",
				models.CandidateRule
		}
	}

	if strings.Contains(stderrLower, "command not found") {
		tool := "tool"
		if fields := strings.Fields(command); len(fields) > 0 {
			tool = fields[0]
		}
		return fmt.Sprintf("when %s is not installed or not in PATH", tool),
			fmt.Sprintf("verify with 'command -v %s' before use, install if missing", tool),
			models.CandidateRule
	}

	if strings.Contains(stderrLower, "permission denied") {
		return fmt.Sprintf("when %s fails with permission denied", base),
			"check file/directory permissions, consider using sudo if appropriate",
			models.CandidateRule
	}

	if containsAny(stderrLower, "401", "403", "unauthorized", "forbidden") {
		return fmt.Sprintf("when %s fails with authentication error", base),
			"verify credentials/tokens are valid and have required permissions",
			models.CandidateRule
	}

	if containsAny(stderrLower, "rate limit", "429") {
		return fmt.Sprintf("when %s fails with rate limit error", base),
			"implement backoff/retry logic, or wait before retrying",
			models.CandidateRule
	}

	if failureCount >= 2 {
		return fmt.Sprintf("when %s fails repeatedly (%dx)", base, failureCount),
			"investigate root cause before retrying; check prerequisites and error messages",
			models.CandidateRule
	}

	return fmt.Sprintf("when %s fails", base),
		"check error message and handle appropriately",
		models.CandidateSnippet
}

// extractFromCorrections produces a single rule candidate from the most
// recent correction, or nil when extraction stays too vague to keep.
func (a *Aggregator) extractFromCorrections(ctx context.Context, events []*models.Event) *models.Candidate {
	if len(events) == 0 {
		return nil
	}

	last := events[len(events)-1]
	p, err := last.Payload()
	if err != nil {
		return nil
	}
	message := p.(models.CorrectionPayload).Message
	snap, _ := last.Context()

	if a.refiner != nil {
		refined, err := a.refiner.RefineCorrection(ctx, message, snap)
		if err != nil {
			log.Warn().Err(err).Msg("refiner failed, using pattern extraction")
		} else if refined != nil {
			refined.Confidence = refinedCorrectionConfidence
			refined.Fingerprint = a.engine.FingerprintCandidate(refined)
			return refined
		}
	}

	trigger := inferTrigger(message, snap)
	action := inferAction(message)
	if trigger == vagueTrigger && action == vagueAction {
		return nil
	}

	cand := models.NewCandidate(models.CandidateRule, generateTitle(action), trigger, action,
		saturate(0.5, 0.1, len(events), 0.95))
	for _, ev := range head(events, 5) {
		ep, err := ev.Payload()
		if err != nil {
			continue
		}
		cand.AddEvidence(models.Evidence{
			EventID: ev.ID,
			Quote:   truncate(ep.(models.CorrectionPayload).Message, 100),
		})
	}
	cand.Fingerprint = a.engine.FingerprintCandidate(cand)
	return cand
}

// inferTrigger derives a trigger condition from the correction text and the
// activity that preceded it.
func inferTrigger(message string, snap *models.ContextSnapshot) string {
	lower := strings.ToLower(message)

	if snap != nil && len(snap.ToolCalls) > 0 {
		if strings.Contains(lower, "resolve") && strings.Contains(lower, "review") {
			return "when PR review comments are addressed"
		}
		if strings.Contains(lower, "merge") {
			return "when attempting to merge PRs"
		}
		if strings.Contains(lower, "push") {
			return "when pushing changes to remote"
		}
	}

	if strings.Contains(lower, "edit") && strings.Contains(lower, "generated") {
		return "when editing generated files"
	}

	if strings.Contains(lower, "don't") || strings.Contains(lower, "stop") {
		sep := "don't"
		if !strings.Contains(lower, "don't") {
			sep = "stop"
		}
		parts := strings.SplitN(lower, sep, 2)
		if len(parts) > 1 {
			return "when attempting to " + truncate(strings.TrimSpace(parts[1]), 50)
		}
	}

	if strings.Contains(lower, "literally") {
		return "when task completion is claimed but not actually done"
	}

	return vagueTrigger
}

// inferAction derives the corrective action from explicit instruction
// phrasing in the message.
func inferAction(message string) string {
	lower := strings.ToLower(message)

	for _, marker := range []string{"instead", "should", "need to"} {
		if strings.Contains(lower, marker) {
			parts := strings.SplitN(lower, marker, 2)
			if len(parts) > 1 {
				if action := truncate(strings.TrimSpace(parts[1]), 100); action != "" {
					return action
				}
			}
		}
	}

	if strings.Contains(lower, "literally") {
		parts := strings.SplitN(lower, "literally", 2)
		if len(parts) > 1 {
			if action := truncate(strings.TrimSpace(parts[1]), 100); action != "" {
				return "LITERALLY " + action
			}
		}
	}

	return vagueAction
}

// extractFromRepetitions produces a checklist candidate from the repeated
// instruction, using the longest observed phrasing.
func (a *Aggregator) extractFromRepetitions(events []*models.Event) *models.Candidate {
	if len(events) == 0 {
		return nil
	}

	first := events[0]
	p, err := first.Payload()
	if err != nil {
		return nil
	}
	rep := p.(models.RepetitionPayload)
	if len(rep.SimilarMessages) == 0 {
		return nil
	}

	instruction := coreInstruction(append(append([]string{}, rep.SimilarMessages...), rep.Message))
	if len(instruction) < 10 {
		return nil
	}

	cand := models.NewCandidate(models.CandidateChecklist,
		"Remember: "+truncate(instruction, 50),
		"before completing tasks",
		instruction,
		saturate(0.5, 0.15, len(rep.SimilarMessages), 0.9))
	cand.AddEvidence(models.Evidence{EventID: first.ID, Count: len(rep.SimilarMessages)})
	cand.Fingerprint = a.engine.FingerprintCandidate(cand)
	return cand
}

// extractFromSkillSupplements turns each supplement into a skill-update
// candidate preserving the user's added instruction.
func (a *Aggregator) extractFromSkillSupplements(events []*models.Event) []*models.Candidate {
	var candidates []*models.Candidate
	for _, ev := range events {
		p, err := ev.Payload()
		if err != nil {
			continue
		}
		sup := p.(models.SkillSupplementPayload)

		skill := sup.SkillName
		if skill == "" {
			skill = "this"
		}
		cand := models.NewCandidate(models.CandidateSkill,
			"Update "+skill+" skill instructions",
			fmt.Sprintf("when using the %s skill", skill),
			truncate(sup.Instruction, 200),
			a.cfg.Skills.SupplementConfidence)
		cand.AddEvidence(models.Evidence{EventID: ev.ID, Quote: truncate(sup.Instruction, 100)})
		cand.Fingerprint = a.engine.FingerprintCandidate(cand)
		candidates = append(candidates, cand)
	}
	return candidates
}

// extractFromVersionIssues turns tooling version problems into snippet
// candidates suggesting an install or upgrade.
func (a *Aggregator) extractFromVersionIssues(events []*models.Event) []*models.Candidate {
	var candidates []*models.Candidate
	for _, ev := range events {
		p, err := ev.Payload()
		if err != nil {
			continue
		}
		vi := p.(models.VersionIssuePayload)
		base := models.BaseCommand(vi.Command)
		if base == "" {
			base = "the command"
		}

		var cand *models.Candidate
		if vi.IssueType == "missing_tool" {
			cand = models.NewCandidate(models.CandidateSnippet,
				"Install missing tool for "+base,
				fmt.Sprintf("when %s fails with a missing tool", base),
				"install the required tool before running: "+truncate(vi.Match, 100),
				a.cfg.Skills.MissingConfidence)
		} else {
			cand = models.NewCandidate(models.CandidateSnippet,
				"Upgrade outdated tooling for "+base,
				fmt.Sprintf("when %s reports outdated tooling", base),
				"upgrade the tool to a supported version: "+truncate(vi.Match, 100),
				a.cfg.Skills.OutdatedConfidence)
		}
		cand.AddEvidence(models.Evidence{EventID: ev.ID, Command: truncate(vi.Command, 100), Quote: truncate(vi.Match, 100)})
		cand.Fingerprint = a.engine.FingerprintCandidate(cand)
		candidates = append(candidates, cand)
	}
	return candidates
}

// coreInstruction picks the longest sufficiently long message, assuming it
// carries the most context.
func coreInstruction(messages []string) string {
	best := ""
	for _, m := range messages {
		if len(m) > 10 && len(m) > len(best) {
			best = m
		}
	}
	if best == "" && len(messages) > 0 {
		best = messages[0]
	}
	return truncate(best, 150)
}

// generateTitle builds a concise title from the leading action words.
func generateTitle(action string) string {
	fields := strings.Fields(action)
	if len(fields) > 6 {
		fields = fields[:6]
	}
	var words []string
	for _, w := range fields {
		if len(w) > 2 {
			words = append(words, w)
		}
	}
	title := capitalize(strings.Join(words, " "))
	if len(title) <= 5 {
		return "Handle this case correctly"
	}
	return title
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func groupBySignal(events []*models.Event) map[models.SignalType][]*models.Event {
	groups := make(map[models.SignalType][]*models.Event)
	for _, ev := range events {
		groups[ev.SignalType] = append(groups[ev.SignalType], ev)
	}
	return groups
}

func eventIDs(events []*models.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

func head(events []*models.Event, n int) []*models.Event {
	if len(events) < n {
		return events
	}
	return events[:n]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func saturate(base, per float64, n int, max float64) float64 {
	v := base + per*float64(n)
	if v > max {
		return max
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
