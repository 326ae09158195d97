// Package privacy redacts secrets from captured session data before it is
// persisted. Prompts and stderr routinely contain tokens and keys; events
// must never store them verbatim.
package privacy

import (
	"regexp"
	"strings"

	"github.com/thebtf/coach/pkg/models"
)

// secretPatterns detect common secret formats with minimal false positives.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"][^'"]{8,}['"]`),
	regexp.MustCompile(`(?i)(secret[_-]?key|secret[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),
	regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*['"]?[a-zA-Z0-9/+=]{40}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_-]{20,}`),
}

// ContainsSecrets reports whether the text matches any secret pattern.
func ContainsSecrets(text string) bool {
	if text == "" {
		return false
	}
	for _, pattern := range secretPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// RedactSecrets replaces detected secrets with a redaction marker,
// preserving key names so the surrounding text stays readable.
func RedactSecrets(text string) string {
	if text == "" {
		return text
	}

	result := text
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if idx := strings.Index(match, "="); idx != -1 {
				return match[:idx+1] + "[REDACTED]"
			}
			if idx := strings.Index(match, ":"); idx != -1 {
				return match[:idx+1] + "[REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}

// RedactSignal scrubs all captured text on a signal payload and its context
// snapshot before the signal is persisted.
func RedactSignal(sig *models.Signal) {
	switch p := sig.Payload.(type) {
	case models.CorrectionPayload:
		p.Message = RedactSecrets(p.Message)
		sig.Payload = p
	case models.EscalationPayload:
		p.Message = RedactSecrets(p.Message)
		sig.Payload = p
	case models.RepetitionPayload:
		p.Message = RedactSecrets(p.Message)
		for i, m := range p.SimilarMessages {
			p.SimilarMessages[i] = RedactSecrets(m)
		}
		sig.Payload = p
	case models.CommandFailurePayload:
		p.Command = RedactSecrets(p.Command)
		p.StderrPreview = RedactSecrets(p.StderrPreview)
		sig.Payload = p
	case models.SkillSupplementPayload:
		p.Instruction = RedactSecrets(p.Instruction)
		sig.Payload = p
	case models.VersionIssuePayload:
		p.Command = RedactSecrets(p.Command)
		p.Stderr = RedactSecrets(p.Stderr)
		sig.Payload = p
	case models.VerificationPayload:
		p.Question = RedactSecrets(p.Question)
		sig.Payload = p
	}

	if sig.Context != nil {
		RedactSnapshot(sig.Context)
	}
}

// RedactSnapshot scrubs a context snapshot in place.
func RedactSnapshot(snap *models.ContextSnapshot) {
	for i := range snap.ToolCalls {
		snap.ToolCalls[i].Command = RedactSecrets(snap.ToolCalls[i].Command)
		snap.ToolCalls[i].Stderr = RedactSecrets(snap.ToolCalls[i].Stderr)
	}
	for i := range snap.Messages {
		snap.Messages[i].Text = RedactSecrets(snap.Messages[i].Text)
	}
	for i := range snap.Actions {
		snap.Actions[i].Action = RedactSecrets(snap.Actions[i].Action)
	}
}
