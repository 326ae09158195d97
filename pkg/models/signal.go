// Package models contains domain models for coach.
package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// SignalType classifies a detected friction signal.
type SignalType string

const (
	// SignalCommandFailure indicates a tool/command execution failed.
	SignalCommandFailure SignalType = "COMMAND_FAILURE"
	// SignalUserCorrection indicates the user corrected the assistant.
	SignalUserCorrection SignalType = "USER_CORRECTION"
	// SignalSkillSupplement indicates the user supplemented a skill with extra instructions.
	SignalSkillSupplement SignalType = "SKILL_SUPPLEMENT"
	// SignalVerificationQuestion indicates the user asked the assistant to verify its work.
	SignalVerificationQuestion SignalType = "VERIFICATION_QUESTION"
	// SignalVersionIssue indicates outdated or missing tooling was hit.
	SignalVersionIssue SignalType = "VERSION_ISSUE"
	// SignalRepetition indicates the user repeated an earlier instruction.
	SignalRepetition SignalType = "REPETITION"
	// SignalToneEscalation indicates escalating user tone (caps, exclamations).
	SignalToneEscalation SignalType = "TONE_ESCALATION"
)

// signalWeights orders signal types by processing priority.
var signalWeights = map[SignalType]int{
	SignalCommandFailure:       100,
	SignalUserCorrection:       80,
	SignalSkillSupplement:      75,
	SignalVerificationQuestion: 72,
	SignalVersionIssue:         70,
	SignalRepetition:           60,
	SignalToneEscalation:       40,
}

// Weight returns the priority weight of the signal type. Higher weights are
// processed first when multiple signals co-occur.
func (t SignalType) Weight() int {
	return signalWeights[t]
}

// Valid reports whether the signal type is a known type.
func (t SignalType) Valid() bool {
	_, ok := signalWeights[t]
	return ok
}

// Payload is the typed content of one signal. Each signal type carries only
// its own fields; the Event envelope wraps all variants.
type Payload interface {
	SignalType() SignalType
}

// CorrectionPayload carries a USER_CORRECTION signal.
type CorrectionPayload struct {
	Message string   `json:"message"`
	Matches []string `json:"matches"`
}

// SignalType implements Payload.
func (CorrectionPayload) SignalType() SignalType { return SignalUserCorrection }

// EscalationPayload carries a TONE_ESCALATION signal.
type EscalationPayload struct {
	Message      string   `json:"message"`
	Matches      []string `json:"matches"`
	CapsWords    int      `json:"caps_words"`
	Exclamations int      `json:"exclamation_count"`
}

// SignalType implements Payload.
func (EscalationPayload) SignalType() SignalType { return SignalToneEscalation }

// RepetitionPayload carries a REPETITION signal.
type RepetitionPayload struct {
	Message         string   `json:"message"`
	SimilarCount    int      `json:"similar_count"`
	SimilarMessages []string `json:"similar_messages"`
}

// SignalType implements Payload.
func (RepetitionPayload) SignalType() SignalType { return SignalRepetition }

// CommandFailurePayload carries a COMMAND_FAILURE signal.
type CommandFailurePayload struct {
	Command               string   `json:"command"`
	ExitCode              int      `json:"exit_code"`
	StderrPreview         string   `json:"stderr_preview"`
	StderrMatches         []string `json:"stderr_matches"`
	CommandMatches        []string `json:"command_matches"`
	SimilarRecentFailures int      `json:"similar_recent_failures"`
}

// SignalType implements Payload.
func (CommandFailurePayload) SignalType() SignalType { return SignalCommandFailure }

// SkillSupplementPayload carries a SKILL_SUPPLEMENT signal.
type SkillSupplementPayload struct {
	SkillName   string   `json:"skill_name"`
	Instruction string   `json:"instruction"`
	Matches     []string `json:"matches"`
}

// SignalType implements Payload.
func (SkillSupplementPayload) SignalType() SignalType { return SignalSkillSupplement }

// VersionIssuePayload carries a VERSION_ISSUE signal.
type VersionIssuePayload struct {
	IssueType string `json:"issue_type"`
	Command   string `json:"command"`
	Stderr    string `json:"stderr"`
	Match     string `json:"match"`
	Version   string `json:"version,omitempty"`
}

// SignalType implements Payload.
func (VersionIssuePayload) SignalType() SignalType { return SignalVersionIssue }

// VerificationPayload carries a VERIFICATION_QUESTION signal.
type VerificationPayload struct {
	Question string   `json:"question"`
	Matches  []string `json:"matches"`
}

// SignalType implements Payload.
func (VerificationPayload) SignalType() SignalType { return SignalVerificationQuestion }

// Signal is one detected friction signal before persistence.
type Signal struct {
	Type       SignalType
	Confidence float64
	Payload    Payload
	Context    *ContextSnapshot
}

// ToolCall records one tool/command invocation in rolling context.
type ToolCall struct {
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Stderr    string    `json:"stderr,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message records one user message in rolling context.
type Message struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AssistantAction records what the assistant did, for correction attribution.
type AssistantAction struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextSnapshot is a bounded view of recent activity attached to an Event
// so later analysis can attribute the signal.
type ContextSnapshot struct {
	ToolCalls []ToolCall        `json:"recent_tool_calls,omitempty"`
	Messages  []Message         `json:"recent_messages,omitempty"`
	Actions   []AssistantAction `json:"recent_actions,omitempty"`
}

// DecodePayload decodes a serialized payload into its typed variant for the
// given signal type.
func DecodePayload(t SignalType, data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode payload: empty content for %s", t)
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case SignalUserCorrection:
		v := CorrectionPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case SignalToneEscalation:
		v := EscalationPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case SignalRepetition:
		v := RepetitionPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case SignalCommandFailure:
		v := CommandFailurePayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case SignalSkillSupplement:
		v := SkillSupplementPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case SignalVersionIssue:
		v := VersionIssuePayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case SignalVerificationQuestion:
		v := VerificationPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("decode payload: unknown signal type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// EncodePayload serializes a typed payload for storage in an Event.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.SignalType(), err)
	}
	return data, nil
}
