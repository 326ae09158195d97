package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventPhase identifies which host hook produced an event.
type EventPhase string

const (
	// PhaseUserPrompt covers user message submission.
	PhaseUserPrompt EventPhase = "user_prompt"
	// PhaseToolResult covers tool/command completion.
	PhaseToolResult EventPhase = "tool_result"
	// PhaseSessionEnd covers end-of-session analysis.
	PhaseSessionEnd EventPhase = "session_end"
)

// Event is the persisted envelope around one detected signal. Content holds
// the serialized typed payload for SignalType; ContextJSON holds the
// serialized ContextSnapshot captured at detection time.
type Event struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Phase       EventPhase `json:"event_type"`
	SignalType  SignalType `json:"signal_type"`
	RepoID      string     `json:"repo_id"`
	Confidence  float64    `json:"confidence"`
	Content     []byte     `json:"content"`
	ContextJSON []byte     `json:"context,omitempty"`
	Processed   bool       `json:"processed"`
}

// NewEvent wraps a detected signal into a persistable envelope. Timestamps
// are normalized to UTC.
func NewEvent(phase EventPhase, repoID string, sig Signal, at time.Time) (*Event, error) {
	content, err := EncodePayload(sig.Payload)
	if err != nil {
		return nil, err
	}

	var ctx []byte
	if sig.Context != nil {
		ctx, err = json.Marshal(sig.Context)
		if err != nil {
			return nil, fmt.Errorf("encode event context: %w", err)
		}
	}

	return &Event{
		ID:          NewID(),
		Timestamp:   at.UTC(),
		Phase:       phase,
		SignalType:  sig.Type,
		RepoID:      repoID,
		Confidence:  sig.Confidence,
		Content:     content,
		ContextJSON: ctx,
	}, nil
}

// Payload decodes the event content into its typed signal payload.
func (e *Event) Payload() (Payload, error) {
	return DecodePayload(e.SignalType, e.Content)
}

// Context decodes the context snapshot attached at detection time. Returns
// nil when no snapshot was recorded.
func (e *Event) Context() (*ContextSnapshot, error) {
	if len(e.ContextJSON) == 0 {
		return nil, nil
	}
	var snap ContextSnapshot
	if err := json.Unmarshal(e.ContextJSON, &snap); err != nil {
		return nil, fmt.Errorf("decode event context: %w", err)
	}
	return &snap, nil
}

// NewID returns a short random identifier for events and candidates.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
