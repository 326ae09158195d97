package models

import "time"

// CandidateType classifies what kind of learning artifact a candidate would
// become if approved.
type CandidateType string

const (
	// CandidateRule is a behavioral rule ("when X, do Y").
	CandidateRule CandidateType = "rule"
	// CandidateChecklist is a multi-step verification procedure.
	CandidateChecklist CandidateType = "checklist"
	// CandidateSnippet is a concrete command or code fragment.
	CandidateSnippet CandidateType = "snippet"
	// CandidateSkill is an update to an existing skill's instructions.
	CandidateSkill CandidateType = "skill"
	// CandidateAntipattern records something the assistant should stop doing.
	CandidateAntipattern CandidateType = "antipattern"
	// CandidateRawCorrection preserves a user correction verbatim when no
	// structured extraction applied.
	CandidateRawCorrection CandidateType = "raw_correction"
)

// CandidateStatus tracks a candidate through its review lifecycle.
type CandidateStatus string

const (
	StatusPending  CandidateStatus = "pending"
	StatusApproved CandidateStatus = "approved"
	StatusRejected CandidateStatus = "rejected"
	StatusPromoted CandidateStatus = "promoted"
)

// Evidence links a candidate back to the observations that produced it.
type Evidence struct {
	Source  string `json:"source,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Quote   string `json:"quote,omitempty"`
	Command string `json:"command,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// Candidate is one extracted learning candidate awaiting review.
type Candidate struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Type        CandidateType   `json:"candidate_type"`
	Trigger     string          `json:"trigger"`
	Action      string          `json:"action"`
	Evidence    []Evidence      `json:"evidence,omitempty"`
	Confidence  float64         `json:"confidence"`
	Status      CandidateStatus `json:"status"`
	Fingerprint string          `json:"fingerprint"`
	RepoID      string          `json:"repo_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewCandidate builds a pending candidate with a fresh id and UTC creation
// time. The fingerprint is assigned by the aggregator before persistence.
func NewCandidate(typ CandidateType, title, trigger, action string, confidence float64) *Candidate {
	return &Candidate{
		ID:         NewID(),
		Title:      title,
		Type:       typ,
		Trigger:    trigger,
		Action:     action,
		Confidence: confidence,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// AddEvidence appends an evidence record.
func (c *Candidate) AddEvidence(ev Evidence) {
	c.Evidence = append(c.Evidence, ev)
}
