package models

import "time"

// Scope says where a learned behavior should apply.
type Scope string

const (
	// ScopeProject limits a candidate to the repository it was observed in.
	ScopeProject Scope = "project"
	// ScopeGlobal applies a candidate across all repositories.
	ScopeGlobal Scope = "global"
)

// LedgerEntry is the cross-repository record for one fingerprint. It tracks
// how many times and in how many repositories the same candidate has been
// observed, which drives scope promotion.
type LedgerEntry struct {
	Fingerprint    string          `json:"fingerprint"`
	NormalizedText string          `json:"normalized_text"`
	Title          string          `json:"title"`
	CandidateType  CandidateType   `json:"candidate_type"`
	Trigger        string          `json:"trigger_condition"`
	Action         string          `json:"action"`
	Scope          Scope           `json:"current_scope"`
	RepoIDs        JSONStringArray `json:"repo_ids"`
	Evidence       []Evidence      `json:"evidence,omitempty"`
	Confidence     float64         `json:"confidence"`
	Count          int             `json:"count"`
	Status         CandidateStatus `json:"status"`
	FirstSeen      time.Time       `json:"first_seen"`
	LastSeen       time.Time       `json:"last_seen"`
	PromotedAt     *time.Time      `json:"promoted_at,omitempty"`
}

// RepoCount returns the number of distinct repositories this entry has been
// observed in.
func (e *LedgerEntry) RepoCount() int {
	return len(e.RepoIDs)
}

// HasRepo reports whether the entry already records the given repository.
func (e *LedgerEntry) HasRepo(repoID string) bool {
	for _, id := range e.RepoIDs {
		if id == repoID {
			return true
		}
	}
	return false
}

// AddRepo records an observation in repoID, keeping RepoIDs distinct.
func (e *LedgerEntry) AddRepo(repoID string) {
	if repoID == "" || e.HasRepo(repoID) {
		return
	}
	e.RepoIDs = append(e.RepoIDs, repoID)
}

// Promotion logs one scope transition for audit.
type Promotion struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	FromScope   Scope     `json:"from_scope"`
	ToScope     Scope     `json:"to_scope"`
	Reason      string    `json:"reason"`
	PromotedAt  time.Time `json:"promoted_at"`
}
