package models

import (
	"strings"
	"time"
)

// CommandVariation is one attempt at running a command within a session.
type CommandVariation struct {
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Stderr    string    `json:"stderr,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Succeeded reports whether the attempt exited cleanly.
func (v CommandVariation) Succeeded() bool {
	return v.ExitCode == 0
}

// BaseCommand returns the first two whitespace-separated tokens lowercased,
// e.g. "gh pr" for "gh pr merge --squash". Single-token commands return the
// token alone.
func (v CommandVariation) BaseCommand() string {
	return BaseCommand(v.Command)
}

// BaseCommand groups command strings by their first two tokens.
func BaseCommand(command string) string {
	fields := strings.Fields(strings.ToLower(command))
	if len(fields) == 0 {
		return ""
	}
	if len(fields) == 1 {
		return fields[0]
	}
	return fields[0] + " " + fields[1]
}

// CommandSequence is an ordered group of variations sharing a base command,
// used for root-cause analysis of eventually-successful retries.
type CommandSequence struct {
	BaseCommand string             `json:"base_command"`
	Variations  []CommandVariation `json:"variations"`
}

// Append adds a variation, preserving chronological order of insertion.
func (s *CommandSequence) Append(v CommandVariation) {
	s.Variations = append(s.Variations, v)
}

// EventuallySucceeded reports whether any attempt in the sequence succeeded.
func (s *CommandSequence) EventuallySucceeded() bool {
	for _, v := range s.Variations {
		if v.Succeeded() {
			return true
		}
	}
	return false
}

// FirstSuccess returns the earliest successful variation, or nil.
func (s *CommandSequence) FirstSuccess() *CommandVariation {
	for i := range s.Variations {
		if s.Variations[i].Succeeded() {
			return &s.Variations[i]
		}
	}
	return nil
}

// LastFailureBeforeSuccess returns the failed attempt immediately preceding
// the first success. Nil when the sequence opens with a success or never
// succeeds.
func (s *CommandSequence) LastFailureBeforeSuccess() *CommandVariation {
	for i := range s.Variations {
		if s.Variations[i].Succeeded() {
			if i == 0 {
				return nil
			}
			return &s.Variations[i-1]
		}
	}
	return nil
}

// Failures returns all failed variations in order.
func (s *CommandSequence) Failures() []CommandVariation {
	var out []CommandVariation
	for _, v := range s.Variations {
		if !v.Succeeded() {
			out = append(out, v)
		}
	}
	return out
}
