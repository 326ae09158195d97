// Package signal detects friction signals from user messages and tool
// results. Detection state is an explicit Context value injected into the
// Detector and persisted between hook invocations.
package signal

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/coach/pkg/models"
)

// Context is the rolling window of recent session activity shared across
// hook invocations. It is bounded: each list keeps at most `keep` entries.
type Context struct {
	ToolCalls []models.ToolCall        `json:"tool_calls"`
	Messages  []models.Message         `json:"messages"`
	Actions   []models.AssistantAction `json:"assistant_actions"`

	keep    int
	maxText int
}

// NewContext returns an empty rolling context with the given bounds.
func NewContext(keep, maxText int) *Context {
	return &Context{keep: keep, maxText: maxText}
}

// SetBounds applies bounds after deserialization.
func (c *Context) SetBounds(keep, maxText int) {
	c.keep = keep
	c.maxText = maxText
}

// AddToolCall records a command invocation, trimming to the window bound.
func (c *Context) AddToolCall(command string, exitCode int, stderr string, at time.Time) {
	c.ToolCalls = append(c.ToolCalls, models.ToolCall{
		Command:   truncate(command, c.maxText),
		ExitCode:  exitCode,
		Stderr:    truncate(stderr, c.maxText),
		Timestamp: at.UTC(),
	})
	if len(c.ToolCalls) > c.keep {
		c.ToolCalls = c.ToolCalls[len(c.ToolCalls)-c.keep:]
	}
}

// AddMessage records a user message, trimming to the window bound.
func (c *Context) AddMessage(text string, at time.Time) {
	c.Messages = append(c.Messages, models.Message{
		Text:      truncate(text, c.maxText),
		Timestamp: at.UTC(),
	})
	if len(c.Messages) > c.keep {
		c.Messages = c.Messages[len(c.Messages)-c.keep:]
	}
}

// AddAction records what the assistant did, for correction attribution.
func (c *Context) AddAction(action string, at time.Time) {
	c.Actions = append(c.Actions, models.AssistantAction{
		Action:    truncate(action, c.maxText),
		Timestamp: at.UTC(),
	})
	if len(c.Actions) > c.keep {
		c.Actions = c.Actions[len(c.Actions)-c.keep:]
	}
}

// Snapshot returns the last n entries of each list for attachment to an
// event.
func (c *Context) Snapshot(n int) *models.ContextSnapshot {
	return &models.ContextSnapshot{
		ToolCalls: tail(c.ToolCalls, n),
		Messages:  tail(c.Messages, n),
		Actions:   tail(c.Actions, n),
	}
}

// RecentFailures returns failed tool calls within the last n entries.
func (c *Context) RecentFailures(n int) []models.ToolCall {
	var out []models.ToolCall
	for _, tc := range tail(c.ToolCalls, n) {
		if tc.ExitCode != 0 {
			out = append(out, tc)
		}
	}
	return out
}

// RecentMessages returns the last n user messages.
func (c *Context) RecentMessages(n int) []models.Message {
	return tail(c.Messages, n)
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// ContextStore persists the rolling context as a JSON file between hook
// invocations.
type ContextStore struct {
	path    string
	keep    int
	maxText int
}

// NewContextStore returns a store writing to path with the given bounds.
func NewContextStore(path string, keep, maxText int) *ContextStore {
	return &ContextStore{path: path, keep: keep, maxText: maxText}
}

// Load reads the persisted context. A missing or unreadable file yields an
// empty context so a corrupt state file never blocks detection.
func (s *ContextStore) Load() *Context {
	ctx := NewContext(s.keep, s.maxText)

	data, err := os.ReadFile(s.path)
	if err != nil {
		return ctx
	}
	if err := json.Unmarshal(data, ctx); err != nil {
		return NewContext(s.keep, s.maxText)
	}
	ctx.SetBounds(s.keep, s.maxText)
	return ctx
}

// Save writes the context back to disk.
func (s *ContextStore) Save(ctx *Context) error {
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	return nil
}
