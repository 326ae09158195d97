// Package hooks provides the stdin/stdout protocol glue for Claude Code
// hook binaries.
package hooks

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Input is the hook payload Claude Code writes to stdin.
type Input struct {
	SessionID     string          `json:"session_id"`
	CWD           string          `json:"cwd"`
	HookEventName string          `json:"hook_event_name"`
	Prompt        string          `json:"prompt"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input"`
	ToolResponse  json.RawMessage `json:"tool_response"`
}

// BashCall is the tool input/response pair for a Bash invocation.
type BashCall struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

type bashInput struct {
	Command string `json:"command"`
}

type bashResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exit_code"`
}

// ReadInput decodes a hook payload from r.
func ReadInput(r io.Reader) (*Input, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read hook input: %w", err)
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode hook input: %w", err)
	}
	return &in, nil
}

// Bash extracts the Bash command and result from a tool-use hook payload.
// Returns false for non-Bash tools. When the host omits the exit code, a
// non-empty stderr is treated as failure.
func (in *Input) Bash() (BashCall, bool) {
	if !strings.Contains(strings.ToLower(in.ToolName), "bash") {
		return BashCall{}, false
	}

	var input bashInput
	if err := json.Unmarshal(in.ToolInput, &input); err != nil || input.Command == "" {
		return BashCall{}, false
	}

	call := BashCall{Command: input.Command}
	var resp bashResponse
	if err := json.Unmarshal(in.ToolResponse, &resp); err == nil {
		call.Stdout = resp.Stdout
		call.Stderr = resp.Stderr
		if resp.ExitCode != nil {
			call.ExitCode = *resp.ExitCode
		} else if resp.Stderr != "" {
			call.ExitCode = 1
		}
	}
	return call, true
}

// WriteContinue emits the hook response that lets the session proceed.
func WriteContinue() {
	_ = json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"continue": true})
}

// WriteError logs a hook failure to stderr and still lets the session
// proceed. Observation must never block the user.
func WriteError(event string, err error) {
	fmt.Fprintf(os.Stderr, "[coach:%s] %v\n", event, err)
	WriteContinue()
}
