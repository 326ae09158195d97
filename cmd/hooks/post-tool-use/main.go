// Package main provides the post-tool-use hook entry point. It inspects
// Bash results for failures and version issues and queues raised signals.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
	"github.com/thebtf/coach/internal/pipeline"
	"github.com/thebtf/coach/pkg/hooks"
)

func main() {
	input, err := hooks.ReadInput(os.Stdin)
	if err != nil {
		hooks.WriteError("post-tool-use", err)
		return
	}

	call, ok := input.Bash()
	if !ok {
		hooks.WriteContinue()
		return
	}

	ctx := context.Background()
	p, err := pipeline.Open(ctx, config.Get())
	if err != nil {
		if errors.Is(err, sqlite.ErrNotInitialized) {
			fmt.Fprintln(os.Stderr, "[coach] not initialized, run: coach init")
			hooks.WriteContinue()
			return
		}
		hooks.WriteError("post-tool-use", err)
		return
	}
	defer func() { _ = p.Close() }()

	signals, err := p.HandleToolResult(ctx, call.Command, call.ExitCode, call.Stderr)
	if err != nil {
		hooks.WriteError("post-tool-use", err)
		return
	}

	for _, sig := range signals {
		fmt.Fprintf(os.Stderr, "[coach] %s (%.2f)\n", sig.Type, sig.Confidence)
	}
	hooks.WriteContinue()
}
