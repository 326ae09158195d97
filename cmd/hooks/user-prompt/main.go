// Package main provides the user-prompt hook entry point. It runs message
// detection over the submitted prompt and queues any raised signals.
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
		hooks.WriteError("user-prompt", err)
		return
	}
	if input.Prompt == "" {
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
		hooks.WriteError("user-prompt", err)
		return
	}
	defer func() { _ = p.Close() }()

	signals, err := p.HandleUserPrompt(ctx, input.Prompt)
	if err != nil {
		hooks.WriteError("user-prompt", err)
		return
	}

	for _, sig := range signals {
		fmt.Fprintf(os.Stderr, "[coach] %s (%.2f)\n", sig.Type, sig.Confidence)
	}
	hooks.WriteContinue()
}
