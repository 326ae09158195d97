// Package main provides the session-stop hook entry point. It aggregates
// queued signals into candidates and folds in session-transcript analysis.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/thebtf/coach/internal/aggregate"
	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
	"github.com/thebtf/coach/internal/pending"
	"github.com/thebtf/coach/internal/repoid"
	"github.com/thebtf/coach/internal/transcript"
	"github.com/thebtf/coach/pkg/fingerprint"
	"github.com/thebtf/coach/pkg/hooks"
)

func main() {
	if _, err := hooks.ReadInput(os.Stdin); err != nil {
		hooks.WriteError("stop", err)
		return
	}

	cfg := config.Get()
	ctx := context.Background()

	events, err := sqlite.OpenExistingEventStore(cfg.EventsDBPath())
	if err != nil {
		if errors.Is(err, sqlite.ErrNotInitialized) {
			fmt.Fprintln(os.Stderr, "[coach] not initialized, run: coach init")
			hooks.WriteContinue()
			return
		}
		hooks.WriteError("stop", err)
		return
	}
	defer func() { _ = events.Close() }()

	ledger, err := sqlite.OpenLedgerStore(cfg.LedgerDBPath())
	if err != nil {
		hooks.WriteError("stop", err)
		return
	}
	defer func() { _ = ledger.Close() }()

	engine, err := fingerprint.New(cfg.Fingerprint.Rules, cfg.Fingerprint.Buckets,
		cfg.Fingerprint.SimilarityThreshold)
	if err != nil {
		hooks.WriteError("stop", err)
		return
	}

	repoID := repoid.New("", cfg.RepoIDTimeout).ID(ctx)
	agg := aggregate.New(cfg, engine, events, ledger,
		pending.NewStore(cfg.PendingPath()), repoID, nil)

	candidates, err := agg.Run(ctx)
	if err != nil {
		hooks.WriteError("stop", err)
		return
	}

	analyzer := transcript.New(&cfg.Transcript, engine, nil)
	if analysis, err := analyzer.AnalyzeSession(""); err == nil {
		extra := analyzer.GenerateCandidates(ctx, analysis)
		extra = agg.Deduplicate(extra)
		extra = agg.FilterQuality(extra)
		if len(extra) > 0 {
			if err := agg.Save(ctx, extra); err != nil {
				hooks.WriteError("stop", err)
				return
			}
			candidates = append(candidates, extra...)
		}
	}

	if len(candidates) > 0 {
		fmt.Fprintf(os.Stderr, "[coach] %d learning candidate(s) queued for review\n", len(candidates))
	}
	hooks.WriteContinue()
}
