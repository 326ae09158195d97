package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thebtf/coach/internal/aggregate"
	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
	"github.com/thebtf/coach/internal/pending"
	"github.com/thebtf/coach/internal/repoid"
	"github.com/thebtf/coach/internal/rootcause"
	"github.com/thebtf/coach/internal/scope"
	"github.com/thebtf/coach/internal/skills"
	"github.com/thebtf/coach/internal/transcript"
	"github.com/thebtf/coach/pkg/models"
)

func newAggregator(ctx context.Context, cfg *config.Config) (*aggregate.Aggregator, func(), error) {
	events, err := sqlite.OpenExistingEventStore(cfg.EventsDBPath())
	if err != nil {
		return nil, nil, err
	}
	ledger, err := sqlite.OpenLedgerStore(cfg.LedgerDBPath())
	if err != nil {
		_ = events.Close()
		return nil, nil, err
	}
	engine, err := newEngine(cfg)
	if err != nil {
		_ = events.Close()
		_ = ledger.Close()
		return nil, nil, err
	}

	repoID := repoid.New("", cfg.RepoIDTimeout).ID(ctx)
	agg := aggregate.New(cfg, engine, events, ledger,
		pending.NewStore(cfg.PendingPath()), repoID, nil)
	closeAll := func() {
		_ = events.Close()
		_ = ledger.Close()
	}
	return agg, closeAll, nil
}

func newAggregateCmd() *cobra.Command {
	var withTranscript bool
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Process queued signals into learning candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			ctx := context.Background()

			agg, closeAll, err := newAggregator(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			candidates, err := agg.Run(ctx)
			if err != nil {
				return err
			}

			if withTranscript {
				engine, err := newEngine(cfg)
				if err != nil {
					return err
				}
				analyzer := transcript.New(&cfg.Transcript, engine, nil)
				analysis, err := analyzer.AnalyzeSession("")
				if err != nil {
					fmt.Println("transcript analysis skipped:", err)
				} else {
					fmt.Printf("transcript: %d corrections, %d repeated failures, %d implicit corrections\n",
						len(analysis.Corrections), len(analysis.RepeatedFailures),
						len(analysis.ImplicitCorrections))

					extra := analyzer.GenerateCandidates(ctx, analysis)
					extra = agg.Deduplicate(extra)
					extra = agg.FilterQuality(extra)
					if len(extra) > 0 {
						if err := agg.Save(ctx, extra); err != nil {
							return err
						}
						candidates = append(candidates, extra...)
					}
				}
			}

			if len(candidates) == 0 {
				fmt.Println("no new candidates")
				return nil
			}
			for _, c := range candidates {
				fmt.Printf("[%s] %s\n  trigger: %s\n  action:  %s\n  confidence: %.2f\n",
					c.Type, c.Title, c.Trigger, c.Action, c.Confidence)
			}
			fmt.Printf("%d candidate(s) queued for review\n", len(candidates))
			return nil
		},
	}
	cmd.Flags().BoolVar(&withTranscript, "transcript", false, "also analyze the most recent session transcript")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	var typ, trigger, action string
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute the fingerprint for a trigger/action pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine(config.Get())
			if err != nil {
				return err
			}
			fmt.Println("normalized trigger:", engine.Normalize(trigger))
			fmt.Println("normalized action: ", engine.Normalize(action))
			fmt.Println("fingerprint:       ", engine.Fingerprint(models.CandidateType(typ), trigger, action))
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "rule", "candidate type")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger condition")
	cmd.Flags().StringVar(&action, "action", "", "action text")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newScopeCmd() *cobra.Command {
	var title, trigger, action string
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Recommend project or global scope for a candidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			engine, err := newEngine(cfg)
			if err != nil {
				return err
			}

			// The ledger is optional here: scope analysis still works from
			// indicators alone before coach init.
			var reader scope.LedgerReader
			ledger, err := sqlite.OpenExistingLedgerStore(cfg.LedgerDBPath())
			if err == nil {
				defer func() { _ = ledger.Close() }()
				reader = ledger
			}

			analyzer, err := scope.New(&cfg.Scope, engine, reader)
			if err != nil {
				return err
			}

			cand := models.NewCandidate(models.CandidateRule, title, trigger, action, 0)
			cand.Fingerprint = engine.FingerprintCandidate(cand)
			analysis, err := analyzer.Analyze(cand)
			if err != nil {
				return err
			}
			return printJSON(analysis)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "candidate title")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger condition")
	cmd.Flags().StringVar(&action, "action", "", "action text")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newScanCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Probe local tooling versions and list installed skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			ctx := context.Background()

			engine, err := newEngine(cfg)
			if err != nil {
				return err
			}
			analyzer := skills.New(&cfg.Skills, engine)

			names := analyzer.SkillNames()
			fmt.Printf("installed skills (%d):\n", len(names))
			for _, name := range names {
				fmt.Println("  -", name)
			}

			candidates, findings := analyzer.ScanCandidates(ctx)
			for _, f := range findings {
				if f.Status == skills.StatusNotInstalled {
					fmt.Printf("  %s: not installed\n", f.Tool)
					continue
				}
				fmt.Printf("  %s: v%g (recommend v%g)\n", f.Tool, f.CurrentVersion, f.MinRecommended)
			}
			if len(findings) == 0 {
				fmt.Println("all probed tools look current")
			}

			if save && len(candidates) > 0 {
				agg, closeAll, err := newAggregator(ctx, cfg)
				if err != nil {
					return err
				}
				defer closeAll()

				candidates = agg.Deduplicate(candidates)
				candidates = agg.FilterQuality(candidates)
				if err := agg.Save(ctx, candidates); err != nil {
					return err
				}
				fmt.Printf("%d candidate(s) queued for review\n", len(candidates))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "queue findings as candidates")
	return cmd
}

func newRootCauseCmd() *cobra.Command {
	var save bool
	var limit int
	cmd := &cobra.Command{
		Use:   "rootcause",
		Short: "Analyze recent command failures for resolutions and causes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			ctx := context.Background()

			events, err := sqlite.OpenExistingEventStore(cfg.EventsDBPath())
			if err != nil {
				return err
			}
			defer func() { _ = events.Close() }()

			recent, err := events.Recent(ctx, limit)
			if err != nil {
				return err
			}

			analyzer := rootcause.New(&cfg.RootCause)
			analyzer.LoadFromEvents(recent)

			insights := analyzer.AnalyzeAll()
			if len(insights) == 0 {
				fmt.Println("no command sequences with repeated attempts")
				return nil
			}
			for _, ins := range insights {
				status := "unresolved"
				if ins.Resolved {
					status = "resolved"
				}
				fmt.Printf("[%s] %s (%d attempts, %s)\n  trigger: %s\n  action:  %s\n",
					ins.EvidenceType, ins.Title, ins.Attempts, status, ins.Trigger, ins.Action)
			}

			if save {
				engine, err := newEngine(cfg)
				if err != nil {
					return err
				}
				candidates := analyzer.GenerateCandidates(engine)

				agg, closeAll, err := newAggregator(ctx, cfg)
				if err != nil {
					return err
				}
				defer closeAll()

				candidates = agg.Deduplicate(candidates)
				candidates = agg.FilterQuality(candidates)
				if err := agg.Save(ctx, candidates); err != nil {
					return err
				}
				fmt.Printf("%d candidate(s) queued for review\n", len(candidates))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "queue insights as candidates")
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "events to analyze")
	return cmd
}
