package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the cross-repository candidate ledger",
	}
	cmd.AddCommand(
		newLedgerStatsCmd(),
		newLedgerCheckCmd(),
		newLedgerHistoryCmd(),
		newLedgerSearchCmd(),
		newLedgerPromotionsCmd(),
		newLedgerPromoteCmd(),
		newLedgerCleanupCmd(),
	)
	return cmd
}

func openLedger() (*sqlite.LedgerStore, *config.Config, error) {
	cfg := config.Get()
	store, err := sqlite.OpenExistingLedgerStore(cfg.LedgerDBPath())
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLedgerStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger summary counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			stats, err := store.Stats(context.Background(), cfg.Scope.PromotionThresholdRepos)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func newLedgerCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <fingerprint>",
		Short: "Check promotion eligibility for a fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			elig, err := store.CheckEligibility(context.Background(), args[0],
				cfg.Scope.PromotionThresholdRepos)
			if err != nil {
				return err
			}
			return printJSON(elig)
		},
	}
}

func newLedgerHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently observed ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.History(context.Background(), limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries to show")
	return cmd
}

func newLedgerSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search ledger entries by text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.Search(context.Background(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries to show")
	return cmd
}

func newLedgerPromotionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "promotions",
		Short: "List promotion candidates and recent promotions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			candidates, err := store.PromotionCandidates(ctx, cfg.Scope.PromotionThresholdRepos)
			if err != nil {
				return err
			}
			history, err := store.Promotions(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"eligible": candidates,
				"history":  history,
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max history rows to show")
	return cmd
}

func newLedgerPromoteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "promote <fingerprint>",
		Short: "Promote an entry to global scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.MarkPromoted(context.Background(), args[0], reason); err != nil {
				return err
			}
			fmt.Println("promoted", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "promotion reason (default: multi-repo threshold)")
	return cmd
}

func newLedgerCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete rejected entries not seen recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			removed, err := store.CleanupRejected(context.Background(), days)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d rejected entr(ies)\n", removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "age threshold in days")
	return cmd
}
