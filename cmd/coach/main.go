// Package main provides the coach CLI: bootstrap, detection, aggregation
// and ledger operations for the session-friction learning pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
	"github.com/thebtf/coach/internal/pending"
	"github.com/thebtf/coach/internal/pipeline"
	"github.com/thebtf/coach/pkg/fingerprint"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "coach",
		Short:         "Turn session friction into reviewable learning candidates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(),
		newDetectCmd(),
		newAggregateCmd(),
		newLedgerCmd(),
		newFingerprintCmd(),
		newScopeCmd(),
		newScanCmd(),
		newRootCauseCmd(),
	)

	if err := root.Execute(); err != nil {
		if errors.Is(err, sqlite.ErrNotInitialized) {
			fmt.Fprintln(os.Stderr, "coach is not initialized, run: coach init")
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory, databases and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if err := cfg.EnsureDataDir(); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			if _, err := os.Stat(config.ConfigPath()); os.IsNotExist(err) {
				if err := config.WriteDefault(config.ConfigPath()); err != nil {
					return err
				}
				fmt.Println("wrote", config.ConfigPath())
			}

			events, err := sqlite.OpenEventStore(cfg.EventsDBPath())
			if err != nil {
				return err
			}
			_ = events.Close()
			fmt.Println("events database ready:", cfg.EventsDBPath())

			ledger, err := sqlite.OpenLedgerStore(cfg.LedgerDBPath())
			if err != nil {
				return err
			}
			_ = ledger.Close()
			fmt.Println("ledger database ready:", cfg.LedgerDBPath())

			store := pending.NewStore(cfg.PendingPath())
			if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
				if err := store.Save(store.Load()); err != nil {
					return err
				}
				fmt.Println("wrote", store.Path())
			}

			fmt.Println("coach initialized")
			return nil
		},
	}
}

func newDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run signal detection over a message or tool result",
	}

	message := &cobra.Command{
		Use:   "message <text>",
		Short: "Detect signals in a user message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := pipeline.Open(ctx, config.Get())
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			signals, err := p.HandleUserPrompt(ctx, args[0])
			if err != nil {
				return err
			}
			for _, sig := range signals {
				fmt.Printf("%s confidence=%.2f\n", sig.Type, sig.Confidence)
			}
			if len(signals) == 0 {
				fmt.Println("no signals")
			}
			return nil
		},
	}

	var command, stderr string
	var exitCode int
	tool := &cobra.Command{
		Use:   "tool",
		Short: "Detect signals in a tool result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := pipeline.Open(ctx, config.Get())
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			signals, err := p.HandleToolResult(ctx, command, exitCode, stderr)
			if err != nil {
				return err
			}
			for _, sig := range signals {
				fmt.Printf("%s confidence=%.2f\n", sig.Type, sig.Confidence)
			}
			if len(signals) == 0 {
				fmt.Println("no signals")
			}
			return nil
		},
	}
	tool.Flags().StringVarP(&command, "command", "c", "", "command that ran")
	tool.Flags().IntVarP(&exitCode, "exit-code", "e", 0, "command exit code")
	tool.Flags().StringVarP(&stderr, "stderr", "s", "", "captured stderr")
	_ = tool.MarkFlagRequired("command")

	cmd.AddCommand(message, tool)
	return cmd
}

// newEngine compiles the fingerprint engine from configuration.
func newEngine(cfg *config.Config) (*fingerprint.Engine, error) {
	return fingerprint.New(cfg.Fingerprint.Rules, cfg.Fingerprint.Buckets,
		cfg.Fingerprint.SimilarityThreshold)
}
