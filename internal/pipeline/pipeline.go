// Package pipeline wires configuration, rolling context, detection and
// event storage into the single flow the hooks and the CLI share.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/coach/internal/config"
	"github.com/thebtf/coach/internal/db/sqlite"
	"github.com/thebtf/coach/internal/privacy"
	"github.com/thebtf/coach/internal/repoid"
	"github.com/thebtf/coach/internal/signal"
	"github.com/thebtf/coach/pkg/models"
)

// Pipeline runs detection against persistent state for one invocation.
type Pipeline struct {
	cfg      *config.Config
	events   *sqlite.EventStore
	ctxStore *signal.ContextStore
	sctx     *signal.Context
	detector *signal.Detector
	repoID   string
}

// Open loads configuration and state and prepares a detector. Fails with
// sqlite.ErrNotInitialized when the events database is missing.
func Open(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	events, err := sqlite.OpenExistingEventStore(cfg.EventsDBPath())
	if err != nil {
		return nil, err
	}

	ctxStore := signal.NewContextStore(cfg.ContextPath(),
		cfg.Detector.ContextKeep, cfg.Detector.ContextMaxText)
	sctx := ctxStore.Load()

	detector, err := signal.NewDetector(cfg, sctx)
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("build detector: %w", err)
	}

	return &Pipeline{
		cfg:      cfg,
		events:   events,
		ctxStore: ctxStore,
		sctx:     sctx,
		detector: detector,
		repoID:   repoid.New("", cfg.RepoIDTimeout).ID(ctx),
	}, nil
}

// Close releases the event store.
func (p *Pipeline) Close() error {
	return p.events.Close()
}

// RepoID returns the repository identity used for stored events.
func (p *Pipeline) RepoID() string {
	return p.repoID
}

// HandleUserPrompt runs message detection, persists raised signals and the
// updated rolling context. Returns the stored signals.
func (p *Pipeline) HandleUserPrompt(ctx context.Context, prompt string) ([]models.Signal, error) {
	signals := p.detector.ProcessUserMessage(prompt)
	if err := p.store(ctx, models.PhaseUserPrompt, signals); err != nil {
		return nil, err
	}
	return signals, p.saveContext()
}

// HandleToolResult runs tool-result detection, persists raised signals and
// the updated rolling context. Returns the stored signals.
func (p *Pipeline) HandleToolResult(ctx context.Context, command string, exitCode int, stderr string) ([]models.Signal, error) {
	signals := p.detector.ProcessToolResult(command, exitCode, stderr)
	if err := p.store(ctx, models.PhaseToolResult, signals); err != nil {
		return nil, err
	}
	return signals, p.saveContext()
}

func (p *Pipeline) store(ctx context.Context, phase models.EventPhase, signals []models.Signal) error {
	now := time.Now()
	for _, sig := range signals {
		privacy.RedactSignal(&sig)
		ev, err := models.NewEvent(phase, p.repoID, sig, now)
		if err != nil {
			return err
		}
		if err := p.events.Insert(ctx, ev); err != nil {
			return err
		}
		log.Debug().
			Str("signal", string(sig.Type)).
			Float64("confidence", sig.Confidence).
			Str("event_id", ev.ID).
			Msg("signal stored")
	}
	return nil
}

func (p *Pipeline) saveContext() error {
	if err := p.ctxStore.Save(p.sctx); err != nil {
		return fmt.Errorf("persist rolling context: %w", err)
	}
	return nil
}
