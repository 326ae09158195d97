package aggregate

import (
	"context"

	"github.com/thebtf/coach/pkg/models"
)

// Refiner optionally enriches extraction with generated candidates. A nil
// Refiner (or one that always returns nil) leaves pattern-based extraction
// fully functional; it exists so an external generator can be plugged in
// without changing the pipeline.
type Refiner interface {
	// RefineFailure may produce a candidate for a failed command. Returning
	// nil falls back to pattern extraction.
	RefineFailure(ctx context.Context, command, stderr string, exitCode int, snap *models.ContextSnapshot) (*models.Candidate, error)

	// RefineCorrection may produce a candidate for a user correction.
	// Returning nil falls back to pattern extraction.
	RefineCorrection(ctx context.Context, message string, snap *models.ContextSnapshot) (*models.Candidate, error)
}

// NoopRefiner never produces candidates.
type NoopRefiner struct{}

// RefineFailure implements Refiner.
func (NoopRefiner) RefineFailure(context.Context, string, string, int, *models.ContextSnapshot) (*models.Candidate, error) {
	return nil, nil
}

// RefineCorrection implements Refiner.
func (NoopRefiner) RefineCorrection(context.Context, string, *models.ContextSnapshot) (*models.Candidate, error) {
	return nil, nil
}
