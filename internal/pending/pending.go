// Package pending stores extracted candidates awaiting human review as a
// single JSON document on disk.
package pending

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/coach/pkg/models"
)

// Document is the on-disk review queue. Candidates move between the lists
// as they are reviewed; LastProposal records the most recent aggregation.
type Document struct {
	Pending      []*models.Candidate `json:"pending"`
	Approved     []*models.Candidate `json:"approved"`
	Rejected     []*models.Candidate `json:"rejected"`
	LastProposal *time.Time          `json:"last_proposal"`
}

// Store reads and writes the pending-candidates document.
type Store struct {
	path string
}

// NewStore creates a store for the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing or corrupt file yields an empty
// document so aggregation always has something to append to.
func (s *Store) Load() *Document {
	doc := &Document{
		Pending:  []*models.Candidate{},
		Approved: []*models.Candidate{},
		Rejected: []*models.Candidate{},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return &Document{
			Pending:  []*models.Candidate{},
			Approved: []*models.Candidate{},
			Rejected: []*models.Candidate{},
		}
	}
	return doc
}

// Save writes the document atomically via a temp file rename.
func (s *Store) Save(doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create pending dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pending document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace pending document: %w", err)
	}
	return nil
}

// Append adds new candidates to the pending list, skipping fingerprints
// already queued, stamps LastProposal, and saves. Returns the number of
// candidates actually added.
func (s *Store) Append(candidates []*models.Candidate) (int, error) {
	doc := s.Load()

	existing := make(map[string]bool, len(doc.Pending))
	for _, c := range doc.Pending {
		existing[c.Fingerprint] = true
	}

	added := 0
	for _, c := range candidates {
		if existing[c.Fingerprint] {
			continue
		}
		doc.Pending = append(doc.Pending, c)
		existing[c.Fingerprint] = true
		added++
	}

	now := time.Now().UTC()
	doc.LastProposal = &now

	if err := s.Save(doc); err != nil {
		return 0, err
	}
	return added, nil
}
