package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/coach/pkg/models"
)

// LedgerStore persists the cross-repository candidate ledger.
type LedgerStore struct {
	*Store
}

// OpenLedgerStore opens (creating if needed) the ledger database at path.
func OpenLedgerStore(path string) (*LedgerStore, error) {
	s, err := openStore(StoreConfig{Path: path}, LedgerMigrations)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{Store: s}, nil
}

// OpenExistingLedgerStore opens the ledger database, failing with
// ErrNotInitialized when the file is missing.
func OpenExistingLedgerStore(path string) (*LedgerStore, error) {
	if err := requireExisting(path); err != nil {
		return nil, err
	}
	return OpenLedgerStore(path)
}

const ledgerColumns = `fingerprint, normalized_text, title, candidate_type, trigger_condition, action,
	current_scope, repo_ids, evidence, confidence, count, status, first_seen, last_seen, promoted_at`

// Entry returns the ledger entry for a fingerprint, or nil when absent.
func (s *LedgerStore) Entry(ctx context.Context, fingerprint string) (*models.LedgerEntry, error) {
	row := s.QueryRowContext(ctx,
		"SELECT "+ledgerColumns+" FROM candidates WHERE fingerprint = ?", fingerprint)

	entry, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s: %w", fingerprint, err)
	}
	return entry, nil
}

// Get satisfies scope.LedgerReader.
func (s *LedgerStore) Get(fingerprint string) (*models.LedgerEntry, error) {
	return s.Entry(context.Background(), fingerprint)
}

// Upsert records one observation of a candidate. A new fingerprint inserts
// a fresh entry with count 1; a known fingerprint bumps the count, refreshes
// last_seen, and merges in the repository and any new evidence. Returns true
// when the entry was created.
func (s *LedgerStore) Upsert(ctx context.Context, cand *models.Candidate, normalized, repoID string) (bool, error) {
	existing, err := s.Entry(ctx, cand.Fingerprint)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC().Format(time.RFC3339)

	if existing != nil {
		existing.AddRepo(repoID)
		merged := append(existing.Evidence, cand.Evidence...)
		evidenceJSON, err := json.Marshal(merged)
		if err != nil {
			return false, fmt.Errorf("marshal evidence: %w", err)
		}

		_, err = s.ExecContext(ctx, `
			UPDATE candidates
			SET repo_ids = ?, evidence = ?, count = count + 1, last_seen = ?
			WHERE fingerprint = ?`,
			existing.RepoIDs, string(evidenceJSON), now, cand.Fingerprint)
		if err != nil {
			return false, fmt.Errorf("update ledger entry %s: %w", cand.Fingerprint, err)
		}
		return false, nil
	}

	repoIDs := models.JSONStringArray{}
	if repoID != "" {
		repoIDs = append(repoIDs, repoID)
	}
	evidenceJSON, err := json.Marshal(cand.Evidence)
	if err != nil {
		return false, fmt.Errorf("marshal evidence: %w", err)
	}

	_, err = s.ExecContext(ctx, `
		INSERT INTO candidates (fingerprint, normalized_text, title, candidate_type, trigger_condition, action,
			current_scope, repo_ids, evidence, confidence, count, status, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		cand.Fingerprint, normalized, cand.Title, string(cand.Type), cand.Trigger, cand.Action,
		string(models.ScopeProject), repoIDs, string(evidenceJSON), cand.Confidence,
		string(cand.Status), now, now)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry %s: %w", cand.Fingerprint, err)
	}
	return true, nil
}

// PromotionCandidates returns entries seen in at least threshold distinct
// repositories that have not yet been promoted.
func (s *LedgerStore) PromotionCandidates(ctx context.Context, threshold int) ([]*models.LedgerEntry, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM candidates
		WHERE status != 'promoted' AND json_array_length(repo_ids) >= ?
		ORDER BY count DESC, last_seen DESC`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query promotion candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLedgerEntries(rows)
}

// Eligibility describes whether one entry qualifies for scope promotion.
type Eligibility struct {
	Fingerprint string `json:"fingerprint"`
	Eligible    bool   `json:"eligible"`
	RepoCount   int    `json:"repo_count"`
	Threshold   int    `json:"threshold"`
	Status      string `json:"status"`
}

// CheckEligibility reports promotion eligibility for one fingerprint.
func (s *LedgerStore) CheckEligibility(ctx context.Context, fingerprint string, threshold int) (*Eligibility, error) {
	entry, err := s.Entry(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("ledger entry %s not found", fingerprint)
	}
	return &Eligibility{
		Fingerprint: fingerprint,
		Eligible:    entry.Status != models.StatusPromoted && entry.RepoCount() >= threshold,
		RepoCount:   entry.RepoCount(),
		Threshold:   threshold,
		Status:      string(entry.Status),
	}, nil
}

// MarkPromoted promotes an entry to global scope and records the transition.
func (s *LedgerStore) MarkPromoted(ctx context.Context, fingerprint, reason string) error {
	entry, err := s.Entry(ctx, fingerprint)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("ledger entry %s not found", fingerprint)
	}
	if reason == "" {
		reason = "Multi-repo threshold reached"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promotion: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		UPDATE candidates
		SET current_scope = 'global', status = 'promoted', promoted_at = ?
		WHERE fingerprint = ?`, now, fingerprint)
	if err != nil {
		return fmt.Errorf("promote ledger entry %s: %w", fingerprint, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO promotions (fingerprint, from_scope, to_scope, reason, promoted_at)
		VALUES (?, ?, 'global', ?, ?)`,
		fingerprint, string(entry.Scope), reason, now)
	if err != nil {
		return fmt.Errorf("record promotion %s: %w", fingerprint, err)
	}
	return tx.Commit()
}

// LedgerStats summarizes ledger state for the stats command.
type LedgerStats struct {
	Total             int            `json:"total_candidates"`
	ByStatus          map[string]int `json:"by_status"`
	MultiRepo         int            `json:"multi_repo"`
	PromotionEligible int            `json:"promotion_eligible"`
	ActiveLastWeek    int            `json:"active_last_7_days"`
	TotalPromotions   int            `json:"total_promotions"`
}

// Stats computes summary counts over the ledger.
func (s *LedgerStore) Stats(ctx context.Context, promotionThreshold int) (*LedgerStats, error) {
	stats := &LedgerStats{ByStatus: make(map[string]int)}

	if err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM candidates").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count candidates: %w", err)
	}

	rows, err := s.QueryContext(ctx, "SELECT status, COUNT(*) FROM candidates GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	err = s.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM candidates WHERE json_array_length(repo_ids) >= 2").Scan(&stats.MultiRepo)
	if err != nil {
		return nil, fmt.Errorf("count multi-repo candidates: %w", err)
	}

	err = s.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM candidates
		WHERE status != 'promoted' AND json_array_length(repo_ids) >= ?`,
		promotionThreshold).Scan(&stats.PromotionEligible)
	if err != nil {
		return nil, fmt.Errorf("count promotion-eligible candidates: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -7).Format(time.RFC3339)
	err = s.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM candidates WHERE last_seen >= ?", cutoff).Scan(&stats.ActiveLastWeek)
	if err != nil {
		return nil, fmt.Errorf("count recent candidates: %w", err)
	}

	err = s.QueryRowContext(ctx, "SELECT COUNT(*) FROM promotions").Scan(&stats.TotalPromotions)
	if err != nil {
		return nil, fmt.Errorf("count promotions: %w", err)
	}
	return stats, nil
}

// Search returns entries whose text matches the query.
func (s *LedgerStore) Search(ctx context.Context, query string, limit int) ([]*models.LedgerEntry, error) {
	like := "%" + query + "%"
	rows, err := s.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM candidates
		WHERE normalized_text LIKE ? OR title LIKE ? OR trigger_condition LIKE ? OR action LIKE ?
		ORDER BY last_seen DESC
		LIMIT ?`, like, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLedgerEntries(rows)
}

// History returns the most recently observed entries.
func (s *LedgerStore) History(ctx context.Context, limit int) ([]*models.LedgerEntry, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM candidates
		ORDER BY last_seen DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLedgerEntries(rows)
}

// Promotions returns the most recent promotion log entries.
func (s *LedgerStore) Promotions(ctx context.Context, limit int) ([]models.Promotion, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, fingerprint, from_scope, to_scope, reason, promoted_at
		FROM promotions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Promotion
	for rows.Next() {
		var p models.Promotion
		var from, to, promotedAt string
		if err := rows.Scan(&p.ID, &p.Fingerprint, &from, &to, &p.Reason, &promotedAt); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		p.FromScope = models.Scope(from)
		p.ToScope = models.Scope(to)
		if t, err := time.Parse(time.RFC3339, promotedAt); err == nil {
			p.PromotedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CleanupRejected deletes rejected entries not seen for the given number of
// days. Returns the number of rows removed.
func (s *LedgerStore) CleanupRejected(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	res, err := s.ExecContext(ctx,
		"DELETE FROM candidates WHERE status = 'rejected' AND last_seen < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup rejected candidates: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	var (
		entry        models.LedgerEntry
		candType     string
		scope        string
		status       string
		evidenceJSON string
		firstSeen    string
		lastSeen     string
		promotedAt   sql.NullString
	)
	err := row.Scan(
		&entry.Fingerprint, &entry.NormalizedText, &entry.Title, &candType,
		&entry.Trigger, &entry.Action, &scope, &entry.RepoIDs, &evidenceJSON,
		&entry.Confidence, &entry.Count, &status, &firstSeen, &lastSeen, &promotedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.CandidateType = models.CandidateType(candType)
	entry.Scope = models.Scope(scope)
	entry.Status = models.CandidateStatus(status)

	if evidenceJSON != "" {
		if err := json.Unmarshal([]byte(evidenceJSON), &entry.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence for %s: %w", entry.Fingerprint, err)
		}
	}
	if t, err := time.Parse(time.RFC3339, firstSeen); err == nil {
		entry.FirstSeen = t
	}
	if t, err := time.Parse(time.RFC3339, lastSeen); err == nil {
		entry.LastSeen = t
	}
	if promotedAt.Valid {
		if t, err := time.Parse(time.RFC3339, promotedAt.String); err == nil {
			entry.PromotedAt = &t
		}
	}
	return &entry, nil
}

func scanLedgerEntries(rows *sql.Rows) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
