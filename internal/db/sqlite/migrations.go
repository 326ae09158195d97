package sqlite

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration represents one schema migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// EventMigrations is the schema history for the events database.
var EventMigrations = []Migration{
	{
		Version: 1,
		Name:    "events_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				timestamp TEXT NOT NULL,
				timestamp_epoch INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				signal_type TEXT NOT NULL,
				repo_id TEXT NOT NULL DEFAULT '',
				confidence REAL NOT NULL DEFAULT 0,
				content TEXT NOT NULL,
				context TEXT,
				processed INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_events_processed ON events(processed);
			CREATE INDEX IF NOT EXISTS idx_events_signal_type ON events(signal_type);
			CREATE INDEX IF NOT EXISTS idx_events_repo ON events(repo_id);
			CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_epoch);
		`,
	},
}

// LedgerMigrations is the schema history for the ledger database.
var LedgerMigrations = []Migration{
	{
		Version: 1,
		Name:    "candidates_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS candidates (
				fingerprint TEXT PRIMARY KEY,
				normalized_text TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				candidate_type TEXT NOT NULL DEFAULT 'rule',
				trigger_condition TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL DEFAULT '',
				current_scope TEXT NOT NULL DEFAULT 'project' CHECK(current_scope IN ('project', 'global')),
				repo_ids TEXT NOT NULL DEFAULT '[]',
				evidence TEXT NOT NULL DEFAULT '[]',
				confidence REAL NOT NULL DEFAULT 0,
				count INTEGER NOT NULL DEFAULT 1,
				status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'approved', 'rejected', 'promoted')),
				first_seen TEXT NOT NULL,
				last_seen TEXT NOT NULL,
				promoted_at TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates(status);
			CREATE INDEX IF NOT EXISTS idx_candidates_scope ON candidates(current_scope);
			CREATE INDEX IF NOT EXISTS idx_candidates_type ON candidates(candidate_type);
		`,
	},
	{
		Version: 2,
		Name:    "promotions_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS promotions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				fingerprint TEXT NOT NULL,
				from_scope TEXT NOT NULL,
				to_scope TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				promoted_at TEXT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_promotions_fingerprint ON promotions(fingerprint);
		`,
	},
}

// MigrationManager applies pending migrations in version order.
type MigrationManager struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrationManager creates a manager for one migration set.
func NewMigrationManager(db *sql.DB, migrations []Migration) *MigrationManager {
	return &MigrationManager{db: db, migrations: migrations}
}

// EnsureSchemaVersionsTable creates the schema_versions table if missing.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns the set of applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ApplyMigration runs one migration inside a transaction.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		migration.Version, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}
	return tx.Commit()
}

// RunMigrations applies all pending migrations.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	pending := make([]Migration, 0, len(m.migrations))
	for _, mig := range m.migrations {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, mig := range pending {
		if err := m.ApplyMigration(mig); err != nil {
			return err
		}
	}
	return nil
}
