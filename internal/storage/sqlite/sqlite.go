// Package sqlite implements storage.Store on a single SQLite file for
// single-node deployments.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements the storage.Store interface using SQLite
type Store struct {
	db             *sql.DB
	costStore      *costStore
	lifecycleStore *lifecycleStore
	searchStore    *searchStore
}

// Open creates a new database connection and runs migrations
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite limitation
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:             db,
		costStore:      &costStore{db: db},
		lifecycleStore: &lifecycleStore{db: db},
		searchStore:    &searchStore{db: db, now: time.Now},
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Costs returns the CostStore implementation
func (s *Store) Costs() storage.CostStore {
	return s.costStore
}

// Lifecycle returns the LifecycleStore implementation
func (s *Store) Lifecycle() storage.LifecycleStore {
	return s.lifecycleStore
}

// Searches returns the SearchStore implementation
func (s *Store) Searches() storage.SearchStore {
	return s.searchStore
}

// runMigrations applies all database migrations
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migration); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// migrations are applied in order; never edit an applied entry.
var migrations = []string{
	migration001CostRecords,
	migration002LifecycleEvents,
	migration003Searches,
	migration004Results,
}

// Timestamps are stored as Unix microseconds.
const migration001CostRecords = `
CREATE TABLE IF NOT EXISTS cost_records (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	kind TEXT NOT NULL, -- creation, usage or lifecycle
	duration_ns INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL,
	result_count INTEGER NOT NULL DEFAULT 0,
	ts INTEGER NOT NULL
);

CREATE INDEX idx_cost_records_ts ON cost_records(ts);
CREATE INDEX idx_cost_records_platform_ts ON cost_records(platform, ts);
`

const migration002LifecycleEvents = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	event TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	age_ns INTEGER NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	ts INTEGER NOT NULL
);

CREATE INDEX idx_lifecycle_events_ts ON lifecycle_events(ts);
CREATE INDEX idx_lifecycle_events_session ON lifecycle_events(session_id, ts);
`

const migration003Searches = `
CREATE TABLE IF NOT EXISTS searches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cache_key TEXT NOT NULL,
	platform TEXT NOT NULL,
	destination TEXT NOT NULL,
	check_in INTEGER NOT NULL,
	check_out INTEGER NOT NULL,
	guests INTEGER NOT NULL DEFAULT 0,
	result_count INTEGER NOT NULL DEFAULT 0,
	ts INTEGER NOT NULL
);

CREATE INDEX idx_searches_platform_ts ON searches(platform, ts);
`

const migration004Results = `
CREATE TABLE IF NOT EXISTS results (
	cache_key TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	payload BLOB NOT NULL,
	result_count INTEGER NOT NULL DEFAULT 0,
	stored_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0 -- 0 = never
);

CREATE INDEX idx_results_expires ON results(expires_at);
`

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
