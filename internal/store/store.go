// Package store is the WAL-journaled SQLite store for knowledge entries:
// schema and migrations, active-entry views, typed relations, provenance
// rows, the conflict audit log, the FTS5 and sqlite-vec indexes, and the
// backup/bulk-ingest machinery the consolidation engine relies on.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/knowkeep/knowkeep/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// Store wraps the SQLite database for the knowledge store. Single active
// writer per database file; overlapping writers get an advisory warning via
// the lock file, not an error.
type Store struct {
	db   *sql.DB
	path string

	vecAvailable bool
	vecDim       int // embedding dimension of entry_vec (0 = not yet created)
	ftsAvailable bool
	bulkWriting  bool // true between BeginBulk and FinishBulk; suppresses per-row vec upserts

	lockPath string
}

// dbtx is the subset of *sql.DB and *sql.Tx the store helpers need, so each
// write helper can run standalone or inside a caller-owned transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Open opens or creates the knowledge database at dir/knowledge.db.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "knowledge.db")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: dbPath, lockPath: dbPath + ".lock"}
	s.warnOverlappingWriter()

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Probe optional extensions. Both have full-scan fallbacks.
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("store", "sqlite-vec not available: %v — falling back to full scan", err)
	} else {
		logging.Debug("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.initVecTableFromEntries(); err != nil {
			logging.Warn("store", "vec init: %v", err)
		}
	}
	s.ftsAvailable = s.ftsExists()

	return s, nil
}

// Close closes the database and releases the advisory lock file.
func (s *Store) Close() error {
	os.Remove(s.lockPath)
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for callers that manage their own
// transactions (rules runner, merge engine).
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// warnOverlappingWriter writes an advisory pid lock file and logs a warning
// if one already exists. This is single-writer software; the lock is a
// tripwire, not an enforcement mechanism.
func (s *Store) warnOverlappingWriter() {
	if data, err := os.ReadFile(s.lockPath); err == nil {
		pid, _ := strconv.Atoi(string(data))
		if pid > 0 && pid != os.Getpid() && processAlive(pid) {
			logging.Warn("store", "lock file %s held by running pid %d — overlapping writers risk corruption", s.lockPath, pid)
		}
	}
	os.WriteFile(s.lockPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without sending anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stats returns row counts per table for the CLI stats command.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	tables := []string{"entries", "entry_sources", "relations", "conflict_log"}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	var active int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE superseded_by IS NULL").Scan(&active); err != nil {
		return nil, err
	}
	stats["active_entries"] = active
	return stats, nil
}

// migrate creates the base schema and applies incremental migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		subject TEXT DEFAULT '',
		content TEXT NOT NULL,
		importance INTEGER DEFAULT 5,
		expiry TEXT DEFAULT 'permanent',
		tags TEXT,
		embedding BLOB,
		content_hash TEXT DEFAULT '',
		norm_content_hash TEXT DEFAULT '',
		minhash_sig BLOB,
		subject_entity TEXT DEFAULT '',
		subject_attribute TEXT DEFAULT '',
		subject_key TEXT DEFAULT '',
		claim_predicate TEXT DEFAULT '',
		claim_object TEXT DEFAULT '',
		claim_confidence REAL DEFAULT 0,
		confirmations INTEGER DEFAULT 1,
		recall_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		superseded_by TEXT REFERENCES entries(id),
		merged_from INTEGER DEFAULT 0,
		consolidated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_entries_superseded ON entries(superseded_by);
	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
	CREATE INDEX IF NOT EXISTS idx_entries_subject_key ON entries(subject_key);
	CREATE INDEX IF NOT EXISTS idx_entries_content_hash ON entries(content_hash);
	CREATE INDEX IF NOT EXISTS idx_entries_norm_hash ON entries(norm_content_hash);
	CREATE INDEX IF NOT EXISTS idx_entries_updated ON entries(updated_at);

	-- Append-only provenance: one row per absorbed source
	CREATE TABLE IF NOT EXISTS entry_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		confirmations INTEGER DEFAULT 0,
		recall_count INTEGER DEFAULT 0,
		source_created_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (entry_id) REFERENCES entries(id),
		FOREIGN KEY (source_id) REFERENCES entries(id)
	);

	CREATE INDEX IF NOT EXISTS idx_entry_sources_entry ON entry_sources(entry_id);

	-- Typed edges between entries. supersedes edges mirror superseded_by
	-- and are never pruned.
	CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (from_id) REFERENCES entries(id),
		FOREIGN KEY (to_id) REFERENCES entries(id),
		UNIQUE(from_id, to_id, relation_type)
	);

	CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_id);
	CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);
	CREATE INDEX IF NOT EXISTS idx_relations_type ON relations(relation_type);

	-- Append-only conflict audit trail
	CREATE TABLE IF NOT EXISTS conflict_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_a TEXT NOT NULL,
		entry_b TEXT NOT NULL,
		relation TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		resolution TEXT NOT NULL,
		explanation TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_log_resolution ON conflict_log(resolution);

	-- Single-row metadata (bulk-ingest phase flag lives here)
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies incremental schema changes.
func (s *Store) runMigrations() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		version = 1
	}

	// Migration v2: FTS5 content index over active entries.
	// Skipped gracefully when FTS5 isn't compiled in; search falls back to scans.
	if version < 2 {
		if err := s.createFTS(s.db); err != nil {
			logging.Warn("store", "migration v2 (FTS5 may be unavailable): %v", err)
		}
		s.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	}

	return nil
}
