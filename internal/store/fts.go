package store

import (
	"fmt"
	"strings"

	"github.com/knowkeep/knowkeep/internal/logging"
)

// createFTS builds the external-content FTS5 table over entries plus the
// sync triggers. Errors bubble up so callers can degrade gracefully when
// FTS5 isn't compiled in.
func (s *Store) createFTS(q dbtx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS entry_fts USING fts5(
			subject,
			content,
			content=entries,
			content_rowid=rowid
		)`,
		`INSERT INTO entry_fts(rowid, subject, content)
			SELECT rowid, subject, content FROM entries
			WHERE rowid NOT IN (SELECT rowid FROM entry_fts)`,
	}
	for _, stmt := range stmts {
		if _, err := q.Exec(stmt); err != nil {
			return err
		}
	}
	if err := s.createFTSTriggers(q); err != nil {
		return err
	}
	s.ftsAvailable = true
	return nil
}

func (s *Store) createFTSTriggers(q dbtx) error {
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS entries_fts_ai AFTER INSERT ON entries BEGIN
			INSERT INTO entry_fts(rowid, subject, content) VALUES (NEW.rowid, NEW.subject, NEW.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS entries_fts_au AFTER UPDATE OF subject, content ON entries BEGIN
			INSERT INTO entry_fts(entry_fts, rowid, subject, content) VALUES ('delete', OLD.rowid, OLD.subject, OLD.content);
			INSERT INTO entry_fts(rowid, subject, content) VALUES (NEW.rowid, NEW.subject, NEW.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS entries_fts_ad AFTER DELETE ON entries BEGIN
			INSERT INTO entry_fts(entry_fts, rowid, subject, content) VALUES ('delete', OLD.rowid, OLD.subject, OLD.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := q.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// DropFTSTriggers removes the sync triggers so bulk writes skip FTS write
// amplification. The table itself stays; RebuildFTS refills it.
func (s *Store) DropFTSTriggers() error {
	for _, trig := range []string{"entries_fts_ai", "entries_fts_au", "entries_fts_ad"} {
		if _, err := s.db.Exec(`DROP TRIGGER IF EXISTS ` + trig); err != nil {
			return fmt.Errorf("failed to drop trigger %s: %w", trig, err)
		}
	}
	return nil
}

// RebuildFTS drops and recreates the FTS table, triggers, and contents.
// No-op when FTS5 is unavailable.
func (s *Store) RebuildFTS() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS entry_fts`); err != nil {
		// Table may not exist in non-FTS builds; only real failures matter.
		logging.Debug("store", "fts drop: %v", err)
	}
	if err := s.createFTS(s.db); err != nil {
		s.ftsAvailable = false
		return err
	}
	return nil
}

// SearchContent runs an FTS MATCH over active entries, falling back to a
// LIKE scan when FTS5 is unavailable. Used by the CLI, not the engines.
func (s *Store) SearchContent(query string, limit int) ([]string, error) {
	if s.ftsAvailable {
		rows, err := s.db.Query(`
			SELECT e.id FROM entry_fts f
			JOIN entries e ON e.rowid = f.rowid
			WHERE entry_fts MATCH ? AND e.superseded_by IS NULL
			ORDER BY rank LIMIT ?`, query, limit)
		if err == nil {
			defer rows.Close()
			var ids []string
			for rows.Next() {
				var id string
				if rows.Scan(&id) == nil {
					ids = append(ids, id)
				}
			}
			if rows.Err() == nil {
				return ids, nil
			}
		}
	}

	// Fallback: LIKE scan on the first query term.
	term := query
	if i := strings.IndexByte(term, ' '); i > 0 {
		term = term[:i]
	}
	rows, err := s.db.Query(`SELECT id FROM entries
		WHERE superseded_by IS NULL AND (content LIKE ? OR subject LIKE ?)
		LIMIT ?`, "%"+term+"%", "%"+term+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// ftsExists reports whether the entry_fts table is present.
func (s *Store) ftsExists() bool {
	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'entry_fts'`).Scan(&name)
	return err == nil
}
