package store

import (
	"fmt"
	"time"

	"github.com/knowkeep/knowkeep/internal/memory"
)

// AddRelation inserts a typed edge. Duplicate edges are ignored.
func (s *Store) AddRelation(fromID, toID string, relType memory.RelationType) error {
	return s.AddRelationTx(s.db, fromID, toID, relType)
}

// AddRelationTx is AddRelation against a caller-owned transaction.
func (s *Store) AddRelationTx(q dbtx, fromID, toID string, relType memory.RelationType) error {
	_, err := q.Exec(`INSERT OR IGNORE INTO relations (from_id, to_id, relation_type) VALUES (?, ?, ?)`,
		fromID, toID, string(relType))
	if err != nil {
		return fmt.Errorf("failed to add %s relation %s->%s: %w", relType, fromID, toID, err)
	}
	return nil
}

// RelationsFor returns all edges touching an entry, in either direction.
func (s *Store) RelationsFor(id string) ([]memory.Relation, error) {
	rows, err := s.db.Query(`SELECT id, from_id, to_id, relation_type, created_at FROM relations
		WHERE from_id = ? OR to_id = ? ORDER BY id`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []memory.Relation
	for rows.Next() {
		var r memory.Relation
		var relType string
		if err := rows.Scan(&r.ID, &r.FromID, &r.ToID, &relType, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = memory.RelationType(relType)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// CountRelations returns the number of edges of the given type ("" = all).
func (s *Store) CountRelations(relType memory.RelationType) (int, error) {
	var n int
	var err error
	if relType == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM relations`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM relations WHERE relation_type = ?`, string(relType)).Scan(&n)
	}
	return n, err
}

// DeleteOrphanRelations removes non-supersedes edges where either endpoint
// is no longer active. Supersedes edges are the audit trail and are always
// preserved. Returns the number of edges deleted.
func (s *Store) DeleteOrphanRelations(q dbtx) (int, error) {
	res, err := q.Exec(`DELETE FROM relations
		WHERE relation_type != ?
		AND (from_id IN (SELECT id FROM entries WHERE superseded_by IS NOT NULL)
		  OR to_id   IN (SELECT id FROM entries WHERE superseded_by IS NOT NULL))`,
		string(memory.RelSupersedes))
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan relations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AddEntrySource appends one provenance row for an absorbed source.
func (s *Store) AddEntrySource(q dbtx, src *memory.EntrySource) error {
	res, err := q.Exec(`INSERT INTO entry_sources (entry_id, source_id, confirmations, recall_count, source_created_at)
		VALUES (?, ?, ?, ?, ?)`,
		src.EntryID, src.SourceID, src.Confirmations, src.RecallCount, src.SourceCreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add entry source %s<-%s: %w", src.EntryID, src.SourceID, err)
	}
	src.ID, _ = res.LastInsertId()
	return nil
}

// EntrySources lists the provenance rows for a keeper entry.
func (s *Store) EntrySources(entryID string) ([]memory.EntrySource, error) {
	rows, err := s.db.Query(`SELECT id, entry_id, source_id, confirmations, recall_count, source_created_at, created_at
		FROM entry_sources WHERE entry_id = ? ORDER BY id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []memory.EntrySource
	for rows.Next() {
		var src memory.EntrySource
		if err := rows.Scan(&src.ID, &src.EntryID, &src.SourceID, &src.Confirmations, &src.RecallCount, &src.SourceCreatedAt, &src.CreatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// LogConflict appends one row to the conflict audit trail.
func (s *Store) LogConflict(q dbtx, row *memory.ConflictLogRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	res, err := q.Exec(`INSERT INTO conflict_log (entry_a, entry_b, relation, confidence, resolution, explanation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.EntryA, row.EntryB, row.Relation, row.Confidence, row.Resolution, row.Explanation, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log conflict %s/%s: %w", row.EntryA, row.EntryB, err)
	}
	row.ID, _ = res.LastInsertId()
	return nil
}

// Conflicts lists audit rows, optionally filtered by resolution ("" = all).
func (s *Store) Conflicts(resolution string) ([]memory.ConflictLogRow, error) {
	query := `SELECT id, entry_a, entry_b, relation, confidence, resolution, explanation, created_at FROM conflict_log`
	var args []any
	if resolution != "" {
		query += ` WHERE resolution = ?`
		args = append(args, resolution)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.ConflictLogRow
	for rows.Next() {
		var row memory.ConflictLogRow
		if err := rows.Scan(&row.ID, &row.EntryA, &row.EntryB, &row.Relation, &row.Confidence, &row.Resolution, &row.Explanation, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
