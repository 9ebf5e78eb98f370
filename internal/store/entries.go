package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
)

const entryColumns = `id, type, subject, content, importance, expiry, tags, embedding,
	content_hash, norm_content_hash, minhash_sig,
	subject_entity, subject_attribute, subject_key,
	claim_predicate, claim_object, claim_confidence,
	confirmations, recall_count, created_at, updated_at,
	superseded_by, merged_from, consolidated_at`

// AddEntry inserts a new entry. Timestamps default to now when unset.
func (s *Store) AddEntry(e *memory.Entry) error {
	if err := s.EnsureVecIndex(len(e.Embedding)); err != nil {
		logging.Warn("store", "vec index create: %v", err)
	}
	return s.AddEntryTx(s.db, e)
}

// AddEntryTx is AddEntry against a caller-owned transaction.
func (s *Store) AddEntryTx(q dbtx, e *memory.Entry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}

	tags, _ := json.Marshal(e.Tags)
	var emb []byte
	if len(e.Embedding) > 0 {
		emb, _ = json.Marshal(e.Embedding)
	}
	var sig []byte
	if len(e.MinHashSig) > 0 {
		sig, _ = json.Marshal(e.MinHashSig)
	}

	_, err := q.Exec(`
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Subject, e.Content, e.Importance, string(e.Expiry), string(tags), emb,
		e.ContentHash, e.NormContentHash, sig,
		e.SubjectEntity, e.SubjectAttribute, e.SubjectKey,
		e.ClaimPredicate, e.ClaimObject, e.ClaimConfidence,
		e.Confirmations, e.RecallCount, e.CreatedAt, e.UpdatedAt,
		nullable(e.SupersededBy), e.MergedFrom, e.ConsolidatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert entry %s: %w", e.ID, err)
	}

	if len(e.Embedding) > 0 {
		s.upsertVec(q, e.ID, e.Embedding)
	}
	return nil
}

// GetEntry fetches one entry by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetEntry(id string) (*memory.Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	return scanEntry(row)
}

// ActiveEntries returns all active entries, optionally filtered by type.
// Superseded and expired entries never appear here.
func (s *Store) ActiveEntries(entryType memory.EntryType) ([]*memory.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE superseded_by IS NULL`
	var args []any
	if entryType != "" {
		query += ` AND type = ?`
		args = append(args, string(entryType))
	}
	query += ` ORDER BY created_at`
	return s.queryEntries(query, args...)
}

// ActiveEmbeddedEntries returns active entries that carry an embedding —
// the candidate pool for clustering.
func (s *Store) ActiveEmbeddedEntries(entryType memory.EntryType) ([]*memory.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries
		WHERE superseded_by IS NULL AND embedding IS NOT NULL`
	var args []any
	if entryType != "" {
		query += ` AND type = ?`
		args = append(args, string(entryType))
	}
	query += ` ORDER BY created_at`
	return s.queryEntries(query, args...)
}

// ActiveBySubjectKey returns active entries sharing a subject key,
// excluding the given id. Used by the contradiction detector.
func (s *Store) ActiveBySubjectKey(subjectKey, excludeID string) ([]*memory.Entry, error) {
	if subjectKey == "" {
		return nil, nil
	}
	return s.queryEntries(`SELECT `+entryColumns+` FROM entries
		WHERE superseded_by IS NULL AND subject_key = ? AND id != ?
		ORDER BY created_at`, subjectKey, excludeID)
}

// CountActive returns the number of active entries.
func (s *Store) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE superseded_by IS NULL`).Scan(&n)
	return n, err
}

// BumpConfirmations increments an entry's confirmation count (SKIP outcome).
func (s *Store) BumpConfirmations(q dbtx, id string) error {
	res, err := q.Exec(`UPDATE entries SET confirmations = confirmations + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to bump confirmations for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bump confirmations: entry %s not found", id)
	}
	return nil
}

// UpdateEntryContent overwrites an entry's content and embedding and bumps
// its confirmations (UPDATE outcome). Hashes are recomputed by the caller
// and passed in so the store stays fingerprint-agnostic.
func (s *Store) UpdateEntryContent(q dbtx, id, content, contentHash, normHash string, sig []uint32, embedding []float64) error {
	var emb []byte
	if len(embedding) > 0 {
		emb, _ = json.Marshal(embedding)
	}
	var sigBytes []byte
	if len(sig) > 0 {
		sigBytes, _ = json.Marshal(sig)
	}
	res, err := q.Exec(`UPDATE entries SET content = ?, content_hash = ?, norm_content_hash = ?,
		minhash_sig = ?, embedding = ?, confirmations = confirmations + 1, updated_at = ?
		WHERE id = ?`,
		content, contentHash, normHash, sigBytes, emb, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update entry: %s not found", id)
	}
	if len(embedding) > 0 {
		s.upsertVec(q, id, embedding)
	}
	return nil
}

// Supersede points old at new via superseded_by and mirrors the edge as a
// supersedes relation (new -> old). Only old->new pointers are written, so
// the supersession graph stays acyclic.
func (s *Store) Supersede(q dbtx, oldID, newID string) error {
	res, err := q.Exec(`UPDATE entries SET superseded_by = ?, updated_at = ? WHERE id = ?`,
		newID, time.Now().UTC(), oldID)
	if err != nil {
		return fmt.Errorf("failed to supersede %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("supersede: entry %s not found", oldID)
	}
	return s.AddRelationTx(q, newID, oldID, memory.RelSupersedes)
}

// MarkConsolidated stamps consolidated_at and merged_from on a merged entry.
func (s *Store) MarkConsolidated(q dbtx, id string, mergedFrom int) error {
	_, err := q.Exec(`UPDATE entries SET merged_from = ?, consolidated_at = ? WHERE id = ?`,
		mergedFrom, time.Now().UTC(), id)
	return err
}

// AbsorbCounters folds absorbed sources into a keeper after a rule merge:
// counter sums, the unioned tag set, and consolidation bookkeeping.
func (s *Store) AbsorbCounters(q dbtx, id string, addConfirmations, addRecalls int, tags []string, absorbed int) error {
	tagJSON, _ := json.Marshal(tags)
	res, err := q.Exec(`UPDATE entries SET confirmations = confirmations + ?, recall_count = recall_count + ?,
		tags = ?, merged_from = merged_from + ?, consolidated_at = ?, updated_at = ? WHERE id = ?`,
		addConfirmations, addRecalls, string(tagJSON), absorbed, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to absorb counters into %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("absorb counters: entry %s not found", id)
	}
	return nil
}

// EnsureExpiredSentinel creates the self-referential EXPIRED sentinel entry
// if it doesn't exist, so expired entries have something to point at.
func (s *Store) EnsureExpiredSentinel(q dbtx) error {
	var exists int
	if err := q.QueryRow(`SELECT COUNT(*) FROM entries WHERE id = ?`, memory.SentinelExpired).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := q.Exec(`INSERT INTO entries (id, type, subject, content, importance, expiry, confirmations, created_at, updated_at, superseded_by)
		VALUES (?, ?, 'system', 'Sentinel for expired entries', 1, ?, 0, ?, ?, ?)`,
		memory.SentinelExpired, string(memory.TypeFact), string(memory.TierCore), now, now, memory.SentinelExpired)
	if err != nil {
		return fmt.Errorf("failed to create expired sentinel: %w", err)
	}
	return nil
}

// FindByContentHash returns the id of an active entry with the given exact
// content hash, or "" if none.
func (s *Store) FindByContentHash(hash string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM entries WHERE superseded_by IS NULL AND content_hash = ? LIMIT 1`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// UpdateClaim stores the extracted structured claim on an entry. Best-effort
// metadata; a miss is not an error.
func (s *Store) UpdateClaim(q dbtx, id string, entity, attribute, key, predicate, object string, confidence float64) error {
	_, err := q.Exec(`UPDATE entries SET subject_entity = ?, subject_attribute = ?, subject_key = ?,
		claim_predicate = ?, claim_object = ?, claim_confidence = ? WHERE id = ?`,
		entity, attribute, key, predicate, object, confidence, id)
	return err
}

// FindByNormHash returns the id of an active entry with the given normalized
// content hash, or "" if none. Catches cosmetic duplicates the exact hash
// misses.
func (s *Store) FindByNormHash(hash string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM entries WHERE superseded_by IS NULL AND norm_content_hash = ? LIMIT 1`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (s *Store) queryEntries(query string, args ...any) ([]*memory.Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*memory.Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*memory.Entry, error) {
	return scanFrom(row)
}

func scanEntryRows(rows *sql.Rows) (*memory.Entry, error) {
	return scanFrom(rows)
}

func scanFrom(r rowScanner) (*memory.Entry, error) {
	var e memory.Entry
	var typ, expiry string
	var tags, emb, sig []byte
	var supersededBy sql.NullString
	var consolidatedAt sql.NullTime
	err := r.Scan(&e.ID, &typ, &e.Subject, &e.Content, &e.Importance, &expiry, &tags, &emb,
		&e.ContentHash, &e.NormContentHash, &sig,
		&e.SubjectEntity, &e.SubjectAttribute, &e.SubjectKey,
		&e.ClaimPredicate, &e.ClaimObject, &e.ClaimConfidence,
		&e.Confirmations, &e.RecallCount, &e.CreatedAt, &e.UpdatedAt,
		&supersededBy, &e.MergedFrom, &consolidatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = memory.EntryType(typ)
	e.Expiry = memory.ExpiryTier(expiry)
	if len(tags) > 0 {
		json.Unmarshal(tags, &e.Tags)
	}
	if len(emb) > 0 {
		json.Unmarshal(emb, &e.Embedding)
	}
	if len(sig) > 0 {
		json.Unmarshal(sig, &e.MinHashSig)
	}
	if supersededBy.Valid {
		e.SupersededBy = supersededBy.String
	}
	if consolidatedAt.Valid {
		t := consolidatedAt.Time
		e.ConsolidatedAt = &t
	}
	return &e, nil
}

// nullable maps "" to NULL for the superseded_by column.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
