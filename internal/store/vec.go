package store

import (
	"encoding/json"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
)

// SimilarEntry is one nearest-neighbor result.
type SimilarEntry struct {
	Entry      *memory.Entry
	Similarity float64
}

// FindSimilar returns the top-K active entries nearest the query embedding,
// most similar first. Uses the vec0 ANN index when available, otherwise a
// Go-side scan over active embedded entries.
func (s *Store) FindSimilar(queryEmb []float64, limit int) ([]SimilarEntry, error) {
	if len(queryEmb) == 0 || limit <= 0 {
		return nil, nil
	}
	if s.vecAvailable && s.vecDim == len(queryEmb) {
		results, err := s.findSimilarVec(queryEmb, limit)
		if err == nil {
			return results, nil
		}
		logging.Warn("store", "vec KNN failed, falling back to scan: %v", err)
	}
	return s.findSimilarScan(queryEmb, limit)
}

// findSimilarVec runs a KNN MATCH query against the vec0 index. The index
// may contain stale rows for superseded entries; over-fetch and filter.
func (s *Store) findSimilarVec(queryEmb []float64, limit int) ([]SimilarEntry, error) {
	query32 := normalizeFloat32(float64ToFloat32(queryEmb))
	serialized, err := sqlite_vec.SerializeFloat32(query32)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT v.entry_id, v.distance
		FROM entry_vec v
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, serialized, limit*2)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.dist); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]SimilarEntry, 0, limit)
	for _, h := range hits {
		e, err := s.GetEntry(h.id)
		if err != nil || !e.Active() {
			continue
		}
		results = append(results, SimilarEntry{Entry: e, Similarity: l2ToCosineSim(h.dist)})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// findSimilarScan is the O(n) fallback: cosine against every active
// embedded entry.
func (s *Store) findSimilarScan(queryEmb []float64, limit int) ([]SimilarEntry, error) {
	entries, err := s.ActiveEmbeddedEntries("")
	if err != nil {
		return nil, err
	}

	var results []SimilarEntry
	for _, e := range entries {
		sim := fingerprint.Cosine(queryEmb, e.Embedding)
		if sim <= 0 {
			continue
		}
		results = append(results, SimilarEntry{Entry: e, Similarity: sim})
	}
	// Insertion sort into top-limit; candidate pools are modest.
	sortBySimilarity(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func sortBySimilarity(results []SimilarEntry) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// upsertVec writes an entry's embedding into the vec0 index. Best-effort:
// failures are logged, never returned, since the scan fallback keeps search
// correct without the index.
func (s *Store) upsertVec(q dbtx, entryID string, embedding []float64) {
	if !s.vecAvailable || s.bulkWriting {
		return
	}
	if s.vecDim == 0 {
		// The index doesn't exist yet and cannot be created here: q may be
		// an open write transaction, and the CREATE VIRTUAL TABLE would run
		// on another pooled connection that blocks against its lock. Callers
		// create the index via EnsureVecIndex before opening the tx;
		// anything missed is picked up by the next RebuildVectorIndex.
		logging.Debug("store", "vec index absent, %s not indexed", entryID)
		return
	}
	if s.vecDim != len(embedding) {
		logging.Warn("store", "embedding dim %d != vec index dim %d for %s — not indexed", len(embedding), s.vecDim, entryID)
		return
	}

	var rowid int64
	if err := q.QueryRow(`SELECT rowid FROM entries WHERE id = ?`, entryID).Scan(&rowid); err != nil {
		return
	}
	emb32 := normalizeFloat32(float64ToFloat32(embedding))
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return
	}
	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
	q.Exec(`DELETE FROM entry_vec WHERE rowid = ?`, rowid)
	if _, err := q.Exec(`INSERT INTO entry_vec(rowid, embedding, entry_id) VALUES (?, ?, ?)`, rowid, serialized, entryID); err != nil {
		logging.Warn("store", "vec upsert failed for %s: %v", entryID, err)
	}
}

// EnsureVecIndex creates the vec0 index for the given embedding dimension
// if it doesn't exist yet. Must be called outside any open transaction; the
// DDL runs on its own pooled connection and would stall against a held
// write lock. No-op when sqlite-vec is unavailable or dim is zero.
func (s *Store) EnsureVecIndex(dim int) error {
	if !s.vecAvailable || dim <= 0 {
		return nil
	}
	return s.ensureVecTable(dim)
}

// ensureVecTable creates the entry_vec virtual table for the given
// dimension. Idempotent for the same dim; a mismatched dim is an error.
//
// Schema uses integer rowid (from the entries table) + auxiliary +entry_id,
// avoiding vec0's TEXT PRIMARY KEY partitioning behaviour which breaks KNN.
func (s *Store) ensureVecTable(dim int) error {
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entry_vec USING vec0(
			embedding float[%d],
			+entry_id TEXT
		)`, dim))
	if err != nil {
		return fmt.Errorf("failed to create entry_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim
	return nil
}

// initVecTableFromEntries restores vecDim from existing data after a
// restart. No-op when no embedded entries exist yet.
func (s *Store) initVecTableFromEntries() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM entries WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no embedded entries yet; defer to first AddEntry
	}
	var emb []float64
	if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
		return nil
	}
	if err := s.ensureVecTable(len(emb)); err != nil {
		return err
	}
	// If the index is empty but entries exist (e.g. interrupted bulk
	// ingest cleared it), leave rebuilding to RebuildVectorIndex.
	return nil
}

// RebuildVectorIndex drops and refills the vec0 index from active entries.
// Returns the number of entries indexed. No-op (0, nil) when sqlite-vec is
// unavailable.
func (s *Store) RebuildVectorIndex() (int, error) {
	if !s.vecAvailable {
		return 0, nil
	}

	if _, err := s.db.Exec(`DROP TABLE IF EXISTS entry_vec`); err != nil {
		return 0, fmt.Errorf("failed to drop entry_vec: %w", err)
	}
	s.vecDim = 0

	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM entries
		WHERE superseded_by IS NULL AND embedding IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	count := 0
	for rows.Next() {
		var rowid int64
		var id string
		var embBytes []byte
		if err := rows.Scan(&rowid, &id, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
			continue
		}
		if s.vecDim == 0 {
			if err := s.ensureVecTable(len(emb)); err != nil {
				tx.Rollback()
				return 0, err
			}
		}
		if len(emb) != s.vecDim {
			continue
		}
		emb32 := normalizeFloat32(float64ToFloat32(emb))
		serialized, serErr := sqlite_vec.SerializeFloat32(emb32)
		if serErr != nil {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO entry_vec(rowid, embedding, entry_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			logging.Warn("store", "vec rebuild failed for %s: %v", id, err)
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("store", "vec rebuild: indexed %d entries (dim=%d)", count, s.vecDim)
	}
	return count, nil
}

// DropVectorIndex removes the vec0 index (bulk-ingest fast path).
func (s *Store) DropVectorIndex() error {
	if !s.vecAvailable {
		return nil
	}
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS entry_vec`); err != nil {
		return fmt.Errorf("failed to drop entry_vec: %w", err)
	}
	s.vecDim = 0
	return nil
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy. Normalizing before storing
// in vec0 makes L2 distance equivalent to cosine distance:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine
// similarity: cosine_sim = 1 - L2²/2.
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}
