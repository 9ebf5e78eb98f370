package store

import (
	"database/sql"
	"fmt"

	"github.com/knowkeep/knowkeep/internal/logging"
)

// Bulk-ingest phases, recorded in the meta table so an interrupted run can
// be replayed at startup.
const (
	bulkMetaKey         = "bulk_ingest_phase"
	bulkPhaseWriting    = "writing"
	bulkPhaseRebuildVec = "rebuilding_vector"
)

// BulkIngestPhase returns the current bulk-ingest phase, or "" when no bulk
// ingest is in flight.
func (s *Store) BulkIngestPhase() (string, error) {
	var phase string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, bulkMetaKey).Scan(&phase)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return phase, err
}

func (s *Store) setBulkPhase(phase string) error {
	if phase == "" {
		_, err := s.db.Exec(`DELETE FROM meta WHERE key = ?`, bulkMetaKey)
		return err
	}
	_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, bulkMetaKey, phase)
	return err
}

// BeginBulk prepares the store for high-volume writes: the FTS triggers and
// vector index are dropped so inserts don't pay per-row index maintenance,
// and the phase flag is stamped so a crash mid-ingest is recoverable.
func (s *Store) BeginBulk() error {
	if s.ftsAvailable {
		if err := s.DropFTSTriggers(); err != nil {
			return fmt.Errorf("bulk begin: %w", err)
		}
	}
	if err := s.DropVectorIndex(); err != nil {
		return fmt.Errorf("bulk begin: %w", err)
	}
	if err := s.setBulkPhase(bulkPhaseWriting); err != nil {
		return fmt.Errorf("bulk begin: %w", err)
	}
	s.bulkWriting = true
	return nil
}

// FinishBulk rebuilds the indexes dropped by BeginBulk and clears the phase
// flag. The vector rebuild is stamped as its own phase first, so a crash
// between the FTS and vector rebuilds replays only the vector step.
func (s *Store) FinishBulk() error {
	s.bulkWriting = false
	if s.ftsAvailable {
		if err := s.RebuildFTS(); err != nil {
			logging.Warn("store", "bulk finish: FTS rebuild failed: %v", err)
		}
	}
	if err := s.setBulkPhase(bulkPhaseRebuildVec); err != nil {
		return fmt.Errorf("bulk finish: %w", err)
	}
	if _, err := s.RebuildVectorIndex(); err != nil {
		return fmt.Errorf("bulk finish: vector rebuild: %w", err)
	}
	return s.setBulkPhase("")
}

// RecoverBulkIngest checks for an interrupted bulk ingest and replays the
// missing rebuild steps. Idempotent; safe to call on every startup of a
// bulk-aware entry point. Returns true if recovery ran.
func (s *Store) RecoverBulkIngest() (bool, error) {
	phase, err := s.BulkIngestPhase()
	if err != nil {
		return false, err
	}
	switch phase {
	case "":
		return false, nil
	case bulkPhaseWriting:
		logging.Warn("store", "interrupted bulk ingest detected (phase=%s), rebuilding indexes", phase)
		return true, s.FinishBulk()
	case bulkPhaseRebuildVec:
		logging.Warn("store", "interrupted bulk ingest detected (phase=%s), rebuilding vector index", phase)
		if _, err := s.RebuildVectorIndex(); err != nil {
			return true, fmt.Errorf("bulk recovery: %w", err)
		}
		return true, s.setBulkPhase("")
	default:
		logging.Warn("store", "unknown bulk ingest phase %q, clearing", phase)
		return true, s.setBulkPhase("")
	}
}
