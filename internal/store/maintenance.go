package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knowkeep/knowkeep/internal/logging"
)

const backupKeep = 3

// CheckpointWAL forces a full WAL checkpoint so the main database file is
// complete and the -wal file is truncated. Run before backups.
func (s *Store) CheckpointWAL() error {
	var busy, logFrames, checkpointed int
	err := s.db.QueryRow(`PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("wal checkpoint blocked by another connection")
	}
	return nil
}

// Backup checkpoints the WAL then copies the database file to a timestamped
// sibling. Returns the backup path.
func (s *Store) Backup() (string, error) {
	if err := s.CheckpointWAL(); err != nil {
		return "", err
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	backupPath := s.path + ".backup-" + stamp

	src, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	defer src.Close()

	tmp := backupPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("backup copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("backup close: %w", err)
	}
	if err := os.Rename(tmp, backupPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("backup rename: %w", err)
	}
	logging.Info("store", "backup written: %s", backupPath)
	return backupPath, nil
}

// PruneBackups removes all but the newest backupKeep backup files.
func (s *Store) PruneBackups() error {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var backups []string
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasPrefix(ent.Name(), base+".backup-") && !strings.HasSuffix(ent.Name(), ".tmp") {
			backups = append(backups, ent.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for len(backups) > backupKeep {
		victim := filepath.Join(dir, backups[0])
		if err := os.Remove(victim); err != nil {
			logging.Warn("store", "prune backup %s: %v", victim, err)
		} else {
			logging.Debug("store", "pruned backup %s", victim)
		}
		backups = backups[1:]
	}
	return nil
}
