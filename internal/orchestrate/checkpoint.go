package orchestrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the persisted progress of an interrupted consolidation run.
// Processed maps a phase key (the entry type for phase 1, "cross" and "post"
// for the later phases) to the fingerprints of clusters already merged, so a
// resumed run skips them even if the cluster graph shifted underneath.
type Checkpoint struct {
	Phase        int                 `json:"phase"`
	TypeIndex    int                 `json:"type_index"`
	ClusterIndex int                 `json:"cluster_index"`
	StartedAt    time.Time           `json:"started_at"`
	Processed    map[string][]string `json:"processed"`
}

func newCheckpoint() *Checkpoint {
	return &Checkpoint{
		StartedAt: time.Now().UTC(),
		Processed: make(map[string][]string),
	}
}

func (c *Checkpoint) mark(key, fingerprint string) {
	c.Processed[key] = append(c.Processed[key], fingerprint)
}

func (c *Checkpoint) done(key, fingerprint string) bool {
	for _, fp := range c.Processed[key] {
		if fp == fingerprint {
			return true
		}
	}
	return false
}

// saveCheckpoint persists through a temp file and rename so a crash can
// never leave a truncated checkpoint behind.
func saveCheckpoint(path string, c *Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("checkpoint write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint rename: %w", err)
	}
	return nil
}

// loadCheckpoint returns nil when no checkpoint exists.
func loadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint read: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("checkpoint parse: %w", err)
	}
	if c.Processed == nil {
		c.Processed = make(map[string][]string)
	}
	return &c, nil
}

func deleteCheckpoint(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
