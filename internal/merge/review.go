package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReviewItem is one flagged merge awaiting human review.
type ReviewItem struct {
	ClusterFingerprint string    `json:"cluster_fingerprint"`
	MemberIDs          []string  `json:"member_ids"`
	ProposedContent    string    `json:"proposed_content,omitempty"`
	Reason             string    `json:"reason"`
	FlaggedAt          time.Time `json:"flagged_at"`
}

// ReviewQueue is a durable JSON file of flagged merges. Appends rewrite the
// whole file through a temp file and rename, so a crash mid-append can never
// truncate previously queued items.
type ReviewQueue struct {
	path string
}

// NewReviewQueue points at (and lazily creates) the queue file.
func NewReviewQueue(path string) *ReviewQueue {
	return &ReviewQueue{path: path}
}

// Append adds one item to the queue.
func (q *ReviewQueue) Append(item ReviewItem) error {
	items, err := q.Load()
	if err != nil {
		return err
	}
	items = append(items, item)

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("review queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("review queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("review queue write: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("review queue rename: %w", err)
	}
	return nil
}

// Load reads all queued items. A missing file is an empty queue.
func (q *ReviewQueue) Load() ([]ReviewItem, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("review queue read: %w", err)
	}
	var items []ReviewItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("review queue parse: %w", err)
	}
	return items, nil
}
