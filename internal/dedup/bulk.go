package dedup

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
)

// BulkResult reports one bulk ingest.
type BulkResult struct {
	Added          int
	NearDuplicates int // entries whose MinHash estimate crossed the floor against an earlier batch member
}

// BulkIngest writes a large batch without dedup decisions: embeddings are
// fetched in bounded-concurrency batches, the FTS and vector indexes are
// dropped for the duration, and all rows commit in one transaction. MinHash
// signatures are compared within the batch to report likely near-duplicates
// for the operator, without blocking any write.
func (e *Engine) BulkIngest(ctx context.Context, entries []*memory.Entry) (BulkResult, error) {
	var res BulkResult
	if len(entries) == 0 {
		return res, nil
	}

	texts := make([]string, len(entries))
	for i, entry := range entries {
		prepare(entry)
		texts[i] = entry.Content
	}

	embs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return res, fmt.Errorf("bulk embed: %w", err)
	}
	for i, entry := range entries {
		entry.Embedding = embs[i]
	}

	if err := e.store.BeginBulk(); err != nil {
		return res, err
	}

	err = e.store.WithTx(func(tx *sql.Tx) error {
		var sigs [][]uint32
		for _, entry := range entries {
			if err := e.store.AddEntryTx(tx, entry); err != nil {
				return err
			}
			for _, prev := range sigs {
				if fingerprint.JaccardEstimate(entry.MinHashSig, prev) >= fingerprint.NearDuplicateFloor {
					res.NearDuplicates++
					break
				}
			}
			sigs = append(sigs, entry.MinHashSig)
			res.Added++
		}
		return nil
	})
	if err != nil {
		// The batch rolled back; still rebuild so the indexes match the
		// untouched table.
		if finishErr := e.store.FinishBulk(); finishErr != nil {
			logging.Warn("dedup", "bulk finish after failed batch: %v", finishErr)
		}
		// Counts from the rolled-back transaction describe nothing on disk.
		res = BulkResult{}
		return res, fmt.Errorf("bulk write: %w", err)
	}

	if res.NearDuplicates > 0 {
		logging.Info("dedup", "bulk ingest: %d of %d entries look like near-duplicates (MinHash >= %.2f)",
			res.NearDuplicates, res.Added, fingerprint.NearDuplicateFloor)
	}
	return res, e.store.FinishBulk()
}
