// Package embedding defines the embedding-provider contract consumed by the
// dedup and consolidation engines, plus a batching wrapper that adds bounded
// concurrency and retry, and a per-run cache keyed by content hash.
//
// The HTTP transport itself lives outside this module; callers inject any
// implementation of Embedder.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/logging"
)

// Typed provider failures. Wrappers and callers branch with errors.Is.
var (
	// ErrInvalidKey means the provider rejected the credentials; retrying
	// cannot help.
	ErrInvalidKey = errors.New("embedding: invalid API key")

	// ErrRateLimited means the provider asked us to back off; the batching
	// wrapper retries these with exponential backoff.
	ErrRateLimited = errors.New("embedding: rate limited")
)

// Embedder produces fixed-dimensionality vectors for batches of texts.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// Dim is the vector dimensionality this provider produces.
	Dim() int
}

const (
	maxConcurrentBatches = 3
	maxAttempts          = 5
	providerBatchSize    = 64
)

// Batcher splits large embedding requests into provider-sized batches, runs
// up to three batches concurrently, and retries rate-limited batches with
// exponential backoff. Non-retryable errors (invalid key, context
// cancellation) fail the whole call.
type Batcher struct {
	provider   Embedder
	batchSize  int
	newBackoff func() *backoff.ExponentialBackOff // overridable in tests
}

// NewBatcher wraps the provider. A zero batchSize uses the default.
func NewBatcher(provider Embedder, batchSize int) *Batcher {
	if batchSize <= 0 {
		batchSize = providerBatchSize
	}
	return &Batcher{provider: provider, batchSize: batchSize, newBackoff: defaultBackoff}
}

// Dim reports the wrapped provider's dimensionality.
func (b *Batcher) Dim() int { return b.provider.Dim() }

// Embed embeds all texts, preserving order. Results land in a preallocated
// slice indexed by batch offset, so concurrent batches never contend.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float64, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)

	for start := 0; start < len(texts); start += b.batchSize {
		start := start
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := b.embedWithRetry(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("batch [%d:%d]: provider returned %d vectors for %d texts", start, end, len(vecs), end-start)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedWithRetry retries a single provider batch on rate-limit responses,
// up to maxAttempts, with exponential backoff.
func (b *Batcher) embedWithRetry(ctx context.Context, texts []string) ([][]float64, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(b.newBackoff(), maxAttempts-1), ctx)

	var vecs [][]float64
	attempt := 0
	op := func() error {
		attempt++
		var err error
		vecs, err = b.provider.Embed(ctx, texts)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRateLimited) {
			logging.Debug("embedding", "rate limited (attempt %d/%d), backing off", attempt, maxAttempts)
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return vecs, nil
}

func defaultBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	return bo
}

// Cache is a per-run embedding cache keyed by content hash. It is not safe
// for concurrent use; the online ingest path is sequential per entry.
type Cache struct {
	embedder Embedder
	byHash   map[string][]float64
	hits     int
	misses   int
}

// NewCache wraps an embedder (typically a Batcher) with a run-scoped cache.
func NewCache(embedder Embedder) *Cache {
	return &Cache{
		embedder: embedder,
		byHash:   make(map[string][]float64),
	}
}

// Dim reports the wrapped embedder's dimensionality.
func (c *Cache) Dim() int { return c.embedder.Dim() }

// EmbedOne returns the embedding for a single text, consulting the cache
// first.
func (c *Cache) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	key := fingerprint.ContentHash(text)
	if vec, ok := c.byHash[key]; ok {
		c.hits++
		return vec, nil
	}
	vecs, err := c.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding: expected 1 vector, got %d", len(vecs))
	}
	c.misses++
	c.byHash[key] = vecs[0]
	return vecs[0], nil
}

// Embed embeds a batch, serving cached texts without a provider call and
// fetching only the misses.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		key := fingerprint.ContentHash(text)
		if vec, ok := c.byHash[key]; ok {
			c.hits++
			results[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}
	vecs, err := c.embedder.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(missing), len(vecs))
	}
	for j, vec := range vecs {
		c.misses++
		c.byHash[fingerprint.ContentHash(missing[j])] = vec
		results[missingIdx[j]] = vec
	}
	return results, nil
}

// Stats returns cache hit/miss counts for end-of-run logging.
func (c *Cache) Stats() (hits, misses int) {
	return c.hits, c.misses
}
