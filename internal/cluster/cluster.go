// Package cluster builds validated merge-candidate clusters from the active
// embedded entry pool: kNN edge discovery, union-find grouping under tight /
// cross-type / loose-band rules, then diameter validation with low-support
// eviction.
package cluster

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/knowkeep/knowkeep/internal/fingerprint"
	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/logging"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/store"
)

const (
	// DefaultTight is the same-type similarity at which two entries are
	// unioned without any LLM involvement.
	DefaultTight = 0.82

	// Offsets from the tight threshold. Cross-type unions demand more
	// similarity; the loose band sits just below tight and needs subject
	// agreement or an LLM confirmation; the diameter floor is what a
	// validated cluster's worst pair must clear.
	crossTypeOffset = 0.04
	looseBandOffset = 0.07
	diameterOffset  = 0.02

	DefaultMinCluster = 2
	DefaultMaxCluster = 12
	DefaultFanOut     = 15

	// DefaultIdempotencyDays keeps freshly consolidated canonicals out of
	// the pool so repeated runs don't immediately re-merge their own output.
	DefaultIdempotencyDays = 7.0

	poolWarnLimit = 20000
)

// Cluster is a validated set of merge candidates. In-memory only; the merge
// engine persists its outcome, never the cluster itself.
type Cluster struct {
	Members []*memory.Entry
}

// Fingerprint identifies a cluster by its member set, independent of order.
// The orchestrator records fingerprints of processed clusters so a resumed
// run can skip them.
func (c *Cluster) Fingerprint() string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	sum := blake3.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:16])
}

// Builder discovers and validates clusters over the active pool.
type Builder struct {
	store  *store.Store
	client llm.Client // nil: loose-band pairs union only on subject match

	Tight      float64
	MinCluster int
	MaxCluster int
	FanOut     int

	// IdempotencyDays excludes entries consolidated within the last N days.
	// Zero admits everything (post-merge recluster passes).
	IdempotencyDays float64
}

// NewBuilder returns a builder with the default thresholds.
func NewBuilder(st *store.Store, client llm.Client) *Builder {
	return &Builder{
		store:           st,
		client:          client,
		Tight:           DefaultTight,
		MinCluster:      DefaultMinCluster,
		MaxCluster:      DefaultMaxCluster,
		FanOut:          DefaultFanOut,
		IdempotencyDays: DefaultIdempotencyDays,
	}
}

// Build clusters the active embedded pool, optionally filtered by type
// ("" = all types). Returns the validated clusters and the number of LLM
// same-knowledge calls spent on loose-band pairs.
func (b *Builder) Build(ctx context.Context, entryType memory.EntryType) ([]*Cluster, int, error) {
	pool, err := b.store.ActiveEmbeddedEntries(entryType)
	if err != nil {
		return nil, 0, err
	}
	entries := pool[:0:0]
	cutoff := time.Now().UTC().Add(-time.Duration(b.IdempotencyDays * 24 * float64(time.Hour)))
	for _, e := range pool {
		if b.IdempotencyDays > 0 && e.ConsolidatedAt != nil && e.ConsolidatedAt.After(cutoff) {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) < b.MinCluster {
		return nil, 0, nil
	}
	if len(entries) > poolWarnLimit {
		logging.Warn("cluster", "candidate pool of %d entries exceeds %d; this will be slow", len(entries), poolWarnLimit)
	}

	idx := make(map[string]int, len(entries))
	for i, e := range entries {
		idx[e.ID] = i
	}

	uf := fingerprint.NewUnionFind(len(entries))
	llmCalls := 0
	for i, e := range entries {
		neighbors, err := b.store.FindSimilar(e.Embedding, b.FanOut)
		if err != nil {
			return nil, llmCalls, err
		}
		for _, n := range neighbors {
			j, ok := idx[n.Entry.ID]
			if !ok || j == i {
				continue
			}
			if uf.Find(i) == uf.Find(j) {
				continue
			}
			union, called := b.shouldUnion(ctx, e, entries[j], n.Similarity)
			if called {
				llmCalls++
			}
			if union {
				uf.Union(i, j)
			}
		}
	}

	var clusters []*Cluster
	for _, group := range uf.Groups() {
		if len(group) < b.MinCluster {
			continue
		}
		members := make([]*memory.Entry, len(group))
		for k, gi := range group {
			members[k] = entries[gi]
		}
		if validated := b.validate(members); validated != nil {
			clusters = append(clusters, validated)
		}
	}

	// Deterministic order for checkpointing and tests.
	sort.Slice(clusters, func(a, z int) bool {
		return clusters[a].Members[0].ID < clusters[z].Members[0].ID
	})
	return clusters, llmCalls, nil
}

// shouldUnion applies the union rules to one candidate pair. The second
// return reports whether an LLM call was spent.
func (b *Builder) shouldUnion(ctx context.Context, a, z *memory.Entry, sim float64) (bool, bool) {
	sameSubject := subjectsMatch(a, z)

	if a.Type == z.Type && sim >= b.Tight {
		return true, false
	}
	if sameSubject && sim >= b.Tight+crossTypeOffset {
		return true, false
	}

	// Loose band: close but not conclusive. Subject agreement is enough on
	// its own; otherwise the pair needs an LLM same-knowledge confirmation.
	if sim >= b.Tight-looseBandOffset && sim < b.Tight && a.Type == z.Type {
		if sameSubject {
			return true, false
		}
		if b.client == nil {
			return false, false
		}
		same, err := b.client.SameKnowledge(ctx, a.Content, z.Content)
		if err != nil {
			logging.Warn("cluster", "same-knowledge check failed for %s/%s: %v", a.ID, z.ID, err)
			return false, true
		}
		return same, true
	}
	return false, false
}

func subjectsMatch(a, z *memory.Entry) bool {
	sa := fingerprint.NormalizeSubject(a.Subject)
	sz := fingerprint.NormalizeSubject(z.Subject)
	return sa != "" && sa == sz
}

// validate enforces the size cap and the pairwise diameter floor. Oversized
// groups keep their most central members; below-floor groups iteratively
// evict the lower-support member of the worst pair. Returns nil when the
// group shrinks under MinCluster.
func (b *Builder) validate(members []*memory.Entry) *Cluster {
	if len(members) > b.MaxCluster {
		members = b.capBySimilarity(members)
	}

	floor := b.Tight - diameterOffset
	for len(members) >= b.MinCluster {
		wi, wj, worst := worstPair(members)
		if worst >= floor {
			c := &Cluster{Members: members}
			sort.Slice(c.Members, func(a, z int) bool { return c.Members[a].ID < c.Members[z].ID })
			return c
		}
		victim := wi
		if members[wj].Support() <= members[wi].Support() {
			victim = wj
		}
		logging.Debug("cluster", "evicting %s (worst pair %.3f < floor %.3f)", members[victim].ID, worst, floor)
		members = append(members[:victim], members[victim+1:]...)
	}
	return nil
}

// capBySimilarity keeps the MaxCluster members with the highest average
// similarity to the rest of the group.
func (b *Builder) capBySimilarity(members []*memory.Entry) []*memory.Entry {
	type scored struct {
		entry *memory.Entry
		avg   float64
	}
	scores := make([]scored, len(members))
	for i, m := range members {
		var total float64
		for j, other := range members {
			if i != j {
				total += fingerprint.Cosine(m.Embedding, other.Embedding)
			}
		}
		scores[i] = scored{entry: m, avg: total / float64(len(members)-1)}
	}
	sort.Slice(scores, func(a, z int) bool { return scores[a].avg > scores[z].avg })

	out := make([]*memory.Entry, b.MaxCluster)
	for i := range out {
		out[i] = scores[i].entry
	}
	return out
}

// worstPair returns the indices and similarity of the least similar pair.
func worstPair(members []*memory.Entry) (int, int, float64) {
	wi, wj, worst := 0, 1, 2.0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sim := fingerprint.Cosine(members[i].Embedding, members[j].Embedding)
			if sim < worst {
				wi, wj, worst = i, j, sim
			}
		}
	}
	return wi, wj, worst
}
