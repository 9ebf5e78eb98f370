package fingerprint

import (
	"hash/fnv"
	"strings"
)

// SignatureSize is the fixed MinHash signature length. 128 hash functions
// gives a Jaccard estimate with standard error ~1/sqrt(128) ≈ 0.088.
const SignatureSize = 128

// shingleSize is the token n-gram width used for shingling.
const shingleSize = 3

// NearDuplicateFloor is the default Jaccard estimate above which two texts
// are flagged as near-duplicates during bulk ingest.
const NearDuplicateFloor = 0.65

// minhashSeeds holds one (a, b) pair per signature slot for the universal
// hash family h_i(x) = a_i*x + b_i. Seeded deterministically so signatures
// are stable across runs and comparable after persistence.
var minhashSeeds = buildSeeds()

func buildSeeds() [][2]uint64 {
	seeds := make([][2]uint64, SignatureSize)
	// splitmix64 stream; fixed seed keeps signatures stable across builds.
	state := uint64(0x9e3779b97f4a7c15)
	next := func() uint64 {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		return z ^ (z >> 31)
	}
	for i := range seeds {
		seeds[i] = [2]uint64{next() | 1, next()}
	}
	return seeds
}

// MinHash computes the fixed-length signature of the text over normalized
// token shingles. Returns nil for text with no tokens.
func MinHash(text string) []uint32 {
	shingles := shingles(text)
	if len(shingles) == 0 {
		return nil
	}
	sig := make([]uint32, SignatureSize)
	for i := range sig {
		sig[i] = ^uint32(0)
	}
	for _, sh := range shingles {
		h := fnv.New64a()
		h.Write([]byte(sh))
		base := h.Sum64()
		for i, seed := range minhashSeeds {
			v := uint32((seed[0]*base + seed[1]) >> 32)
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// shingles returns the token n-grams of the normalized text. Texts shorter
// than the shingle width produce a single shingle so tiny entries still get
// a signature.
func shingles(text string) []string {
	tokens := strings.Fields(Normalize(text))
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) < shingleSize {
		return []string{strings.Join(tokens, " ")}
	}
	out := make([]string, 0, len(tokens)-shingleSize+1)
	for i := 0; i+shingleSize <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+shingleSize], " "))
	}
	return out
}

// JaccardEstimate approximates the Jaccard similarity of the two texts the
// signatures were computed from. Returns 0 for missing or mismatched
// signatures.
func JaccardEstimate(a, b []uint32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}
