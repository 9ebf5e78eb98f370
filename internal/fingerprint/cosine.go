package fingerprint

import "math"

// Cosine computes cosine similarity between two embeddings. Returns 0 for
// empty, zero-length, or dimension-mismatched vectors, never an error.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Centroid returns the mean of the given embeddings, skipping vectors whose
// dimension doesn't match the first non-empty one. Nil if none qualify.
func Centroid(embeddings [][]float64) []float64 {
	var dim int
	for _, e := range embeddings {
		if len(e) > 0 {
			dim = len(e)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	centroid := make([]float64, dim)
	count := 0
	for _, e := range embeddings {
		if len(e) != dim {
			continue
		}
		for i, v := range e {
			centroid[i] += v
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range centroid {
		centroid[i] /= float64(count)
	}
	return centroid
}
