// Package similarity provides vector similarity and face matching utilities.
package similarity

import "math"

// DefaultMatchThreshold is the minimum cosine similarity for two face
// embeddings to be considered the same identity.
const DefaultMatchThreshold = 0.6

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value in [-1, 1], where 1 means identical direction.
// Returns 0 when either vector has zero norm or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dotProduct += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	// A single square root keeps CosineSimilarity(v, v) exactly 1.
	sim := dotProduct / math.Sqrt(normA*normB)
	return max(-1, min(1, sim))
}

// Match is the outcome of FindBestMatch.
type Match struct {
	Index      int
	Similarity float64
}

// FindBestMatch scans candidates in order and returns the candidate most similar
// to query whose similarity is strictly above threshold.
// On exact ties the earliest candidate wins.
func FindBestMatch(query []float32, candidates [][]float32, threshold float64) (Match, bool) {
	if len(candidates) == 0 {
		return Match{}, false
	}

	best := Match{Index: -1, Similarity: -1}
	for i, candidate := range candidates {
		sim := CosineSimilarity(query, candidate)
		if sim > threshold && sim > best.Similarity {
			best = Match{Index: i, Similarity: sim}
		}
	}

	if best.Index < 0 || best.Similarity <= threshold {
		return Match{}, false
	}
	return best, true
}
