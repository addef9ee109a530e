// Package similarity provides vector and text similarity helpers shared by
// speaker linking and bullet de-duplication.
package similarity

import "math"

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector has zero norm.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

// Centroid returns the element-wise mean of vectors that share the length
// of the first one. Vectors of a different length are ignored.
func Centroid(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil
	}
	out := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			out[i] += x
		}
		n++
	}
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}
