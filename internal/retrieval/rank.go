package retrieval

import (
	"math"
	"sort"
	"strconv"
)

// Scored pairs a passage with its rank key; Order breaks score ties so the
// earlier-indexed chunk wins.
type Scored struct {
	Passage
	Order int
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// TopK sorts candidates by score, highest first, and returns at most k
// passages.
func TopK(candidates []Scored, k int) []Passage {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Order < candidates[j].Order
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Passage, len(candidates))
	for i, c := range candidates {
		out[i] = c.Passage
	}
	return out
}

// ChunkMetadata merges document metadata with the chunk position.
func ChunkMetadata(doc Document, c Chunk) map[string]string {
	md := make(map[string]string, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		md[k] = v
	}
	md["chunk"] = strconv.Itoa(c.Position)
	return md
}
