// Package embed turns text into vectors for the retrieval backends.
package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder maps texts to fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Hash is a local feature-hashing embedder. Each lowercased token is hashed
// into one of n buckets with a signed weight, and the result is L2
// normalized. It needs no network and is deterministic, so texts sharing
// words score higher under cosine similarity.
type Hash struct {
	dims int
}

// NewHash returns a Hash embedder with the given dimension count.
func NewHash(dims int) (*Hash, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embed: dimensions must be positive, got %d", dims)
	}
	return &Hash{dims: dims}, nil
}

// Dimensions returns the vector size.
func (h *Hash) Dimensions() int { return h.dims }

// Embed returns one vector per text.
func (h *Hash) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hash) vector(text string) []float32 {
	vec := make([]float32, h.dims)
	for _, tok := range tokens(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
