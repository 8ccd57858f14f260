// Package memstore is an in-process retrieval store. Data lives only as long
// as the process.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/sitechat/internal/embed"
	"github.com/zulandar/sitechat/internal/retrieval"
)

// Opts configures a Store.
type Opts struct {
	Embedder  embed.Embedder
	ChunkSize int
}

type entry struct {
	text     string
	vector   []float32
	metadata map[string]string
}

// Store keeps one entry list per namespace name.
type Store struct {
	embedder  embed.Embedder
	chunkSize int

	mu     sync.Mutex
	spaces map[string][]entry
}

// New creates a Store. A nil Embedder defaults to a 256-dimension hash
// embedder.
func New(opts Opts) (*Store, error) {
	if opts.Embedder == nil {
		h, err := embed.NewHash(256)
		if err != nil {
			return nil, err
		}
		opts.Embedder = h
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = retrieval.DefaultChunkSize
	}
	return &Store{
		embedder:  opts.Embedder,
		chunkSize: opts.ChunkSize,
		spaces:    make(map[string][]entry),
	}, nil
}

// Open returns a handle for ns. Entries indexed under the same namespace
// earlier in the process are kept.
func (s *Store) Open(ctx context.Context, ns retrieval.Namespace) (retrieval.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := ns.Name()
	if _, ok := s.spaces[name]; !ok {
		s.spaces[name] = nil
	}
	return &handle{store: s, name: name}, nil
}

// Close drops every namespace.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces = make(map[string][]entry)
	return nil
}

// Namespaces returns the number of live namespaces.
func (s *Store) Namespaces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spaces)
}

type handle struct {
	store *Store
	name  string

	mu        sync.Mutex
	destroyed bool
}

func (h *handle) live() error {
	if h.destroyed {
		return retrieval.ErrClosed
	}
	return nil
}

func (h *handle) Index(ctx context.Context, doc retrieval.Document) error {
	chunks := retrieval.ChunkText(doc.Text, h.store.chunkSize)
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := h.store.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("memstore: index: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.live(); err != nil {
		return err
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	for i, c := range chunks {
		h.store.spaces[h.name] = append(h.store.spaces[h.name], entry{
			text:     c.Text,
			vector:   vecs[i],
			metadata: retrieval.ChunkMetadata(doc, c),
		})
	}
	return nil
}

func (h *handle) Query(ctx context.Context, text string, k int) ([]retrieval.Passage, error) {
	vecs, err := h.store.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("memstore: query: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.live(); err != nil {
		return nil, err
	}
	h.store.mu.Lock()
	entries := h.store.spaces[h.name]
	candidates := make([]retrieval.Scored, len(entries))
	for i, e := range entries {
		candidates[i] = retrieval.Scored{
			Passage: retrieval.Passage{Text: e.text, Score: retrieval.Cosine(vecs[0], e.vector), Metadata: e.metadata},
			Order:   i,
		}
	}
	h.store.mu.Unlock()
	return retrieval.TopK(candidates, k), nil
}

func (h *handle) Reset(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.live(); err != nil {
		return err
	}
	h.store.mu.Lock()
	h.store.spaces[h.name] = nil
	h.store.mu.Unlock()
	return nil
}

func (h *handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	h.store.mu.Lock()
	delete(h.store.spaces, h.name)
	h.store.mu.Unlock()
	return nil
}

func (h *handle) Location() string { return "memory:" + h.name }
