// Package qdrant stores each retrieval namespace in its own Qdrant
// collection.
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/zulandar/sitechat/internal/embed"
	"github.com/zulandar/sitechat/internal/retrieval"
)

const textKey = "text"

// client is the subset of *qdrant.Client the store uses.
type client interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// Opts configures a Store.
type Opts struct {
	URL       string // e.g. http://localhost:6334
	APIKey    string
	Embedder  embed.Embedder
	ChunkSize int
}

// Store opens collection-backed handles.
type Store struct {
	client    client
	embedder  embed.Embedder
	chunkSize int
}

// New connects to Qdrant over gRPC.
func New(opts Opts) (*Store, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("qdrant: url is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("qdrant: embedder is required")
	}
	cfg, err := clientConfig(opts.URL, opts.APIKey)
	if err != nil {
		return nil, err
	}
	c, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: create client: %w", err)
	}
	return newStore(c, opts), nil
}

func newStore(c client, opts Opts) *Store {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = retrieval.DefaultChunkSize
	}
	return &Store{client: c, embedder: opts.Embedder, chunkSize: opts.ChunkSize}
}

// clientConfig splits a URL into the host, port, and TLS flag the client
// wants. A missing scheme means https; a missing port means 6334.
func clientConfig(rawURL, apiKey string) (*qdrant.Config, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("qdrant: parse url: %w", err)
	}
	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("qdrant: invalid port: %w", err)
		}
		port = p
	}
	return &qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: apiKey,
		UseTLS: u.Scheme == "https",
	}, nil
}

// Open returns a handle on the namespace's collection. The collection is
// created on first Index, when the vector size is known.
func (s *Store) Open(ctx context.Context, ns retrieval.Namespace) (retrieval.Handle, error) {
	return &handle{store: s, collection: ns.Name()}, nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

type handle struct {
	store      *Store
	collection string

	mu        sync.Mutex
	destroyed bool
}

func (h *handle) Location() string { return "qdrant:" + h.collection }

func (h *handle) ensureCollection(ctx context.Context, size int) error {
	exists, err := h.store.client.CollectionExists(ctx, h.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return h.store.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: h.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(size),
			Distance: qdrant.Distance_Cosine,
		}),
	})
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
		return fmt.Errorf("qdrant: index %s: %w", h.collection, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return retrieval.ErrClosed
	}
	if err := h.ensureCollection(ctx, len(vecs[0])); err != nil {
		return fmt.Errorf("qdrant: index %s: %w", h.collection, err)
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		payload := map[string]any{textKey: c.Text}
		for k, v := range retrieval.ChunkMetadata(doc, c) {
			payload[k] = v
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	wait := true
	if _, err := h.store.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: h.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant: index %s: %w", h.collection, err)
	}
	return nil
}

func (h *handle) Query(ctx context.Context, text string, k int) ([]retrieval.Passage, error) {
	vecs, err := h.store.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query %s: %w", h.collection, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil, retrieval.ErrClosed
	}
	exists, err := h.store.client.CollectionExists(ctx, h.collection)
	if err != nil {
		return nil, fmt.Errorf("qdrant: query %s: %w", h.collection, err)
	}
	if !exists {
		return nil, nil
	}

	limit := uint64(k)
	points, err := h.store.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: h.collection,
		Query:          qdrant.NewQuery(vecs[0]...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query %s: %w", h.collection, err)
	}

	out := make([]retrieval.Passage, 0, len(points))
	for _, p := range points {
		passage := retrieval.Passage{Score: p.Score, Metadata: make(map[string]string)}
		for key, v := range p.Payload {
			if key == textKey {
				passage.Text = v.GetStringValue()
				continue
			}
			passage.Metadata[key] = v.GetStringValue()
		}
		out = append(out, passage)
	}
	return out, nil
}

// Reset drops the collection; the next Index recreates it.
func (h *handle) Reset(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return retrieval.ErrClosed
	}
	if err := h.drop(ctx); err != nil {
		return fmt.Errorf("qdrant: reset %s: %w", h.collection, err)
	}
	return nil
}

func (h *handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	if err := h.drop(ctx); err != nil {
		return fmt.Errorf("qdrant: destroy %s: %w", h.collection, err)
	}
	return nil
}

func (h *handle) drop(ctx context.Context) error {
	exists, err := h.store.client.CollectionExists(ctx, h.collection)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return h.store.client.DeleteCollection(ctx, h.collection)
}
