package qdrant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/zulandar/sitechat/internal/embed"
	"github.com/zulandar/sitechat/internal/retrieval"
)

// fakeClient keeps collections in memory and ranks by cosine similarity.
type fakeClient struct {
	mu          sync.Mutex
	collections map[string][]*qdrant.PointStruct
	sizes       map[string]uint64
	failDelete  bool
	closed      bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		collections: make(map[string][]*qdrant.PointStruct),
		sizes:       make(map[string]uint64),
	}
}

func (f *fakeClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *fakeClient) CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[req.CollectionName] = nil
	f.sizes[req.CollectionName] = req.VectorsConfig.GetParams().GetSize()
	return nil
}

func (f *fakeClient) DeleteCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return errors.New("unavailable")
	}
	delete(f.collections, name)
	return nil
}

func (f *fakeClient) Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[req.CollectionName] = append(f.collections[req.CollectionName], req.Points...)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeClient) Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	query := req.Query.GetNearest().GetDense().GetData()
	var out []*qdrant.ScoredPoint
	for _, p := range f.collections[req.CollectionName] {
		v := p.Vectors.GetVector()
		vec := v.GetData()
		if len(vec) == 0 {
			vec = v.GetDense().GetData()
		}
		out = append(out, &qdrant.ScoredPoint{
			Id:      p.Id,
			Payload: p.Payload,
			Score:   retrieval.Cosine(query, vec),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if req.Limit != nil && uint64(len(out)) > *req.Limit {
		out = out[:*req.Limit]
	}
	return out, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeClient) {
	t.Helper()
	h, err := embed.NewHash(32)
	if err != nil {
		t.Fatal(err)
	}
	fc := newFakeClient()
	return newStore(fc, Opts{Embedder: h, ChunkSize: 40}), fc
}

func TestClientConfig(t *testing.T) {
	tests := []struct {
		url     string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{url: "http://localhost:6334", host: "localhost", port: 6334},
		{url: "https://q.example.io", host: "q.example.io", port: 6334, tls: true},
		{url: "q.example.io:7000", host: "q.example.io", port: 7000, tls: true},
		{url: "http://localhost:abc", wantErr: true},
	}
	for _, tt := range tests {
		cfg, err := clientConfig(tt.url, "key")
		if tt.wantErr {
			if err == nil {
				t.Errorf("clientConfig(%q) should fail", tt.url)
			}
			continue
		}
		if err != nil {
			t.Fatalf("clientConfig(%q): %v", tt.url, err)
		}
		if cfg.Host != tt.host || cfg.Port != tt.port || cfg.UseTLS != tt.tls || cfg.APIKey != "key" {
			t.Errorf("clientConfig(%q) = %+v", tt.url, cfg)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("missing url should fail")
	}
	if _, err := New(Opts{URL: "http://localhost:6334"}); err == nil {
		t.Error("missing embedder should fail")
	}
}

func TestHandle_IndexCreatesCollectionAndQueries(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)
	h, _ := s.Open(ctx, retrieval.Namespace{TenantID: "t1", WebsiteURL: "http://shop.test"})
	if h.Location() != "qdrant:2_t1_shop_test" {
		t.Errorf("Location = %q", h.Location())
	}

	got, err := h.Query(ctx, "anything", 5)
	if err != nil || len(got) != 0 {
		t.Errorf("Query before index = %v, %v", got, err)
	}

	err = h.Index(ctx, retrieval.Document{
		Text:     "Opening hours are nine to five.\nShipping costs depend on weight.",
		Metadata: map[string]string{"source": "http://shop.test"},
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if fc.sizes["2_t1_shop_test"] != 32 {
		t.Errorf("collection size = %d, want 32", fc.sizes["2_t1_shop_test"])
	}

	got, err = h.Query(ctx, "opening hours", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Opening hours are nine to five." {
		t.Errorf("Query = %+v", got)
	}
	if got[0].Metadata["source"] != "http://shop.test" || got[0].Metadata["chunk"] != "0" {
		t.Errorf("metadata = %v", got[0].Metadata)
	}
}

func TestHandle_ResetAndDestroy(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)
	h, _ := s.Open(ctx, retrieval.Namespace{TenantID: "t1", WebsiteURL: "http://a.test"})
	h.Index(ctx, retrieval.Document{Text: "old"})

	if err := h.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := fc.collections["2_t1_a_test"]; ok {
		t.Error("collection should be dropped by Reset")
	}
	h.Index(ctx, retrieval.Document{Text: "new"})

	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(fc.collections) != 0 {
		t.Errorf("collections after destroy = %d", len(fc.collections))
	}
	if err := h.Index(ctx, retrieval.Document{Text: "x"}); !errors.Is(err, retrieval.ErrClosed) {
		t.Errorf("Index after destroy err = %v, want ErrClosed", err)
	}
}

func TestHandle_DestroyFailure(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)
	h, _ := s.Open(ctx, retrieval.Namespace{TenantID: "t1", WebsiteURL: "http://a.test"})
	h.Index(ctx, retrieval.Document{Text: "x"})
	fc.failDelete = true

	if err := h.Destroy(ctx); err == nil {
		t.Error("expected destroy error")
	}
	if _, err := h.Query(ctx, "x", 1); !errors.Is(err, retrieval.ErrClosed) {
		t.Errorf("handle should be unusable after a failed destroy, err = %v", err)
	}
}

func TestStore_Close(t *testing.T) {
	s, fc := newTestStore(t)
	s.Close()
	if !fc.closed {
		t.Error("client not closed")
	}
}
