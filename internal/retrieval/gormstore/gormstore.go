// Package gormstore persists retrieval indexes with GORM. Without a shared
// database each namespace gets its own sqlite file under the base
// directory; with one (MySQL, Dolt) namespaces are rows in a single table.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/zulandar/sitechat/internal/db"
	"github.com/zulandar/sitechat/internal/embed"
	"github.com/zulandar/sitechat/internal/models"
	"github.com/zulandar/sitechat/internal/retrieval"
	"gorm.io/gorm"
)

// IndexFile is the sqlite file name inside a namespace directory.
const IndexFile = "index.db"

// Opts configures a Store.
type Opts struct {
	BaseDir   string   // root for per-namespace sqlite files
	Shared    *gorm.DB // when set, all namespaces live in this database
	Embedder  embed.Embedder
	ChunkSize int
}

// Store opens GORM-backed handles.
type Store struct {
	baseDir   string
	shared    *gorm.DB
	embedder  embed.Embedder
	chunkSize int
}

// New creates a Store and migrates the shared database if one is given.
func New(opts Opts) (*Store, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("gormstore: embedder is required")
	}
	if opts.Shared == nil && opts.BaseDir == "" {
		return nil, fmt.Errorf("gormstore: base dir is required without a shared database")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = retrieval.DefaultChunkSize
	}
	if opts.Shared != nil {
		if err := db.AutoMigrate(opts.Shared); err != nil {
			return nil, fmt.Errorf("gormstore: %w", err)
		}
	}
	return &Store{
		baseDir:   opts.BaseDir,
		shared:    opts.Shared,
		embedder:  opts.Embedder,
		chunkSize: opts.ChunkSize,
	}, nil
}

// Open returns a handle for ns. In file mode the sqlite database at
// <base>/<tenant>/<domain>/index.db is created or reopened.
func (s *Store) Open(ctx context.Context, ns retrieval.Namespace) (retrieval.Handle, error) {
	h := &handle{store: s, ns: ns, name: ns.Name()}
	if s.shared != nil {
		h.db = s.shared
		return h, nil
	}

	path := filepath.Join(ns.Dir(s.baseDir), IndexFile)
	gdb, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("gormstore: open %s: %w", ns.Name(), err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.Close(gdb)
		return nil, fmt.Errorf("gormstore: open %s: %w", ns.Name(), err)
	}
	h.db = gdb
	h.owned = true
	return h, nil
}

// Close closes the shared database, if any. File-mode handles close their
// own databases on Destroy.
func (s *Store) Close() error {
	if s.shared == nil {
		return nil
	}
	return db.Close(s.shared)
}

type handle struct {
	store *Store
	ns    retrieval.Namespace
	name  string
	owned bool

	mu sync.RWMutex
	db *gorm.DB // nil once destroyed
}

func (h *handle) Location() string {
	if h.owned {
		return h.ns.Dir(h.store.baseDir)
	}
	return "db:" + h.name
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
		return fmt.Errorf("gormstore: index %s: %w", h.name, err)
	}

	rows := make([]models.Passage, len(chunks))
	for i, c := range chunks {
		rows[i] = models.Passage{
			Namespace: h.name,
			Position:  c.Position,
			Text:      c.Text,
			Vector:    vecs[i],
			Metadata:  retrieval.ChunkMetadata(doc, c),
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.db == nil {
		return retrieval.ErrClosed
	}
	if err := h.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("gormstore: index %s: %w", h.name, err)
	}
	return nil
}

func (h *handle) Query(ctx context.Context, text string, k int) ([]retrieval.Passage, error) {
	vecs, err := h.store.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("gormstore: query %s: %w", h.name, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.db == nil {
		return nil, retrieval.ErrClosed
	}
	var rows []models.Passage
	if err := h.db.WithContext(ctx).Where("namespace = ?", h.name).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: query %s: %w", h.name, err)
	}

	candidates := make([]retrieval.Scored, len(rows))
	for i, r := range rows {
		candidates[i] = retrieval.Scored{
			Passage: retrieval.Passage{Text: r.Text, Score: retrieval.Cosine(vecs[0], r.Vector), Metadata: r.Metadata},
			Order:   i,
		}
	}
	return retrieval.TopK(candidates, k), nil
}

func (h *handle) Reset(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.db == nil {
		return retrieval.ErrClosed
	}
	if err := h.db.WithContext(ctx).Where("namespace = ?", h.name).Delete(&models.Passage{}).Error; err != nil {
		return fmt.Errorf("gormstore: reset %s: %w", h.name, err)
	}
	return nil
}

// Destroy closes the sqlite file and removes its namespace directory, or
// deletes the namespace rows from the shared database.
func (h *handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	gdb := h.db
	h.db = nil

	if !h.owned {
		if err := gdb.WithContext(ctx).Where("namespace = ?", h.name).Delete(&models.Passage{}).Error; err != nil {
			return fmt.Errorf("gormstore: destroy %s: %w", h.name, err)
		}
		return nil
	}

	closeErr := db.Close(gdb)
	removeErr := retrieval.RemoveNamespaceDir(h.store.baseDir, h.ns)
	if err := errors.Join(closeErr, removeErr); err != nil {
		return fmt.Errorf("gormstore: destroy %s: %w", h.name, err)
	}
	return nil
}
