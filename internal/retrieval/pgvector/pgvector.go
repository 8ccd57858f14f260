// Package pgvector stores retrieval namespaces as rows of one Postgres table
// with a pgvector column.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/zulandar/sitechat/internal/embed"
	"github.com/zulandar/sitechat/internal/retrieval"
)

// Table is the passage table name.
const Table = "passages"

// Opts configures a Store.
type Opts struct {
	DSN       string
	Embedder  embed.Embedder
	ChunkSize int
}

// Store opens namespace-scoped handles on a shared table.
type Store struct {
	db        *sql.DB
	embedder  embed.Embedder
	chunkSize int
}

// New connects, pings, and creates the extension and table if missing.
func New(ctx context.Context, opts Opts) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("pgvector: dsn is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("pgvector: embedder is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = retrieval.DefaultChunkSize
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}

	for _, stmt := range schema(opts.Embedder.Dimensions()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("pgvector: migrate: %w", err)
		}
	}
	return &Store{db: db, embedder: opts.Embedder, chunkSize: opts.ChunkSize}, nil
}

// schema returns the DDL for the passage table. dims of 0 leaves the vector
// column unsized.
func schema(dims int) []string {
	col := "vector"
	if dims > 0 {
		col = fmt.Sprintf("vector(%d)", dims)
	}
	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			namespace TEXT NOT NULL,
			position INTEGER NOT NULL,
			body TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			vector %s NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, Table, col),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_namespace_idx ON %s (namespace)", Table, Table),
	}
}

// Open returns a handle scoped to ns.
func (s *Store) Open(ctx context.Context, ns retrieval.Namespace) (retrieval.Handle, error) {
	return &handle{store: s, name: ns.Name()}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type handle struct {
	store *Store
	name  string

	mu        sync.RWMutex
	destroyed bool
}

func (h *handle) Location() string { return "pgvector:" + Table + "/" + h.name }

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
		return fmt.Errorf("pgvector: index %s: %w", h.name, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.destroyed {
		return retrieval.ErrClosed
	}

	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: index %s: %w", h.name, err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`INSERT INTO %s (namespace, position, body, metadata, vector) VALUES ($1, $2, $3, $4, $5)`, Table)
	for i, c := range chunks {
		md, err := json.Marshal(retrieval.ChunkMetadata(doc, c))
		if err != nil {
			return fmt.Errorf("pgvector: index %s: marshal metadata: %w", h.name, err)
		}
		if _, err := tx.ExecContext(ctx, insert, h.name, c.Position, c.Text, string(md), pgvector.NewVector(vecs[i])); err != nil {
			return fmt.Errorf("pgvector: index %s: %w", h.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgvector: index %s: commit: %w", h.name, err)
	}
	return nil
}

func (h *handle) Query(ctx context.Context, text string, k int) ([]retrieval.Passage, error) {
	vecs, err := h.store.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("pgvector: query %s: %w", h.name, err)
	}
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.destroyed {
		return nil, retrieval.ErrClosed
	}

	query := fmt.Sprintf(`
		SELECT body, metadata, 1 - (vector <=> $2)
		FROM %s
		WHERE namespace = $1
		ORDER BY vector <-> $2, id
		LIMIT $3
	`, Table)
	rows, err := h.store.db.QueryContext(ctx, query, h.name, pgvector.NewVector(vecs[0]), k)
	if err != nil {
		return nil, fmt.Errorf("pgvector: query %s: %w", h.name, err)
	}
	defer rows.Close()

	var out []retrieval.Passage
	for rows.Next() {
		var p retrieval.Passage
		var md []byte
		var score sql.NullFloat64
		if err := rows.Scan(&p.Text, &md, &score); err != nil {
			return nil, fmt.Errorf("pgvector: query %s: scan: %w", h.name, err)
		}
		if err := json.Unmarshal(md, &p.Metadata); err != nil {
			return nil, fmt.Errorf("pgvector: query %s: metadata: %w", h.name, err)
		}
		p.Score = float32(score.Float64)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: query %s: %w", h.name, err)
	}
	return out, nil
}

func (h *handle) Reset(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.destroyed {
		return retrieval.ErrClosed
	}
	return h.deleteRows(ctx, "reset")
}

func (h *handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	return h.deleteRows(ctx, "destroy")
}

func (h *handle) deleteRows(ctx context.Context, op string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1", Table)
	if _, err := h.store.db.ExecContext(ctx, stmt, h.name); err != nil {
		return fmt.Errorf("pgvector: %s %s: %w", op, h.name, err)
	}
	return nil
}
