// Package retrieval defines the per-tenant similarity-search contract that
// the tenant registry and the answer orchestrator consume, plus the helpers
// shared by its backends: namespace layout, chunking, and ranking.
package retrieval

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrClosed is returned by a Handle whose storage has been destroyed.
var ErrClosed = errors.New("retrieval: handle closed")

// Document is a unit of text to index. Metadata travels with every chunk
// cut from it.
type Document struct {
	Text     string
	Metadata map[string]string
}

// Passage is a ranked query result.
type Passage struct {
	Text     string
	Score    float32
	Metadata map[string]string
}

// Namespace scopes retrieval data to one tenant and the site it ingested.
type Namespace struct {
	TenantID   string
	WebsiteURL string
}

// DomainKey is the sanitized host of the website URL: dots and colons become
// underscores so the key is safe as a directory or collection name.
func (n Namespace) DomainKey() string {
	host := n.WebsiteURL
	if u, err := url.Parse(n.WebsiteURL); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(host)
	key := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, host)
	if key == "" {
		return "_"
	}
	return key
}

// Name is the flat backend name for the namespace (collection, row key).
// The tenant id is length-prefixed so tenant "a" on b.c.test and tenant
// "a_b" on c.test stay distinct ("1_a_b_c_test" vs "3_a_b_c_test").
func (n Namespace) Name() string {
	return strconv.Itoa(len(n.TenantID)) + "_" + n.TenantID + "_" + n.DomainKey()
}

// Dir is the on-disk directory for the namespace under base.
func (n Namespace) Dir(base string) string {
	return filepath.Join(base, n.TenantID, n.DomainKey())
}

// Store opens per-namespace handles. Implementations must hand out a handle
// that exclusively owns its namespace's data.
type Store interface {
	// Open returns a handle for ns, creating its storage if needed. Existing
	// data at the location is left in place; callers Reset for a fresh index.
	Open(ctx context.Context, ns Namespace) (Handle, error)

	// Close releases shared resources (connections, clients).
	Close() error
}

// Handle is an opaque, tenant-private similarity-search index.
type Handle interface {
	// Index chunks, embeds, and stores a document.
	Index(ctx context.Context, doc Document) error

	// Query returns up to k passages ranked by relevance, highest first.
	Query(ctx context.Context, text string, k int) ([]Passage, error)

	// Reset removes every indexed passage but keeps the storage usable.
	Reset(ctx context.Context) error

	// Destroy releases the handle and deletes its storage. The handle is
	// unusable afterwards.
	Destroy(ctx context.Context) error

	// Location describes where the data lives (path, collection, table scope).
	Location() string
}
