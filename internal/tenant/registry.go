// Package tenant owns per-tenant session state and its lifecycle.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/sitechat/internal/conversation"
	"github.com/zulandar/sitechat/internal/retrieval"
)

var (
	// ErrNotFound is returned for a tenant with no session.
	ErrNotFound = errors.New("tenant: session not found")
	// ErrInvalidTenant is returned for a malformed tenant id.
	ErrInvalidTenant = errors.New("tenant: invalid tenant id")
	// ErrStorageCleanup wraps a failure to destroy retrieval storage. The
	// session is already gone from the registry when it is returned.
	ErrStorageCleanup = errors.New("tenant: storage cleanup failed")
)

// cleanupTimeout bounds storage destruction, which runs detached from the
// caller's cancellation once a session has left the registry.
const cleanupTimeout = 30 * time.Second

var validID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateID checks that id is usable as a registry key and a directory
// name.
func ValidateID(id string) error {
	if !validID.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, id)
	}
	return nil
}

// Session is one tenant's live state. Handle and Conversations are owned by
// the session and released when it leaves the registry.
type Session struct {
	TenantID      string
	WebsiteURL    string
	Handle        retrieval.Handle
	Conversations *conversation.Store
	CreatedAt     time.Time

	mu         sync.Mutex
	lastAccess time.Time

	ingest sync.Mutex
}

// LastAccess returns the time of the most recent registry touch.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	if t.After(s.lastAccess) {
		s.lastAccess = t
	}
	s.mu.Unlock()
}

// LockIngest serializes writers of the session's index. Call the returned
// func to release.
func (s *Session) LockIngest() (unlock func()) {
	s.ingest.Lock()
	return s.ingest.Unlock
}

// Entry is a point-in-time view of one session.
type Entry struct {
	TenantID   string    `json:"tenant_id"`
	WebsiteURL string    `json:"website_url"`
	LastAccess time.Time `json:"last_access"`
}

// Opts configures a Registry.
type Opts struct {
	Store retrieval.Store  // required
	Now   func() time.Time // defaults to time.Now
}

// Registry maps tenant ids to sessions. Operations on one tenant are
// serialized by a per-key lock; different tenants never wait on each other
// beyond the short map lookup.
type Registry struct {
	store retrieval.Store
	now   func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// slot holds the per-key lock. session is written with both slot.mu and
// Registry.mu held, so Snapshot can read it under Registry.mu alone.
type slot struct {
	mu      sync.Mutex
	session *Session
	waiters int
}

// New creates a Registry.
func New(opts Opts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("tenant: registry: store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store: opts.Store,
		now:   opts.Now,
		slots: make(map[string]*slot),
	}, nil
}

// lockSlot returns the locked slot for id, creating it when create is set.
// Returns nil when the slot is absent and create is false.
func (r *Registry) lockSlot(id string, create bool) *slot {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		if !create {
			r.mu.Unlock()
			return nil
		}
		s = &slot{}
		r.slots[id] = s
	}
	s.waiters++
	r.mu.Unlock()

	s.mu.Lock()
	r.mu.Lock()
	s.waiters--
	r.mu.Unlock()
	return s
}

// releaseSlot unlocks s and drops it from the map when it holds no session
// and nobody is waiting for it.
func (r *Registry) releaseSlot(id string, s *slot) {
	r.mu.Lock()
	if s.session == nil && s.waiters == 0 {
		delete(r.slots, id)
	}
	r.mu.Unlock()
	s.mu.Unlock()
}

func (r *Registry) setSession(s *slot, sess *Session) {
	r.mu.Lock()
	s.session = sess
	r.mu.Unlock()
}

// CreateOrReset installs a session for tenantID bound to websiteURL.
//
// With no session a fresh one is created on an empty index. With a session
// on the same URL that session is returned untouched apart from its access
// time; callers decide whether to clear its index. With a session on a
// different URL the old storage is destroyed first (a cleanup failure is
// logged and does not stop the switch) and a new session replaces it.
func (r *Registry) CreateOrReset(ctx context.Context, tenantID, websiteURL string) (*Session, error) {
	if err := ValidateID(tenantID); err != nil {
		return nil, err
	}
	if websiteURL == "" {
		return nil, fmt.Errorf("tenant: create %s: website url is required", tenantID)
	}

	s := r.lockSlot(tenantID, true)
	defer r.releaseSlot(tenantID, s)

	if cur := s.session; cur != nil {
		if cur.WebsiteURL == websiteURL {
			cur.touch(r.now())
			return cur, nil
		}
		log.Printf("registry: tenant %s switching from %s to %s", tenantID, cur.WebsiteURL, websiteURL)
		r.setSession(s, nil)
		r.destroy(ctx, cur)
	}

	h, err := r.store.Open(ctx, retrieval.Namespace{TenantID: tenantID, WebsiteURL: websiteURL})
	if err != nil {
		return nil, fmt.Errorf("tenant: create %s: %w", tenantID, err)
	}
	if err := h.Reset(ctx); err != nil {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if derr := h.Destroy(cctx); derr != nil {
			log.Printf("registry: tenant %s: discard storage at %s: %v", tenantID, h.Location(), derr)
		}
		return nil, fmt.Errorf("tenant: create %s: reset index: %w", tenantID, err)
	}

	now := r.now()
	sess := &Session{
		TenantID:      tenantID,
		WebsiteURL:    websiteURL,
		Handle:        h,
		Conversations: conversation.NewStore(r.now),
		CreatedAt:     now,
		lastAccess:    now,
	}
	r.setSession(s, sess)
	log.Printf("registry: tenant %s session created for %s at %s", tenantID, websiteURL, h.Location())
	return sess, nil
}

// Get returns the session for tenantID and refreshes its access time in the
// same critical section.
func (r *Registry) Get(tenantID string) (*Session, error) {
	s := r.lockSlot(tenantID, false)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	defer r.releaseSlot(tenantID, s)

	if s.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	s.session.touch(r.now())
	return s.session, nil
}

// Delete removes the session and destroys its storage. The entry is gone
// even when the returned error wraps ErrStorageCleanup.
func (r *Registry) Delete(ctx context.Context, tenantID string) error {
	s := r.lockSlot(tenantID, false)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	defer r.releaseSlot(tenantID, s)

	sess := s.session
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	r.setSession(s, nil)
	log.Printf("registry: tenant %s deleted", tenantID)
	return r.destroy(ctx, sess)
}

// Evict deletes the session only if its last access is before cutoff,
// checked under the tenant's lock. A session touched after the caller's
// scan survives. Reports whether the session was removed.
func (r *Registry) Evict(ctx context.Context, tenantID string, cutoff time.Time) (bool, error) {
	s := r.lockSlot(tenantID, false)
	if s == nil {
		return false, nil
	}
	defer r.releaseSlot(tenantID, s)

	sess := s.session
	if sess == nil || !sess.LastAccess().Before(cutoff) {
		return false, nil
	}
	r.setSession(s, nil)
	log.Printf("registry: tenant %s evicted, idle since %s", tenantID, sess.LastAccess().Format(time.RFC3339))
	return true, r.destroy(ctx, sess)
}

// Snapshot lists every session, sorted by tenant id. Per-key locks are not
// taken, so the listing never waits on in-flight storage work.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.slots))
	for id, s := range r.slots {
		if s.session == nil {
			continue
		}
		out = append(out, Entry{
			TenantID:   id,
			WebsiteURL: s.session.WebsiteURL,
			LastAccess: s.session.LastAccess(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.session != nil {
			n++
		}
	}
	return n
}

// cleanupContext keeps ctx's values, drops its cancellation and bounds it
// by cleanupTimeout.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func (r *Registry) destroy(ctx context.Context, sess *Session) error {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	loc := sess.Handle.Location()
	if err := sess.Handle.Destroy(ctx); err != nil {
		log.Printf("registry: storage cleanup failed for tenant %s at %s: %v", sess.TenantID, loc, err)
		return fmt.Errorf("%w: tenant %s at %s: %w", ErrStorageCleanup, sess.TenantID, loc, err)
	}
	return nil
}
