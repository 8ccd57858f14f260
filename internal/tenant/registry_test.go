package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/sitechat/internal/conversation"
	"github.com/zulandar/sitechat/internal/db"
	"github.com/zulandar/sitechat/internal/embed"
	"github.com/zulandar/sitechat/internal/models"
	"github.com/zulandar/sitechat/internal/retrieval"
	"github.com/zulandar/sitechat/internal/retrieval/gormstore"
	"github.com/zulandar/sitechat/internal/retrieval/memstore"
)

// fakeClock is a settable clock safe for concurrent reads.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingStore wraps a store and fails Destroy on every handle.
type failingStore struct {
	retrieval.Store
}

func (s failingStore) Open(ctx context.Context, ns retrieval.Namespace) (retrieval.Handle, error) {
	h, err := s.Store.Open(ctx, ns)
	if err != nil {
		return nil, err
	}
	return failingHandle{h}, nil
}

type failingHandle struct {
	retrieval.Handle
}

func (failingHandle) Destroy(ctx context.Context) error { return errors.New("disk busy") }

func newTestRegistry(t *testing.T, store retrieval.Store, clock *fakeClock) *Registry {
	t.Helper()
	if store == nil {
		ms, err := memstore.New(memstore.Opts{})
		if err != nil {
			t.Fatal(err)
		}
		store = ms
	}
	opts := Opts{Store: store}
	if clock != nil {
		opts.Now = clock.Now
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func newFileStore(t *testing.T) (*gormstore.Store, string) {
	t.Helper()
	h, err := embed.NewHash(64)
	if err != nil {
		t.Fatal(err)
	}
	base := t.TempDir()
	s, err := gormstore.New(gormstore.Opts{BaseDir: base, Embedder: h})
	if err != nil {
		t.Fatal(err)
	}
	return s, base
}

func newSharedStore(t *testing.T) (*gormstore.Store, func() int64) {
	t.Helper()
	h, err := embed.NewHash(64)
	if err != nil {
		t.Fatal(err)
	}
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := gormstore.New(gormstore.Opts{Shared: gdb, Embedder: h})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	rows := func() int64 {
		var n int64
		if err := gdb.Model(&models.Passage{}).Count(&n).Error; err != nil {
			t.Fatal(err)
		}
		return n
	}
	return s, rows
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error without a store")
	}
}

func TestValidateID(t *testing.T) {
	valid := []string{"t1", "acme-corp", "a.b_c", "X"}
	invalid := []string{"", ".", "..", "a/b", "a b", "../etc", strings.Repeat("a", 129)}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v", id, err)
		}
	}
	for _, id := range invalid {
		if err := ValidateID(id); !errors.Is(err, ErrInvalidTenant) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidTenant", id, err)
		}
	}
}

func TestCreateOrReset_ThenGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil, nil)

	if _, err := r.CreateOrReset(ctx, "t1", "http://a.test"); err != nil {
		t.Fatalf("CreateOrReset: %v", err)
	}
	sess, err := r.Get("t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.WebsiteURL != "http://a.test" || sess.TenantID != "t1" {
		t.Errorf("session = %s %s", sess.TenantID, sess.WebsiteURL)
	}
	if sess.Handle == nil || sess.Conversations == nil {
		t.Error("session missing handle or conversations")
	}
}

func TestGet_Unknown(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	if _, err := r.Get("t-unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestCreateOrReset_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil, nil)
	if _, err := r.CreateOrReset(ctx, "../x", "http://a.test"); !errors.Is(err, ErrInvalidTenant) {
		t.Errorf("bad id err = %v", err)
	}
	if _, err := r.CreateOrReset(ctx, "t1", ""); err == nil {
		t.Error("empty url should fail")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestCreateOrReset_SameURLKeepsSession(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, nil, clock)

	first, _ := r.CreateOrReset(ctx, "t1", "http://a.test")
	first.Conversations.Append("c1", conversation.RoleUser, "hi")
	clock.Advance(time.Minute)

	second, err := r.CreateOrReset(ctx, "t1", "http://a.test")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("same URL should keep the existing session")
	}
	if second.Conversations.Len("c1") != 1 {
		t.Error("conversations lost on same-URL ingest")
	}
	if !second.LastAccess().Equal(clock.Now()) {
		t.Errorf("LastAccess = %v, want %v", second.LastAccess(), clock.Now())
	}
}

func TestCreateOrReset_URLSwitchRemovesOldStorage(t *testing.T) {
	ctx := context.Background()
	store, base := newFileStore(t)
	r := newTestRegistry(t, store, nil)

	a, err := r.CreateOrReset(ctx, "t1", "http://x.test")
	if err != nil {
		t.Fatal(err)
	}
	a.Handle.Index(ctx, retrieval.Document{Text: "content from x"})
	oldDir := filepath.Join(base, "t1", "x_test")
	if _, err := os.Stat(oldDir); err != nil {
		t.Fatalf("old dir missing before switch: %v", err)
	}

	b, err := r.CreateOrReset(ctx, "t1", "http://y.test")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Delete(ctx, "t1")
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Errorf("old storage still exists: %v", err)
	}
	got, _ := r.Get("t1")
	if got != b || got.WebsiteURL != "http://y.test" {
		t.Errorf("session url = %s", got.WebsiteURL)
	}

	b.Handle.Index(ctx, retrieval.Document{Text: "content from y"})
	passages, err := b.Handle.Query(ctx, "content", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(passages) != 1 || passages[0].Text != "content from y" {
		t.Errorf("new store holds %+v, want only y", passages)
	}
}

func TestCreateOrReset_FreshSessionStartsEmpty(t *testing.T) {
	ctx := context.Background()
	store, _ := newFileStore(t)

	// Leftover data from an earlier owner of the same namespace.
	h, _ := store.Open(ctx, retrieval.Namespace{TenantID: "t1", WebsiteURL: "http://a.test"})
	h.Index(ctx, retrieval.Document{Text: "stale"})

	r := newTestRegistry(t, store, nil)
	sess, err := r.CreateOrReset(ctx, "t1", "http://a.test")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Delete(ctx, "t1")
	got, _ := sess.Handle.Query(ctx, "stale", 5)
	if len(got) != 0 {
		t.Errorf("fresh session sees %+v", got)
	}
}

func TestCreateOrReset_SwitchSurvivesCleanupFailure(t *testing.T) {
	ctx := context.Background()
	ms, _ := memstore.New(memstore.Opts{})
	r := newTestRegistry(t, failingStore{ms}, nil)

	r.CreateOrReset(ctx, "t1", "http://a.test")
	sess, err := r.CreateOrReset(ctx, "t1", "http://b.test")
	if err != nil {
		t.Fatalf("switch should succeed despite cleanup failure: %v", err)
	}
	if sess.WebsiteURL != "http://b.test" {
		t.Errorf("url = %s", sess.WebsiteURL)
	}
}

func TestGet_RefreshesLastAccess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, nil, clock)
	r.CreateOrReset(ctx, "t1", "http://a.test")

	clock.Advance(2 * time.Hour)
	sess, _ := r.Get("t1")
	if !sess.LastAccess().Equal(clock.Now()) {
		t.Errorf("LastAccess = %v, want %v", sess.LastAccess(), clock.Now())
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store, base := newFileStore(t)
	r := newTestRegistry(t, store, nil)
	r.CreateOrReset(ctx, "t1", "http://a.test")

	if err := r.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "t1")); !os.IsNotExist(err) {
		t.Errorf("tenant dir still exists: %v", err)
	}
	if err := r.Delete(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestDelete_CleanupFailureStillRemoves(t *testing.T) {
	ctx := context.Background()
	ms, _ := memstore.New(memstore.Opts{})
	r := newTestRegistry(t, failingStore{ms}, nil)
	r.CreateOrReset(ctx, "t1", "http://a.test")

	err := r.Delete(ctx, "t1")
	if !errors.Is(err, ErrStorageCleanup) {
		t.Errorf("Delete = %v, want ErrStorageCleanup", err)
	}
	if _, err := r.Get("t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry should be gone, Get = %v", err)
	}
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, nil, clock)
	r.CreateOrReset(ctx, "idle", "http://a.test")
	clock.Advance(time.Hour)
	r.CreateOrReset(ctx, "busy", "http://b.test")

	cutoff := clock.Now().Add(-30 * time.Minute)
	removed, err := r.Evict(ctx, "idle", cutoff)
	if err != nil || !removed {
		t.Errorf("Evict(idle) = %v, %v", removed, err)
	}
	removed, err = r.Evict(ctx, "busy", cutoff)
	if err != nil || removed {
		t.Errorf("Evict(busy) = %v, %v; want kept", removed, err)
	}
	removed, err = r.Evict(ctx, "absent", cutoff)
	if err != nil || removed {
		t.Errorf("Evict(absent) = %v, %v", removed, err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestEvict_RefreshedAfterScanSurvives(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, nil, clock)
	r.CreateOrReset(ctx, "t1", "http://a.test")

	clock.Advance(25 * time.Hour)
	cutoff := clock.Now().Add(-24 * time.Hour)
	if len(r.Snapshot()) != 1 {
		t.Fatal("snapshot should list t1")
	}
	// A chat arrives between the scan and the eviction.
	r.Get("t1")
	removed, _ := r.Evict(ctx, "t1", cutoff)
	if removed {
		t.Error("session refreshed after the scan was evicted")
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, nil, clock)
	r.CreateOrReset(ctx, "b", "http://b.test")
	clock.Advance(time.Minute)
	r.CreateOrReset(ctx, "a", "http://a.test")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if snap[0].TenantID != "a" || snap[1].TenantID != "b" {
		t.Errorf("order = %s, %s", snap[0].TenantID, snap[1].TenantID)
	}
	if snap[0].WebsiteURL != "http://a.test" || !snap[0].LastAccess.Equal(clock.Now()) {
		t.Errorf("entry = %+v", snap[0])
	}
}

func TestConcurrentSameTenant_SingleSession(t *testing.T) {
	ctx := context.Background()
	ms, _ := memstore.New(memstore.Opts{})
	r := newTestRegistry(t, ms, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				r.CreateOrReset(ctx, "t1", "http://a.test")
			case 1:
				r.CreateOrReset(ctx, "t1", "http://b.test")
			case 2:
				r.Get("t1")
			case 3:
				r.Delete(ctx, "t1")
			}
		}(i)
	}
	wg.Wait()

	if n := r.Len(); n > 1 {
		t.Errorf("Len = %d, want at most 1", n)
	}
	// Every handle but the live one must have been destroyed.
	want := r.Len()
	if got := ms.Namespaces(); got != want {
		t.Errorf("live namespaces = %d, want %d", got, want)
	}
}

func TestConcurrentTenants_Independent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			if _, err := r.CreateOrReset(ctx, id, "http://site.test"); err != nil {
				t.Errorf("CreateOrReset(%s): %v", id, err)
			}
			if _, err := r.Get(id); err != nil {
				t.Errorf("Get(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 20 {
		t.Errorf("Len = %d, want 20", r.Len())
	}
}

func TestCreateOrReset_OverlappingNamesStayIsolated(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil, nil)

	a, err := r.CreateOrReset(ctx, "a", "http://b.c.test")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Handle.Index(ctx, retrieval.Document{Text: "tenant a payroll"}); err != nil {
		t.Fatal(err)
	}
	b, err := r.CreateOrReset(ctx, "a_b", "http://c.test")
	if err != nil {
		t.Fatal(err)
	}
	if a.Handle.Location() == b.Handle.Location() {
		t.Fatalf("tenants a and a_b share storage %s", a.Handle.Location())
	}
	b.Handle.Index(ctx, retrieval.Document{Text: "tenant b content"})

	got, err := a.Handle.Query(ctx, "content payroll", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "tenant a payroll" {
		t.Errorf("tenant a sees %+v", got)
	}

	if err := r.Delete(ctx, "a_b"); err != nil {
		t.Fatal(err)
	}
	got, _ = a.Handle.Query(ctx, "payroll", 10)
	if len(got) != 1 {
		t.Errorf("deleting a_b removed tenant a's passages: %+v", got)
	}
}

func TestCreateOrReset_OverlappingNamesSharedDatabase(t *testing.T) {
	ctx := context.Background()
	store, rows := newSharedStore(t)
	r := newTestRegistry(t, store, nil)

	a, _ := r.CreateOrReset(ctx, "a", "http://b.c.test")
	a.Handle.Index(ctx, retrieval.Document{Text: "tenant a payroll"})
	if _, err := r.CreateOrReset(ctx, "a_b", "http://c.test"); err != nil {
		t.Fatal(err)
	}
	if n := rows(); n != 1 {
		t.Errorf("rows after creating a_b = %d, want tenant a's 1", n)
	}
}

func TestDelete_CancelledContextStillCleansStorage(t *testing.T) {
	store, rows := newSharedStore(t)
	r := newTestRegistry(t, store, nil)

	sess, err := r.CreateOrReset(context.Background(), "t1", "http://a.test")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Handle.Index(context.Background(), retrieval.Document{Text: "to be removed"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete with cancelled context: %v", err)
	}
	if n := rows(); n != 0 {
		t.Errorf("orphaned rows = %d, want 0", n)
	}
}

func TestEvict_CancelledContextStillCleansStorage(t *testing.T) {
	clock := newFakeClock()
	store, rows := newSharedStore(t)
	r := newTestRegistry(t, store, clock)

	sess, _ := r.CreateOrReset(context.Background(), "t1", "http://a.test")
	sess.Handle.Index(context.Background(), retrieval.Document{Text: "stale"})
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	removed, err := r.Evict(ctx, "t1", clock.Now().Add(-time.Hour))
	if !removed || err != nil {
		t.Fatalf("Evict = %v, %v", removed, err)
	}
	if n := rows(); n != 0 {
		t.Errorf("orphaned rows = %d, want 0", n)
	}
}
