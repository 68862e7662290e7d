package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyStore is a Store whose calls fail while broken is set. It counts
// calls so tests can assert the primary stops being consulted after
// demotion.
type flakyStore struct {
	mu     sync.Mutex
	inner  *MemoryStore
	broken bool
	calls  int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{inner: NewMemoryStore(time.Minute)}
}

func (f *flakyStore) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.broken {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyStore) setBroken(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = b
}

func (f *flakyStore) SetOnline(ctx context.Context, u, c string, ttl time.Duration) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.inner.SetOnline(ctx, u, c, ttl)
}

func (f *flakyStore) GetOnline(ctx context.Context, u string) (string, bool, error) {
	if err := f.check(); err != nil {
		return "", false, err
	}
	return f.inner.GetOnline(ctx, u)
}

func (f *flakyStore) SetOffline(ctx context.Context, u string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.inner.SetOffline(ctx, u)
}

func (f *flakyStore) AddConn(ctx context.Context, u, c string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.inner.AddConn(ctx, u, c)
}

func (f *flakyStore) RemoveConn(ctx context.Context, u, c string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.inner.RemoveConn(ctx, u, c)
}

func (f *flakyStore) Conns(ctx context.Context, u string) ([]string, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.inner.Conns(ctx, u)
}

func TestFallback_HealthyPrimaryIsUsed(t *testing.T) {
	primary := newFlakyStore()
	fb := NewFallback(primary, time.Minute, 3)
	ctx := context.Background()

	if err := fb.SetOnline(ctx, "A", "c1", time.Minute); err != nil {
		t.Fatalf("SetOnline() error: %v", err)
	}
	connID, found, err := fb.GetOnline(ctx, "A")
	if err != nil || !found || connID != "c1" {
		t.Fatalf("expected (c1, true, nil), got (%q, %v, %v)", connID, found, err)
	}
	if fb.Demoted() {
		t.Error("store must not be demoted while primary is healthy")
	}
}

func TestFallback_DemotesAfterBudget(t *testing.T) {
	primary := newFlakyStore()
	primary.setBroken(true)
	fb := NewFallback(primary, time.Minute, 3)
	ctx := context.Background()

	// Each failed call counts toward the budget; the operations still
	// succeed against the local store.
	for i := 0; i < 3; i++ {
		if err := fb.AddConn(ctx, "A", "c1"); err != nil {
			t.Fatalf("AddConn() must stay total, got %v", err)
		}
	}
	if !fb.Demoted() {
		t.Fatal("expected demotion after budget exhausted")
	}
}

func TestFallback_DemotionIsIdempotentAndFinal(t *testing.T) {
	primary := newFlakyStore()
	primary.setBroken(true)
	fb := NewFallback(primary, time.Minute, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = fb.AddConn(ctx, "A", "c1")
	}
	if !fb.Demoted() {
		t.Fatal("expected demotion")
	}
	callsAtDemotion := primary.callCount()

	// Further traffic must not touch the primary again, even if it has
	// recovered: demotion lasts for the process lifetime.
	primary.setBroken(false)
	for i := 0; i < 5; i++ {
		_ = fb.AddConn(ctx, "B", "c2")
		_, _ = fb.Conns(ctx, "B")
	}
	if got := primary.callCount(); got != callsAtDemotion {
		t.Errorf("primary consulted %d times after demotion", got-callsAtDemotion)
	}
	if !fb.Demoted() {
		t.Error("demotion must be final")
	}
}

func TestFallback_MirroredWritesSurviveDemotion(t *testing.T) {
	primary := newFlakyStore()
	fb := NewFallback(primary, time.Minute, 2)
	ctx := context.Background()

	// Written while healthy; mirrored into the local store.
	_ = fb.SetOnline(ctx, "A", "c1", time.Minute)

	primary.setBroken(true)
	for i := 0; i < 2; i++ {
		_, _ = fb.Conns(ctx, "other")
	}
	if !fb.Demoted() {
		t.Fatal("expected demotion")
	}

	// This instance's own sessions are still visible after the switch.
	connID, found, err := fb.GetOnline(ctx, "A")
	if err != nil || !found || connID != "c1" {
		t.Fatalf("expected (c1, true, nil) from local store, got (%q, %v, %v)", connID, found, err)
	}
}

func TestFallback_TransientFailureResetsCounter(t *testing.T) {
	primary := newFlakyStore()
	fb := NewFallback(primary, time.Minute, 3)
	ctx := context.Background()

	// Two failures, then a success, then two more failures: never three in
	// a row, so no demotion.
	primary.setBroken(true)
	_, _ = fb.Conns(ctx, "A")
	_, _ = fb.Conns(ctx, "A")
	primary.setBroken(false)
	_, _ = fb.Conns(ctx, "A")
	primary.setBroken(true)
	_, _ = fb.Conns(ctx, "A")
	_, _ = fb.Conns(ctx, "A")

	if fb.Demoted() {
		t.Error("non-consecutive failures must not demote")
	}
}
