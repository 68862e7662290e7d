package presence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JiekeWang/Tongxun-sub001/internal/metrics"
)

// DefaultFailureBudget is how many consecutive shared-store failures are
// tolerated before self-demoting to the in-process backend.
const DefaultFailureBudget = 3

// Fallback selects between the shared Redis backend and the in-process
// MemoryStore. Writes are mirrored to the local store while Redis is healthy
// so that a mid-life demotion keeps this instance's own sessions visible.
//
// Once the consecutive-failure budget is exhausted the store demotes itself
// for the remainder of the process lifetime; it never re-promotes and logs
// the demotion exactly once. Individual failed calls fall through to the
// local store, so every operation stays total.
type Fallback struct {
	primary Store
	local   *MemoryStore

	budget   int
	demoted  atomic.Bool
	mu       sync.Mutex // guards failures
	failures int
	logOnce  sync.Once
}

// NewFallback wraps the shared store with an in-process fallback. A budget
// of zero or less uses DefaultFailureBudget.
func NewFallback(primary Store, ttl time.Duration, budget int) *Fallback {
	if budget <= 0 {
		budget = DefaultFailureBudget
	}
	return &Fallback{
		primary: primary,
		local:   NewMemoryStore(ttl),
		budget:  budget,
	}
}

// Demoted reports whether the store is running on the in-process backend.
func (f *Fallback) Demoted() bool {
	return f.demoted.Load()
}

// fail records a shared-store failure and demotes when the budget runs out.
func (f *Fallback) fail(op string, err error) {
	f.mu.Lock()
	f.failures++
	n := f.failures
	f.mu.Unlock()

	log.Printf("presence: shared store %s failed (%d/%d): %v", op, n, f.budget, err)

	if n >= f.budget {
		if f.demoted.CompareAndSwap(false, true) {
			f.logOnce.Do(func() {
				log.Printf("presence: shared store unreachable after %d attempts, falling back to in-process store for the rest of this process", n)
			})
			metrics.PresenceFallback.Set(1)
		}
	}
}

// ok resets the consecutive-failure counter after a successful call.
func (f *Fallback) ok() {
	f.mu.Lock()
	f.failures = 0
	f.mu.Unlock()
}

func (f *Fallback) SetOnline(ctx context.Context, userID, connID string, ttl time.Duration) error {
	_ = f.local.SetOnline(ctx, userID, connID, ttl)
	if f.demoted.Load() {
		return nil
	}
	if err := f.primary.SetOnline(ctx, userID, connID, ttl); err != nil {
		f.fail("set online", err)
		return nil
	}
	f.ok()
	return nil
}

func (f *Fallback) GetOnline(ctx context.Context, userID string) (string, bool, error) {
	if f.demoted.Load() {
		return f.local.GetOnline(ctx, userID)
	}
	connID, found, err := f.primary.GetOnline(ctx, userID)
	if err != nil {
		f.fail("get online", err)
		return f.local.GetOnline(ctx, userID)
	}
	f.ok()
	return connID, found, nil
}

func (f *Fallback) SetOffline(ctx context.Context, userID string) error {
	_ = f.local.SetOffline(ctx, userID)
	if f.demoted.Load() {
		return nil
	}
	if err := f.primary.SetOffline(ctx, userID); err != nil {
		f.fail("set offline", err)
		return nil
	}
	f.ok()
	return nil
}

func (f *Fallback) AddConn(ctx context.Context, userID, connID string) error {
	_ = f.local.AddConn(ctx, userID, connID)
	if f.demoted.Load() {
		return nil
	}
	if err := f.primary.AddConn(ctx, userID, connID); err != nil {
		f.fail("add conn", err)
		return nil
	}
	f.ok()
	return nil
}

func (f *Fallback) RemoveConn(ctx context.Context, userID, connID string) error {
	_ = f.local.RemoveConn(ctx, userID, connID)
	if f.demoted.Load() {
		return nil
	}
	if err := f.primary.RemoveConn(ctx, userID, connID); err != nil {
		f.fail("remove conn", err)
		return nil
	}
	f.ok()
	return nil
}

func (f *Fallback) Conns(ctx context.Context, userID string) ([]string, error) {
	if f.demoted.Load() {
		return f.local.Conns(ctx, userID)
	}
	conns, err := f.primary.Conns(ctx, userID)
	if err != nil {
		f.fail("conns", err)
		return f.local.Conns(ctx, userID)
	}
	f.ok()
	return conns, nil
}
