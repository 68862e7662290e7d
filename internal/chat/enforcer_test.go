package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JiekeWang/Tongxun-sub001/internal/messaging"
	"github.com/JiekeWang/Tongxun-sub001/internal/presence"
	"github.com/JiekeWang/Tongxun-sub001/internal/registry"
)

// fakeClock hands out pre-armed After channels so tests control exactly
// when grace windows and overall bounds fire.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	d  time.Duration
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t.ch
}

// FireAll releases every armed timer with duration at most max.
func (c *fakeClock) FireAll(max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if t.d <= max {
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

// Fire releases only timers armed with exactly duration d.
func (c *fakeClock) Fire(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if t.d == d {
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

// waitTimers blocks until n timers have been armed or the deadline passes.
func (c *fakeClock) waitTimers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.timers)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d timers", n)
}

type fakeConn struct {
	id        string
	userID    string
	live      int32
	mu        sync.Mutex
	writes    [][]byte
	failWrite bool
	failClose bool
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID, live: 1}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Live() bool     { return atomic.LoadInt32(&c.live) == 1 }

func (c *fakeConn) Write(data []byte) error {
	if c.failWrite {
		return errors.New("write refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	if c.failClose {
		return errors.New("close refused")
	}
	atomic.StoreInt32(&c.live, 0)
	return nil
}

func (c *fakeConn) messages() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.writes))
	for _, w := range c.writes {
		var m map[string]interface{}
		if json.Unmarshal(w, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) sawType(msgType string) bool {
	for _, m := range c.messages() {
		if m["type"] == msgType {
			return true
		}
	}
	return false
}

type fakeBus struct {
	mu       sync.Mutex
	kicks    map[string][]messaging.KickNotice
	delivers map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		kicks:    make(map[string][]messaging.KickNotice),
		delivers: make(map[string][][]byte),
	}
}

func (b *fakeBus) PublishKick(userID string, notice messaging.KickNotice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kicks[userID] = append(b.kicks[userID], notice)
	return nil
}

func (b *fakeBus) PublishDeliver(userID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivers[userID] = append(b.delivers[userID], data)
	return nil
}

func (b *fakeBus) kicksFor(userID string) []messaging.KickNotice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.KickNotice(nil), b.kicks[userID]...)
}

func (b *fakeBus) deliversFor(userID string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.delivers[userID]...)
}

func newTestEnforcer(t *testing.T) (*Enforcer, *registry.Registry, *fakeBus, *fakeClock) {
	t.Helper()
	reg := registry.New(presence.NewMemoryStore(time.Minute))
	bus := newFakeBus()
	e := NewEnforcer(reg, presence.NewMemoryStore(time.Minute), bus, EnforcerConfig{
		Grace:       200 * time.Millisecond,
		Wait:        500 * time.Millisecond,
		PresenceTTL: time.Minute,
	})
	clk := newFakeClock()
	e.SetClock(clk)
	return e, reg, bus, clk
}

func TestAdmitFirstSession(t *testing.T) {
	e, reg, _, _ := newTestEnforcer(t)

	conn := newFakeConn("c1", "alice")
	evs := e.Admit(context.Background(), conn)
	if len(evs) != 0 {
		t.Fatalf("expected no evictions, got %d", len(evs))
	}
	conns := reg.Connections("alice")
	if len(conns) != 1 || conns[0].ID() != "c1" {
		t.Fatalf("expected sole connection c1, got %v", conns)
	}
}

func TestAdmitEvictsOldSession(t *testing.T) {
	e, reg, _, clk := newTestEnforcer(t)

	old := newFakeConn("c1", "alice")
	reg.Add(context.Background(), old)

	newer := newFakeConn("c2", "alice")
	done := make(chan []*Eviction, 1)
	go func() { done <- e.Admit(context.Background(), newer) }()

	// Both the grace timer and Admit's overall-wait timer must be armed;
	// the eviction notice is written before the grace timer arms.
	clk.waitTimers(t, 2)
	if !old.sawType("account_kicked") {
		t.Fatal("old session never received the eviction notice")
	}
	if !old.Live() {
		t.Fatal("old session closed before the grace window elapsed")
	}
	clk.FireAll(200 * time.Millisecond)

	evs := <-done
	if len(evs) != 1 {
		t.Fatalf("expected one eviction, got %d", len(evs))
	}
	if evs[0].State() != EvictionClosed {
		t.Fatalf("eviction state = %v, want closed", evs[0].State())
	}
	if old.Live() {
		t.Fatal("old session still live after eviction")
	}
	conns := reg.Connections("alice")
	if len(conns) != 1 || conns[0].ID() != "c2" {
		t.Fatalf("expected sole survivor c2, got %d conns", len(conns))
	}
}

func TestAdmitSurvivesFailingOldSession(t *testing.T) {
	e, reg, _, clk := newTestEnforcer(t)

	bad := newFakeConn("c1", "alice")
	bad.failWrite = true
	bad.failClose = true
	reg.Add(context.Background(), bad)

	newer := newFakeConn("c2", "alice")
	done := make(chan []*Eviction, 1)
	go func() { done <- e.Admit(context.Background(), newer) }()

	clk.waitTimers(t, 2)
	clk.FireAll(200 * time.Millisecond)

	evs := <-done
	if len(evs) != 1 || evs[0].State() != EvictionClosed {
		t.Fatalf("eviction did not complete despite conn failures: %v", evs)
	}
	conns := reg.Connections("alice")
	if len(conns) != 1 || conns[0].ID() != "c2" {
		t.Fatal("new session did not become the sole registered connection")
	}
}

func TestAdmitOverallBound(t *testing.T) {
	e, reg, _, clk := newTestEnforcer(t)

	old := newFakeConn("c1", "alice")
	reg.Add(context.Background(), old)

	newer := newFakeConn("c2", "alice")
	done := make(chan []*Eviction, 1)
	go func() { done <- e.Admit(context.Background(), newer) }()

	// Fire only the overall-wait timer; the grace timer stays pending, as
	// if the eviction goroutine were stalled.
	clk.waitTimers(t, 2)
	clk.Fire(500 * time.Millisecond)

	evs := <-done
	if len(evs) != 1 {
		t.Fatalf("expected one eviction, got %d", len(evs))
	}
	if evs[0].State() != EvictionTimedOut {
		t.Fatalf("eviction state = %v, want timed out", evs[0].State())
	}
	conns := reg.Connections("alice")
	if len(conns) != 1 || conns[0].ID() != "c2" {
		t.Fatal("admission did not complete after the overall bound")
	}

	// Release the stalled goroutine so the test does not leak it.
	clk.Fire(200 * time.Millisecond)
}

func TestAdmitConcurrentSameUser(t *testing.T) {
	// Two simultaneous logins for one user must serialize: whichever
	// admission runs second evicts the first, so exactly one session
	// survives. Uses the wall clock with short bounds so both admissions
	// run the full protocol.
	pres := presence.NewMemoryStore(time.Minute)
	reg := registry.New(pres)
	e := NewEnforcer(reg, pres, newFakeBus(), EnforcerConfig{
		Grace:       5 * time.Millisecond,
		Wait:        200 * time.Millisecond,
		PresenceTTL: time.Minute,
	})

	c1 := newFakeConn("c1", "alice")
	c2 := newFakeConn("c2", "alice")

	var wg sync.WaitGroup
	for _, c := range []*fakeConn{c1, c2} {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			e.Admit(context.Background(), c)
		}(c)
	}
	wg.Wait()

	if c1.Live() && c2.Live() {
		t.Fatal("both sessions live after concurrent admissions")
	}
	conns := reg.Connections("alice")
	if len(conns) != 1 {
		t.Fatalf("registry holds %d connections, want 1", len(conns))
	}
	survivor := conns[0]
	if !survivor.Live() {
		t.Fatal("registered session is not the live one")
	}
	loser := c1
	if survivor.ID() == "c1" {
		loser = c2
	}
	if loser.Live() {
		t.Fatal("evicted session still live")
	}
	if !loser.sawType("account_kicked") {
		t.Fatal("evicted session never received the eviction notice")
	}
}

func TestAdmitPublishesRemoteKick(t *testing.T) {
	reg := registry.New(presence.NewMemoryStore(time.Minute))
	pres := presence.NewMemoryStore(time.Minute)
	bus := newFakeBus()
	e := NewEnforcer(reg, pres, bus, EnforcerConfig{PresenceTTL: time.Minute})
	clk := newFakeClock()
	e.SetClock(clk)

	// Another instance registered alice's session in the shared store.
	if err := pres.SetOnline(context.Background(), "alice", "remote-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn("c2", "alice")
	e.Admit(context.Background(), conn)

	kicks := bus.kicksFor("alice")
	if len(kicks) != 1 {
		t.Fatalf("expected one kick notice, got %d", len(kicks))
	}
	if len(kicks[0].ConnIDs) != 1 || kicks[0].ConnIDs[0] != "remote-1" {
		t.Fatalf("kick notice names %v, want [remote-1]", kicks[0].ConnIDs)
	}
	if kicks[0].Reason != KickReason {
		t.Fatalf("kick reason = %q", kicks[0].Reason)
	}
}

func TestHandleRemoteKick(t *testing.T) {
	e, reg, _, clk := newTestEnforcer(t)

	victim := newFakeConn("c1", "alice")
	reg.Add(context.Background(), victim)

	e.HandleRemoteKick(context.Background(), "alice", messaging.KickNotice{
		ConnIDs: []string{"c1"},
		Reason:  KickReason,
	})

	clk.waitTimers(t, 1)
	if !victim.sawType("account_kicked") {
		t.Fatal("victim never received the eviction notice")
	}
	clk.FireAll(200 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for victim.Live() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if victim.Live() {
		t.Fatal("victim still live after remote kick")
	}
}

func TestHandleRemoteKickUnknownConn(t *testing.T) {
	e, _, _, _ := newTestEnforcer(t)

	// Must not panic or block for connections this instance does not hold.
	e.HandleRemoteKick(context.Background(), "alice", messaging.KickNotice{
		ConnIDs: []string{"elsewhere"},
	})
}
