package presence

import (
	"context"
	"sort"
	"testing"
	"time"
)

func TestMemoryStore_SetOnlineGetOnline(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	if err := s.SetOnline(ctx, "A", "c1", time.Minute); err != nil {
		t.Fatalf("SetOnline() error: %v", err)
	}

	connID, found, err := s.GetOnline(ctx, "A")
	if err != nil {
		t.Fatalf("GetOnline() error: %v", err)
	}
	if !found || connID != "c1" {
		t.Fatalf("expected (c1, true), got (%q, %v)", connID, found)
	}
}

func TestMemoryStore_AbsenceIsNotAnError(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, found, err := s.GetOnline(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetOnline() error: %v", err)
	}
	if found {
		t.Error("expected absent user")
	}

	conns, err := s.Conns(ctx, "nobody")
	if err != nil {
		t.Fatalf("Conns() error: %v", err)
	}
	if len(conns) != 0 {
		t.Errorf("expected empty set, got %v", conns)
	}

	if err := s.RemoveConn(ctx, "nobody", "c1"); err != nil {
		t.Errorf("RemoveConn() on absent user must be a no-op, got %v", err)
	}
	if err := s.SetOffline(ctx, "nobody"); err != nil {
		t.Errorf("SetOffline() on absent user must be a no-op, got %v", err)
	}
}

func TestMemoryStore_ExpiredRecordIsAbsent(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.SetOnline(ctx, "A", "c1", time.Minute); err != nil {
		t.Fatalf("SetOnline() error: %v", err)
	}

	// Advance past the TTL: the record must read as absent even though it
	// has not been physically removed yet.
	now = now.Add(2 * time.Minute)

	if _, found, _ := s.GetOnline(ctx, "A"); found {
		t.Error("expected expired record to be absent on GetOnline")
	}
	conns, _ := s.Conns(ctx, "A")
	if len(conns) != 0 {
		t.Errorf("expected expired record to be absent on Conns, got %v", conns)
	}
}

func TestMemoryStore_AddConnRefreshesTTL(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	_ = s.SetOnline(ctx, "A", "c1", time.Minute)

	// Periodic liveness signal 50s in: refreshes the deadline.
	now = now.Add(50 * time.Second)
	_ = s.AddConn(ctx, "A", "c1")

	// 50s later the original TTL would have lapsed, the refreshed one not.
	now = now.Add(50 * time.Second)
	if _, found, _ := s.GetOnline(ctx, "A"); !found {
		t.Error("expected record alive after TTL refresh")
	}
}

func TestMemoryStore_MultipleConns(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_ = s.SetOnline(ctx, "A", "c1", time.Minute)
	_ = s.AddConn(ctx, "A", "c2")

	conns, err := s.Conns(ctx, "A")
	if err != nil {
		t.Fatalf("Conns() error: %v", err)
	}
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "c1" || conns[1] != "c2" {
		t.Fatalf("expected [c1 c2], got %v", conns)
	}
}

func TestMemoryStore_DrainedSetGoesOffline(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_ = s.SetOnline(ctx, "A", "c1", time.Minute)
	_ = s.RemoveConn(ctx, "A", "c1")

	if _, found, _ := s.GetOnline(ctx, "A"); found {
		t.Error("expected user offline after last conn removed")
	}
	conns, _ := s.Conns(ctx, "A")
	if len(conns) != 0 {
		t.Errorf("expected empty set, got %v", conns)
	}
}

func TestMemoryStore_RemovePrimaryKeepsSecondary(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_ = s.SetOnline(ctx, "A", "c1", time.Minute)
	_ = s.AddConn(ctx, "A", "c2")
	_ = s.RemoveConn(ctx, "A", "c1")

	// Primary marker is gone but the secondary connection survives.
	if _, found, _ := s.GetOnline(ctx, "A"); found {
		t.Error("expected primary marker cleared")
	}
	conns, _ := s.Conns(ctx, "A")
	if len(conns) != 1 || conns[0] != "c2" {
		t.Fatalf("expected [c2], got %v", conns)
	}
}
