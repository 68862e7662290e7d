package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process presence backend used when Redis is not
// reachable. It keeps TTL bookkeeping manually: an entry whose deadline has
// passed is treated as absent on read and purged lazily.
//
// Visibility is limited to this process, which is the accepted degraded
// behavior when the shared store is down.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userEntry
	ttl   time.Duration
	now   func() time.Time // injectable for TTL tests
}

type userEntry struct {
	primary  string
	conns    map[string]struct{}
	deadline time.Time
}

// NewMemoryStore creates an empty in-process store. The ttl applies to every
// record and is refreshed by SetOnline and AddConn.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		users: make(map[string]*userEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// expired reports whether the entry's TTL has lapsed.
func (s *MemoryStore) expired(e *userEntry) bool {
	return s.now().After(e.deadline)
}

// get returns the user's entry, purging it first if expired. Callers must
// hold the write lock.
func (s *MemoryStore) get(userID string) *userEntry {
	e, ok := s.users[userID]
	if !ok {
		return nil
	}
	if s.expired(e) {
		delete(s.users, userID)
		return nil
	}
	return e
}

// SetOnline records conn as the user's sole connection with the given TTL.
func (s *MemoryStore) SetOnline(ctx context.Context, userID, connID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[userID] = &userEntry{
		primary:  connID,
		conns:    map[string]struct{}{connID: {}},
		deadline: s.now().Add(ttl),
	}
	return nil
}

// GetOnline returns the user's primary connection, honoring TTL expiry.
func (s *MemoryStore) GetOnline(ctx context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(userID)
	if e == nil || e.primary == "" {
		return "", false, nil
	}
	return e.primary, true, nil
}

// SetOffline removes every record for the user.
func (s *MemoryStore) SetOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, userID)
	return nil
}

// AddConn adds conn to the user's set and refreshes the deadline.
func (s *MemoryStore) AddConn(ctx context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(userID)
	if e == nil {
		e = &userEntry{conns: make(map[string]struct{})}
		s.users[userID] = e
	}
	e.conns[connID] = struct{}{}
	e.deadline = s.now().Add(s.ttl)
	return nil
}

// RemoveConn removes conn from the user's set; a drained set removes the
// whole record so the user reads as offline.
func (s *MemoryStore) RemoveConn(ctx context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(userID)
	if e == nil {
		return nil
	}
	delete(e.conns, connID)
	if e.primary == connID {
		e.primary = ""
	}
	if len(e.conns) == 0 {
		delete(s.users, userID)
	}
	return nil
}

// Conns returns a snapshot of the user's live connection set.
func (s *MemoryStore) Conns(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(userID)
	if e == nil {
		return []string{}, nil
	}
	conns := make([]string, 0, len(e.conns))
	for id := range e.conns {
		conns = append(conns, id)
	}
	return conns, nil
}
