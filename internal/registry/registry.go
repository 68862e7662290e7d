// Package registry is the per-process authoritative map from user identity
// to live connection objects. Every mutation is mirrored to the presence
// store so other gateway instances can discover this instance's sessions.
package registry

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/JiekeWang/Tongxun-sub001/internal/presence"
)

// Conn is the registry's view of a live client connection. The transport
// layer owns the concrete object; the registry holds non-owning references.
type Conn interface {
	ID() string
	UserID() string
	Write(data []byte) error
	Live() bool
	Close() error
}

// shardCount is the number of per-user lock shards. Unrelated users hash to
// different shards so their traffic never serializes on one lock.
const shardCount = 32

// mirrorTimeout bounds each presence-store reconciliation call.
const mirrorTimeout = 3 * time.Second

type shard struct {
	mu    sync.Mutex
	conns map[string][]Conn // userID -> live connections
}

// Registry maps users to their live connections with sharded per-user
// locking. Read-modify-write on a user's connection set is atomic under the
// user's shard lock, so a concurrent eviction and admission cannot lose an
// update.
type Registry struct {
	shards   [shardCount]*shard
	presence presence.Store
}

// New creates a Registry mirroring its mutations into the given presence
// store.
func New(store presence.Store) *Registry {
	r := &Registry{presence: store}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string][]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Add registers a connection under its owning user and mirrors the addition
// to the presence store.
func (r *Registry) Add(ctx context.Context, conn Conn) {
	userID := conn.UserID()
	s := r.shardFor(userID)

	s.mu.Lock()
	s.conns[userID] = append(s.conns[userID], conn)
	s.mu.Unlock()

	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := r.presence.AddConn(mctx, userID, conn.ID()); err != nil {
		log.Printf("registry: presence mirror add %s/%s: %v", userID, conn.ID(), err)
	}
}

// Remove drops one connection of the user and mirrors the removal.
func (r *Registry) Remove(ctx context.Context, userID, connID string) {
	r.RemoveConns(ctx, userID, []string{connID})
}

// RemoveConns drops a batch of the user's connections in one pass under the
// shard lock, then reconciles the presence store per removed connection.
// IDs with no registered connection are skipped silently; the presence
// deletes are idempotent and safe to repeat.
//
// The presence store is shared across instances: this instance's set
// draining does not mean the user is offline, since another instance may
// still hold a live session. Only per-connection removals are mirrored;
// the store itself marks the user offline when its global set drains.
func (r *Registry) RemoveConns(ctx context.Context, userID string, connIDs []string) {
	if len(connIDs) == 0 {
		return
	}
	drop := make(map[string]bool, len(connIDs))
	for _, id := range connIDs {
		drop[id] = true
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	kept := s.conns[userID][:0]
	for _, c := range s.conns[userID] {
		if !drop[c.ID()] {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(s.conns, userID)
	} else {
		s.conns[userID] = kept
	}
	s.mu.Unlock()

	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	for _, id := range connIDs {
		if err := r.presence.RemoveConn(mctx, userID, id); err != nil {
			log.Printf("registry: presence mirror remove %s/%s: %v", userID, id, err)
		}
	}
}

// SetSole registers conn as the user's only live connection, replacing the
// local set and marking the user online in the presence store with the
// given TTL. The Single-Device Enforcer calls this as its final step.
func (r *Registry) SetSole(ctx context.Context, conn Conn, ttl time.Duration) {
	userID := conn.UserID()
	s := r.shardFor(userID)

	s.mu.Lock()
	s.conns[userID] = []Conn{conn}
	s.mu.Unlock()

	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := r.presence.SetOnline(mctx, userID, conn.ID(), ttl); err != nil {
		log.Printf("registry: presence mirror online %s/%s: %v", userID, conn.ID(), err)
	}
}

// Connections returns a snapshot of the user's live connections, safe to
// iterate without holding any lock.
func (r *Registry) Connections(userID string) []Conn {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]Conn, len(s.conns[userID]))
	copy(conns, s.conns[userID])
	return conns
}

// Get returns the user's connection with the given ID, or nil.
func (r *Registry) Get(userID, connID string) Conn {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conns[userID] {
		if c.ID() == connID {
			return c
		}
	}
	return nil
}

// Count returns the total number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, conns := range s.conns {
			n += len(conns)
		}
		s.mu.Unlock()
	}
	return n
}
