package chat

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JiekeWang/Tongxun-sub001/internal/messaging"
	"github.com/JiekeWang/Tongxun-sub001/internal/metrics"
	"github.com/JiekeWang/Tongxun-sub001/internal/presence"
	"github.com/JiekeWang/Tongxun-sub001/internal/protocol"
	"github.com/JiekeWang/Tongxun-sub001/internal/registry"
)

// KickReason is the reason field carried by eviction notices.
const KickReason = "new_session"

// KickMessage is the human-readable text carried by eviction notices.
const KickMessage = "Your account signed in on another device"

// presenceTimeout bounds the presence-store read during admission.
const presenceTimeout = 3 * time.Second

// admitShards is the number of per-user admission locks.
const admitShards = 32

// Bus publishes cross-instance gateway events. It may be nil in
// single-instance deployments and tests; cross-process eviction and
// delivery then degrade to local-only.
type Bus interface {
	PublishKick(userID string, notice messaging.KickNotice) error
	PublishDeliver(userID string, data []byte) error
}

// EvictionState tracks one stale session through the notify-then-close
// protocol.
type EvictionState int32

const (
	// EvictionPending means the notice has been (or is being) sent and the
	// grace window has not elapsed.
	EvictionPending EvictionState = iota
	// EvictionClosed means the stale connection was closed after the grace
	// window.
	EvictionClosed
	// EvictionTimedOut means the overall admission bound fired before this
	// eviction confirmed; the connection is abandoned best-effort.
	EvictionTimedOut
)

// Eviction is the explicit protocol object for one stale session being
// evicted. Tests inject a fake clock and assert on its intermediate state.
type Eviction struct {
	ConnID string
	state  int32
}

// State returns the eviction's current state.
func (e *Eviction) State() EvictionState {
	return EvictionState(atomic.LoadInt32(&e.state))
}

// transition moves Pending to next; later transitions lose.
func (e *Eviction) transition(next EvictionState) bool {
	return atomic.CompareAndSwapInt32(&e.state, int32(EvictionPending), int32(next))
}

// EnforcerConfig holds the single-device policy bounds.
type EnforcerConfig struct {
	Grace       time.Duration // delay between eviction notice and forced close
	Wait        time.Duration // overall bound on waiting for all evictions
	PresenceTTL time.Duration // TTL for the admitted session's presence record
}

// DefaultEnforcerConfig returns the production bounds.
func DefaultEnforcerConfig() EnforcerConfig {
	return EnforcerConfig{
		Grace:       200 * time.Millisecond,
		Wait:        500 * time.Millisecond,
		PresenceTTL: presence.DefaultTTL,
	}
}

// Enforcer applies the single-active-session policy: on every newly
// authenticated connection it locates and evicts all other live sessions of
// the same user, local and cross-process, before the new connection becomes
// routable.
type Enforcer struct {
	reg   *registry.Registry
	pres  presence.Store
	bus   Bus
	cfg   EnforcerConfig
	clock Clock

	// Admissions for the same user must not interleave: two concurrent
	// logins could each read the session set before either registers and
	// both survive. Sharded per-user locks keep unrelated users parallel.
	admitMu [admitShards]sync.Mutex
}

// NewEnforcer creates an Enforcer. bus may be nil.
func NewEnforcer(reg *registry.Registry, pres presence.Store, bus Bus, cfg EnforcerConfig) *Enforcer {
	if cfg.Grace <= 0 {
		cfg.Grace = 200 * time.Millisecond
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 500 * time.Millisecond
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = presence.DefaultTTL
	}
	return &Enforcer{
		reg:   reg,
		pres:  pres,
		bus:   bus,
		cfg:   cfg,
		clock: SystemClock(),
	}
}

// SetClock overrides the clock; used by tests.
func (e *Enforcer) SetClock(c Clock) { e.clock = c }

func (e *Enforcer) admitLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &e.admitMu[h.Sum32()%admitShards]
}

// Admit evicts every other live session of the connection's user and
// registers conn as the sole session in both the registry and the presence
// store. Each eviction is independent and best-effort: a failed notify or
// close never blocks the others nor the admission itself, and the overall
// wait is bounded. Admit always succeeds; the new connection becomes
// primary regardless of how the evictions fared.
func (e *Enforcer) Admit(ctx context.Context, conn registry.Conn) []*Eviction {
	userID := conn.UserID()

	// One admission at a time per user: the read-union, evictions and
	// final registration must be atomic against a competing login.
	mu := e.admitLock(userID)
	mu.Lock()
	defer mu.Unlock()

	// Union of local sessions and the presence store's view (which covers
	// sessions held by other instances), excluding the arriving connection.
	local := make(map[string]registry.Conn)
	for _, c := range e.reg.Connections(userID) {
		if c.ID() != conn.ID() && c.Live() {
			local[c.ID()] = c
		}
	}

	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	known, err := e.pres.Conns(pctx, userID)
	cancel()
	if err != nil {
		// Degraded visibility: local eviction still proceeds.
		log.Printf("chat: presence read during admission user=%s: %v", userID, err)
	}
	var remote []string
	for _, id := range known {
		if id == conn.ID() {
			continue
		}
		if _, ok := local[id]; !ok {
			remote = append(remote, id)
		}
	}

	evictions := make([]*Eviction, 0, len(local))
	var wg sync.WaitGroup
	for _, stale := range local {
		ev := &Eviction{ConnID: stale.ID()}
		evictions = append(evictions, ev)
		wg.Add(1)
		go func(c registry.Conn, ev *Eviction) {
			defer wg.Done()
			e.evict(c, ev)
		}(stale, ev)
	}

	// Sessions on other instances get their notice relayed; the owning
	// instance runs the same notify-then-close sequence on its side.
	if len(remote) > 0 && e.bus != nil {
		notice := messaging.KickNotice{
			ConnIDs:   remote,
			Reason:    KickReason,
			Message:   KickMessage,
			Timestamp: e.clock.Now().UnixMilli(),
		}
		if err := e.bus.PublishKick(userID, notice); err != nil {
			log.Printf("chat: publish kick user=%s: %v", userID, err)
		}
	}

	// Wait for local evictions, bounded: a stalled peer must not delay
	// admission past the overall bound.
	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-e.clock.After(e.cfg.Wait):
		for _, ev := range evictions {
			if ev.transition(EvictionTimedOut) {
				log.Printf("chat: eviction timed out user=%s conn=%s", userID, ev.ConnID)
			}
		}
	}

	// Purge everything that was evicted (or ordered evicted remotely) from
	// both stores. The deletes are idempotent; the owning instance of a
	// remote session repeats them as it closes its side.
	purge := make([]string, 0, len(local)+len(remote))
	for id := range local {
		purge = append(purge, id)
	}
	purge = append(purge, remote...)
	if len(purge) > 0 {
		e.reg.RemoveConns(ctx, userID, purge)
		metrics.EvictionsTotal.Add(float64(len(purge)))
	}

	// The new connection becomes the user's sole live session.
	e.reg.SetSole(ctx, conn, e.cfg.PresenceTTL)
	return evictions
}

// evict runs the notify-then-delay-then-close sequence for one stale
// connection. The delay gives the evicted client a chance to receive and
// act on the notice before the transport is torn down.
func (e *Enforcer) evict(c registry.Conn, ev *Eviction) {
	data, err := protocol.NewServerMessage(protocol.TypeAccountKicked, protocol.AccountKickedMsg{
		Reason:    KickReason,
		Message:   KickMessage,
		Timestamp: e.clock.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("chat: build kick notice conn=%s: %v", c.ID(), err)
	} else if err := c.Write(data); err != nil {
		log.Printf("chat: kick notice conn=%s: %v", c.ID(), err)
	}

	<-e.clock.After(e.cfg.Grace)

	if c.Live() {
		if err := c.Close(); err != nil {
			log.Printf("chat: close evicted conn=%s: %v", c.ID(), err)
		}
	}
	ev.transition(EvictionClosed)
}

// HandleRemoteKick applies an eviction notice published by another instance
// to this instance's local connections. Only the connections named in the
// notice are touched; the arriving session on the other instance is not
// known here.
func (e *Enforcer) HandleRemoteKick(ctx context.Context, userID string, notice messaging.KickNotice) {
	for _, id := range notice.ConnIDs {
		c := e.reg.Get(userID, id)
		if c == nil {
			continue
		}
		go func(c registry.Conn) {
			ev := &Eviction{ConnID: c.ID()}
			e.evict(c, ev)
			e.reg.Remove(context.Background(), userID, c.ID())
			metrics.EvictionsTotal.Inc()
		}(c)
	}
}
