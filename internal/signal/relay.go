// Package signal relays call and friend-request events between users
// without inspecting or storing them. The gateway stamps the sender's
// identity onto each event and passes the original bytes through, so new
// signaling fields never require a server change.
package signal

import (
	"context"
	"log"

	"github.com/JiekeWang/Tongxun-sub001/internal/metrics"
	"github.com/JiekeWang/Tongxun-sub001/internal/protocol"
	"github.com/JiekeWang/Tongxun-sub001/internal/registry"
)

// Bus forwards signaling bytes to instances holding the target user.
type Bus interface {
	PublishDeliver(userID string, data []byte) error
}

// Relay forwards signaling events to a target user's live connections.
type Relay struct {
	reg *registry.Registry
	bus Bus
}

// NewRelay creates a Relay. bus may be nil in single-instance setups.
func NewRelay(reg *registry.Registry, bus Bus) *Relay {
	return &Relay{reg: reg, bus: bus}
}

// ToUser stamps fromUserID onto the raw event and forwards it to every live
// connection of the target user, locally and over the bus. An offline or
// unknown target is a silent no-op: signaling state lives in the clients,
// and a stale event delivered later would only confuse them.
func (r *Relay) ToUser(ctx context.Context, fromUserID string, msg *protocol.SignalMsg) error {
	if msg.ToUserID == "" || msg.ToUserID == fromUserID {
		return nil
	}
	data, err := protocol.InjectField(msg.Raw, "fromUserId", fromUserID)
	if err != nil {
		log.Printf("signal: stamp sender type=%s from=%s: %v", msg.Type, fromUserID, err)
		return err
	}

	var stale []string
	for _, c := range r.reg.Connections(msg.ToUserID) {
		if !c.Live() {
			stale = append(stale, c.ID())
			continue
		}
		if err := c.Write(data); err != nil {
			log.Printf("signal: relay type=%s to=%s conn=%s: %v", msg.Type, msg.ToUserID, c.ID(), err)
			metrics.DeliveryFailures.Inc()
			stale = append(stale, c.ID())
		}
	}
	if len(stale) > 0 {
		r.reg.RemoveConns(ctx, msg.ToUserID, stale)
	}

	if r.bus != nil {
		if err := r.bus.PublishDeliver(msg.ToUserID, data); err != nil {
			log.Printf("signal: bus relay type=%s to=%s: %v", msg.Type, msg.ToUserID, err)
		}
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	return nil
}
