package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JiekeWang/Tongxun-sub001/internal/metrics"
	"github.com/JiekeWang/Tongxun-sub001/internal/protocol"
	"github.com/JiekeWang/Tongxun-sub001/internal/registry"
	"github.com/JiekeWang/Tongxun-sub001/internal/store"
)

// DefaultRecallWindow is how long after sending a message its author may
// still recall it.
const DefaultRecallWindow = 2 * time.Minute

// persistTimeout bounds the background persistence of one fan-out.
const persistTimeout = 10 * time.Second

var (
	// ErrNotSender is returned when a recall is attempted by a user who did
	// not author the message.
	ErrNotSender = errors.New("chat: recall requested by non-sender")
	// ErrRecallExpired is returned when the recall window has elapsed.
	ErrRecallExpired = errors.New("chat: recall window expired")
	// ErrUnknownMessage is returned when a recall names a message with no
	// stored copies.
	ErrUnknownMessage = errors.New("chat: unknown message")
)

// Storage is the persistence surface the router needs. store.Store
// implements it; tests substitute a fake.
type Storage interface {
	InsertMessage(ctx context.Context, row *store.MessageRow) error
	MessageCopies(ctx context.Context, messageID string) ([]store.MessageRow, error)
	MarkRecalled(ctx context.Context, messageID string) error
	UpsertSummary(ctx context.Context, row *store.SummaryRow) error
	GroupMembers(ctx context.Context, conversationID string) ([]string, error)
}

// RouterConfig holds the routing policy knobs.
type RouterConfig struct {
	RecallWindow time.Duration
}

// Router fans messages out to their recipients: live local connections get
// the bytes directly, everyone else is reached through the bus, and every
// copy is persisted per receiver so offline users catch up on reconnect.
type Router struct {
	reg   *registry.Registry
	store Storage
	bus   Bus
	cfg   RouterConfig
	clock Clock
}

// NewRouter creates a Router. bus may be nil in single-instance setups.
func NewRouter(reg *registry.Registry, st Storage, bus Bus, cfg RouterConfig) *Router {
	if cfg.RecallWindow <= 0 {
		cfg.RecallWindow = DefaultRecallWindow
	}
	return &Router{
		reg:   reg,
		store: st,
		bus:   bus,
		cfg:   cfg,
		clock: SystemClock(),
	}
}

// SetClock overrides the clock; used by tests.
func (r *Router) SetClock(c Clock) { r.clock = c }

// Route validates and fans out one message envelope from sender. The sender
// gets an immediate message_sent acknowledgment; persistence runs in the
// background so a slow database never stalls the hot path. Validation
// failures produce an error event on the sender's connection and no side
// effects.
func (r *Router) Route(ctx context.Context, sender registry.Conn, env *protocol.MessageEnvelope) error {
	if env.MessageID == "" || env.ConversationID == "" || env.Content == "" {
		r.sendError(sender, "message requires messageId, conversationId and content")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil
	}
	env.FromUserID = sender.UserID()
	if env.Timestamp == 0 {
		env.Timestamp = r.clock.Now().UnixMilli()
	}

	// A conversation with registered members is a group; anything else is a
	// direct conversation addressed by toUserId.
	members, err := r.store.GroupMembers(ctx, env.ConversationID)
	if err != nil {
		log.Printf("chat: group lookup conversation=%s: %v", env.ConversationID, err)
		r.sendError(sender, "conversation lookup failed")
		metrics.MessagesTotal.WithLabelValues("error").Inc()
		return err
	}

	var receivers []string
	if len(members) > 0 {
		isMember := false
		for _, m := range members {
			if m == env.FromUserID {
				isMember = true
				continue
			}
			receivers = append(receivers, m)
		}
		if !isMember {
			r.sendError(sender, "not a member of this conversation")
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return nil
		}
	} else {
		if env.ToUserID == "" || env.ToUserID == env.FromUserID {
			r.sendError(sender, "message requires a valid toUserId")
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return nil
		}
		receivers = []string{env.ToUserID}
	}

	timer := prometheus.NewTimer(metrics.FanoutDuration)
	for _, userID := range receivers {
		out := *env
		out.ToUserID = userID
		data, err := protocol.NewServerMessage(protocol.TypeMessage, &out)
		if err != nil {
			log.Printf("chat: encode message=%s to=%s: %v", env.MessageID, userID, err)
			metrics.DeliveryFailures.Inc()
			continue
		}
		r.deliver(ctx, userID, data)
	}
	timer.ObserveDuration()

	ack, err := protocol.NewServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
		MessageID: env.MessageID,
		Status:    "sent",
		Timestamp: r.clock.Now().UnixMilli(),
	})
	if err == nil {
		if werr := sender.Write(ack); werr != nil {
			log.Printf("chat: ack message=%s user=%s: %v", env.MessageID, env.FromUserID, werr)
		}
	}
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()

	go r.persist(*env, receivers)
	return nil
}

// deliver writes data to every live local connection of userID, purging any
// that fail, and forwards to other instances through the bus. A failed
// delivery to one recipient never affects the others.
func (r *Router) deliver(ctx context.Context, userID string, data []byte) {
	var stale []string
	for _, c := range r.reg.Connections(userID) {
		if !c.Live() {
			stale = append(stale, c.ID())
			continue
		}
		if err := c.Write(data); err != nil {
			log.Printf("chat: deliver user=%s conn=%s: %v", userID, c.ID(), err)
			metrics.DeliveryFailures.Inc()
			stale = append(stale, c.ID())
		}
	}
	if len(stale) > 0 {
		r.reg.RemoveConns(ctx, userID, stale)
	}
	if r.bus != nil {
		if err := r.bus.PublishDeliver(userID, data); err != nil {
			log.Printf("chat: bus deliver user=%s: %v", userID, err)
		}
	}
}

// DeliverLocal writes already-encoded bytes to userID's live local
// connections. It backs the bus subscription handler for cross-instance
// deliveries.
func (r *Router) DeliverLocal(ctx context.Context, userID string, data []byte) {
	var stale []string
	for _, c := range r.reg.Connections(userID) {
		if !c.Live() {
			stale = append(stale, c.ID())
			continue
		}
		if err := c.Write(data); err != nil {
			log.Printf("chat: remote deliver user=%s conn=%s: %v", userID, c.ID(), err)
			metrics.DeliveryFailures.Inc()
			stale = append(stale, c.ID())
		}
	}
	if len(stale) > 0 {
		r.reg.RemoveConns(ctx, userID, stale)
	}
}

// persist stores one message copy per receiver and updates conversation
// summaries: unread incremented for each receiver, zero delta for the
// sender. Runs detached from the request path.
func (r *Router) persist(env protocol.MessageEnvelope, receivers []string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	sentAt := time.UnixMilli(env.Timestamp).UTC()
	for _, userID := range receivers {
		row := &store.MessageRow{
			MessageID:      env.MessageID,
			ConversationID: env.ConversationID,
			FromUserID:     env.FromUserID,
			ToUserID:       userID,
			Content:        env.Content,
			Kind:           env.Kind,
			SentAt:         sentAt,
			Extras:         env.Extras,
		}
		if err := r.store.InsertMessage(ctx, row); err != nil {
			log.Printf("chat: persist message=%s to=%s: %v", env.MessageID, userID, err)
			continue
		}
		sum := &store.SummaryRow{
			ConversationID: env.ConversationID,
			UserID:         userID,
			LastMessage:    env.Content,
			LastMessageAt:  sentAt,
			UnreadDelta:    1,
		}
		if err := r.store.UpsertSummary(ctx, sum); err != nil {
			log.Printf("chat: summary conversation=%s user=%s: %v", env.ConversationID, userID, err)
		}
	}

	senderSum := &store.SummaryRow{
		ConversationID: env.ConversationID,
		UserID:         env.FromUserID,
		LastMessage:    env.Content,
		LastMessageAt:  sentAt,
		UnreadDelta:    0,
	}
	if err := r.store.UpsertSummary(ctx, senderSum); err != nil {
		log.Printf("chat: summary conversation=%s user=%s: %v", env.ConversationID, env.FromUserID, err)
	}
}

// Recall marks a message recalled if the requester authored it and the
// recall window has not elapsed, then notifies the sender and every
// receiver. The window check is inclusive: a recall at exactly the window
// boundary is accepted.
func (r *Router) Recall(ctx context.Context, sender registry.Conn, messageID string) error {
	copies, err := r.store.MessageCopies(ctx, messageID)
	if err != nil {
		r.sendError(sender, "recall lookup failed")
		metrics.RecallsTotal.WithLabelValues("error").Inc()
		return err
	}
	if len(copies) == 0 {
		r.sendError(sender, "unknown message")
		metrics.RecallsTotal.WithLabelValues("rejected").Inc()
		return ErrUnknownMessage
	}
	first := copies[0]
	if first.FromUserID != sender.UserID() {
		r.sendError(sender, "only the sender can recall a message")
		metrics.RecallsTotal.WithLabelValues("rejected").Inc()
		return ErrNotSender
	}
	if r.clock.Now().Sub(first.SentAt) > r.cfg.RecallWindow {
		r.sendError(sender, "recall window has expired")
		metrics.RecallsTotal.WithLabelValues("rejected").Inc()
		return ErrRecallExpired
	}

	if err := r.store.MarkRecalled(ctx, messageID); err != nil {
		r.sendError(sender, "recall failed")
		metrics.RecallsTotal.WithLabelValues("error").Inc()
		return err
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageRecalled, protocol.MessageRecalledMsg{
		MessageID:      messageID,
		ConversationID: first.ConversationID,
	})
	if err != nil {
		return err
	}
	if werr := sender.Write(data); werr != nil {
		log.Printf("chat: recall notice user=%s: %v", sender.UserID(), werr)
	}
	seen := map[string]bool{sender.UserID(): true}
	for _, row := range copies {
		if seen[row.ToUserID] {
			continue
		}
		seen[row.ToUserID] = true
		r.deliver(ctx, row.ToUserID, data)
	}
	metrics.RecallsTotal.WithLabelValues("accepted").Inc()
	return nil
}

func (r *Router) sendError(conn registry.Conn, msg string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Message: msg})
	if err != nil {
		return
	}
	if werr := conn.Write(data); werr != nil {
		log.Printf("chat: error notice conn=%s: %v", conn.ID(), werr)
	}
}
