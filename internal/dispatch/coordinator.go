// Package dispatch connects the event bus to the message store and the
// assistant engine, and carries engine output back to the router.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

// Source is the read side of the event bus.
type Source interface {
	Subscribe() <-chan bus.Event
}

// Coordinator persists inbound events, forwards messages to the engine in
// bus order and relays outbound sends. It holds no business logic.
type Coordinator struct {
	source        Source
	store         domain.MessageStore
	engine        domain.Engine
	router        domain.Outbound
	notices       *bus.Notices
	assistantName string
	logger        *slog.Logger

	seq atomic.Uint64
}

// CoordinatorConfig configures a Coordinator. Store and Notices may be nil.
type CoordinatorConfig struct {
	Source        Source
	Store         domain.MessageStore
	Engine        domain.Engine
	Router        domain.Outbound
	Notices       *bus.Notices
	AssistantName string
	Logger        *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		source:        cfg.Source,
		store:         cfg.Store,
		engine:        cfg.Engine,
		router:        cfg.Router,
		notices:       cfg.Notices,
		assistantName: cfg.AssistantName,
		logger:        logger.With("component", "dispatch"),
	}
}

// Run consumes the bus until ctx ends or the bus is closed. Events are
// handled one at a time so sequence numbers follow bus order.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("dispatch started")
	events := c.source.Subscribe()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("dispatch stopping")
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("bus closed, dispatch stopping")
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.EventChatMetadata:
		if c.store == nil {
			return
		}
		if err := c.store.StoreChatMetadata(ctx, ev.Metadata); err != nil {
			c.logger.Error("failed to store chat metadata", "chat_jid", ev.Metadata.ConversationID, "err", err)
		}
	case bus.EventMessage:
		c.forward(ctx, ev.Channel, ev.Message)
	default:
		c.logger.Warn("unknown event kind", "kind", ev.Kind, "channel", ev.Channel)
	}
}

// forward stamps the next sequence number, stores msg and hands it to the
// engine. A store failure does not hold the message back.
func (c *Coordinator) forward(ctx context.Context, channel string, msg domain.CanonicalMessage) {
	seq := c.seq.Add(1)

	if c.store != nil {
		if err := c.store.StoreMessage(ctx, seq, msg); err != nil {
			c.logger.Error("failed to store message", "chat_jid", msg.ConversationID, "seq", seq, "err", err)
		}
	}

	if c.engine == nil {
		return
	}
	err := c.engine.Deliver(ctx, seq, msg)
	metrics.EngineDeliveries.WithLabelValues(metrics.Result(err == nil)).Inc()
	if err != nil {
		c.logger.Error("engine delivery failed", "chat_jid", msg.ConversationID, "seq", seq, "err", err)
		return
	}
	c.notices.Emit(bus.Notice{Type: bus.NoticeMessageForwarded, Channel: channel, JID: msg.ConversationID})
	c.logger.Debug("message forwarded", "chat_jid", msg.ConversationID, "seq", seq)
}

// Seq returns the last sequence number handed out.
func (c *Coordinator) Seq() uint64 {
	return c.seq.Load()
}

// Send routes text to the owning adapter and records it as our own message.
// Blank text sends nothing.
func (c *Coordinator) Send(ctx context.Context, jid, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := c.router.Send(ctx, jid, text); err != nil {
		return err
	}
	if c.store == nil {
		return nil
	}
	msg := domain.CanonicalMessage{
		ID:             uuid.NewString(),
		ConversationID: jid,
		SenderName:     c.assistantName,
		Content:        text,
		Timestamp:      time.Now().UTC(),
		IsFromMe:       true,
	}
	if err := c.store.StoreMessage(ctx, 0, msg); err != nil {
		c.logger.Warn("failed to store sent message", "chat_jid", jid, "err", err)
	}
	return nil
}

// SetTyping forwards a typing indicator.
func (c *Coordinator) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	return c.router.SetTyping(ctx, jid, isTyping)
}
