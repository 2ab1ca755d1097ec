package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const publishTimeout = 10 * time.Second

// Kind classifies what an adapter put on the bus.
type Kind int

const (
	EventMessage Kind = iota + 1
	EventChatMetadata
)

func (k Kind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventChatMetadata:
		return "chat_metadata"
	}
	return "unknown"
}

// Event is one inbound signal from a channel adapter. Exactly one of
// Message or Metadata is set, according to Kind.
type Event struct {
	Kind     Kind
	Channel  string
	Message  domain.CanonicalMessage
	Metadata domain.ChatMetadata
}

// Publisher is the write side adapters depend on.
type Publisher interface {
	PublishMessage(channel string, msg domain.CanonicalMessage)
	PublishChatMetadata(channel string, meta domain.ChatMetadata)
}

// InMemoryBus is a Go-channel based queue between adapters and the dispatch coordinator.
type InMemoryBus struct {
	events chan Event
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

func (b *InMemoryBus) PublishMessage(channel string, msg domain.CanonicalMessage) {
	b.Publish(Event{Kind: EventMessage, Channel: channel, Message: msg})
}

func (b *InMemoryBus) PublishChatMetadata(channel string, meta domain.ChatMetadata) {
	b.Publish(Event{Kind: EventChatMetadata, Channel: channel, Metadata: meta})
}

// Publish blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "kind", ev.Kind, "channel", ev.Channel)
		return
	}

	select {
	case b.events <- ev:
	default:
		b.logger.Warn("bus full, waiting...", "kind", ev.Kind, "channel", ev.Channel)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- ev:
			b.logger.Info("event delivered after wait", "kind", ev.Kind, "channel", ev.Channel)
		case <-timer.C:
			b.logger.Error("event dropped: bus full for 10s",
				"kind", ev.Kind,
				"channel", ev.Channel,
				"chat_jid", ev.jid(),
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan Event {
	return b.events
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

func (ev Event) jid() string {
	if ev.Kind == EventMessage {
		return ev.Message.ConversationID
	}
	return ev.Metadata.ConversationID
}
