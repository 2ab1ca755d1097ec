package domain

import "context"

// Engine is the downstream assistant/automation process.
type Engine interface {
	Deliver(ctx context.Context, seq uint64, msg CanonicalMessage) error
}

// Outbound is what the engine uses to talk back to platforms.
type Outbound interface {
	Send(ctx context.Context, jid string, text string) error
	SetTyping(ctx context.Context, jid string, isTyping bool) error
}
