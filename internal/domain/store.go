package domain

import (
	"context"
	"time"
)

// RegistrationSource answers which conversations are opted in.
// Implementations must reflect live state; adapters call it once per event.
type RegistrationSource interface {
	RegisteredConversations(ctx context.Context) (map[string]RegisteredConversation, error)
}

// CredentialStore holds per-platform session material.
type CredentialStore interface {
	LoadSession(ctx context.Context, platform string) ([]byte, bool, error)
	SaveSession(ctx context.Context, platform string, blob []byte) error
}

// MessageStore is the durable, append-only log of canonical messages.
// seq is the coordinator's forward order; 0 for messages that were never
// forwarded.
type MessageStore interface {
	StoreMessage(ctx context.Context, seq uint64, msg CanonicalMessage) error
	StoreChatMetadata(ctx context.Context, meta ChatMetadata) error
}

// ChatInfo is a discovered conversation as seen by the store.
type ChatInfo struct {
	ConversationID string    `json:"jid"`
	Name           string    `json:"name"`
	LastActivity   time.Time `json:"last_activity"`
	Registered     bool      `json:"registered"`
}
