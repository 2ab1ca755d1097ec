package domain

import "context"

// Channel is one live connection to a chat platform (Telegram, WhatsApp Web, Discord, Slack).
type Channel interface {
	Name() string
	// Prefix is the conversation-id namespace this channel owns, without the colon.
	Prefix() string
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, jid string, text string) error
	SetTyping(ctx context.Context, jid string, isTyping bool) error
	IsConnected() bool
	OwnsJID(jid string) bool
	Disconnect() error
}
