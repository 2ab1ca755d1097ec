package domain

import (
	"strings"
	"time"
)

// EventKind is the closed set of inbound platform events the adapters normalize.
type EventKind string

const (
	KindText     EventKind = "text"
	KindPhoto    EventKind = "photo"
	KindVideo    EventKind = "video"
	KindVoice    EventKind = "voice"
	KindAudio    EventKind = "audio"
	KindDocument EventKind = "document"
	KindSticker  EventKind = "sticker"
	KindLocation EventKind = "location"
	KindContact  EventKind = "contact"
)

// HasFile reports whether events of this kind carry downloadable media.
func (k EventKind) HasFile() bool {
	switch k {
	case KindPhoto, KindVideo, KindVoice, KindAudio, KindDocument:
		return true
	}
	return false
}

// CanonicalMessage is the platform-neutral shape every inbound event is converted into.
// Content is always finished text; media is inlined as a bracketed placeholder.
type CanonicalMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"chat_jid"`
	SenderID       string    `json:"sender"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	IsFromMe       bool      `json:"is_from_me"`

	// Registration context for the engine's trigger filtering. Not persisted.
	Folder          string `json:"folder,omitempty"`
	RequiresTrigger bool   `json:"requires_trigger"`
	Triggered       bool   `json:"triggered"`
}

// ChatMetadata is the lighter discovery signal emitted for every event,
// registered or not.
type ChatMetadata struct {
	ConversationID string    `json:"chat_jid"`
	Timestamp      time.Time `json:"timestamp"`
	DisplayName    string    `json:"name,omitempty"`
}

// RegisteredConversation is the opt-in record that lets a conversation's
// content reach the assistant engine.
type RegisteredConversation struct {
	ConversationID  string    `json:"jid"`
	DisplayName     string    `json:"name"`
	StorageFolder   string    `json:"folder"`
	RequiresTrigger bool      `json:"requires_trigger"`
	AddedAt         time.Time `json:"added_at"`
}

// JID builds a namespaced conversation id ("tg" + "555" -> "tg:555").
func JID(prefix, nativeID string) string {
	return prefix + ":" + nativeID
}

// SplitJID splits a conversation id into platform prefix and native id.
func SplitJID(jid string) (prefix, nativeID string, ok bool) {
	prefix, nativeID, ok = strings.Cut(jid, ":")
	if !ok || prefix == "" || nativeID == "" {
		return "", "", false
	}
	return prefix, nativeID, true
}
