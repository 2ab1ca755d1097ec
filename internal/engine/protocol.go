// Package engine carries canonical messages to the assistant engine and
// engine commands back to the platforms. Frames are JSON objects, one per
// line on a process's stdio or one per websocket message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatrelay/internal/domain"
)

// Frame types.
const (
	FrameMessage = "message" // relay → engine
	FrameSend    = "send"    // engine → relay
	FrameTyping  = "typing"  // engine → relay
)

// ErrUnavailable means no engine is attached to receive deliveries.
var ErrUnavailable = errors.New("engine unavailable")

// Frame is one protocol unit in either direction.
type Frame struct {
	Type           string                   `json:"type"`
	Seq            uint64                   `json:"seq,omitempty"`
	Message        *domain.CanonicalMessage `json:"message,omitempty"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	Text           string                   `json:"text,omitempty"`
	Typing         bool                     `json:"typing,omitempty"`
}

func messageFrame(seq uint64, msg domain.CanonicalMessage) Frame {
	return Frame{Type: FrameMessage, Seq: seq, Message: &msg}
}

// Engine is a domain.Engine with a lifecycle. Attach must be called before
// Run; it wires engine commands to the outbound side.
type Engine interface {
	domain.Engine
	Attach(out domain.Outbound)
	Run(ctx context.Context) error
}

// apply executes an engine → relay frame.
func apply(ctx context.Context, out domain.Outbound, f Frame, logger *slog.Logger) error {
	if out == nil {
		return fmt.Errorf("no outbound attached")
	}
	switch f.Type {
	case FrameSend:
		if f.ConversationID == "" {
			return fmt.Errorf("send frame without conversation_id")
		}
		return out.Send(ctx, f.ConversationID, f.Text)
	case FrameTyping:
		if f.ConversationID == "" {
			return fmt.Errorf("typing frame without conversation_id")
		}
		return out.SetTyping(ctx, f.ConversationID, f.Typing)
	default:
		logger.Warn("unknown engine frame", "type", f.Type)
		return nil
	}
}
