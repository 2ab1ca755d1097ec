package channel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/domain"
)

// Inbound is one platform event, already unpacked from the platform SDK type
// but not yet normalized.
type Inbound struct {
	Kind           domain.EventKind
	ConversationID string
	ChatName       string // display name for metadata; empty when unknown
	MessageID      string
	SenderID       string
	SenderName     string
	Timestamp      time.Time
	IsFromMe       bool

	Text    string // body for KindText
	Caption string
	// Mentioned is set when the platform marked a mention of the bot's own
	// identity through structured entities (not substring matching).
	Mentioned bool

	File     attachment.FileSource // nil when the event carries no media
	FileName string                // original or default file name

	Emoji    string
	Location *Location
	Contact  *Contact
}

// Location is a shared map point.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Contact is a shared contact card.
type Contact struct {
	Name  string
	Phone string
}

// FormatContent renders an event as the canonical content string. It is the
// single place that maps each event kind to its placeholder rule.
func FormatContent(ev Inbound, ref, transcript string) string {
	var content string
	switch ev.Kind {
	case domain.KindText:
		return ev.Text
	case domain.KindPhoto:
		content = placeholder("Photo", ref)
	case domain.KindVideo:
		content = placeholder("Video", ref)
	case domain.KindVoice:
		switch {
		case ref == "":
			return "[Voice message]"
		case transcript != "":
			return "[Voice: " + transcript + "]\n\nAudio file: " + ref
		default:
			return "[Voice message - transcription unavailable]\n\nAudio file: " + ref
		}
	case domain.KindAudio:
		if ref != "" {
			return "[Audio file uploaded: " + ref + "]"
		}
		return "[Audio file]"
	case domain.KindDocument:
		if ref != "" {
			content = "[Document uploaded: " + ref + "]"
		} else {
			name := ev.FileName
			if name == "" {
				name = "file"
			}
			content = "[Document: " + name + "]"
		}
	case domain.KindSticker:
		if ev.Emoji == "" {
			return "[Sticker]"
		}
		return "[Sticker " + ev.Emoji + "]"
	case domain.KindLocation:
		if ev.Location == nil {
			return "[Location]"
		}
		return "[Location: " + formatCoord(ev.Location.Latitude) + ", " + formatCoord(ev.Location.Longitude) + "]"
	case domain.KindContact:
		if ev.Contact == nil {
			return "[Contact]"
		}
		detail := strings.TrimSpace(ev.Contact.Name + " " + ev.Contact.Phone)
		if detail == "" {
			return "[Contact]"
		}
		return "[Contact: " + detail + "]"
	default:
		return ""
	}

	if ev.Caption != "" {
		content += "\n\nCaption: " + ev.Caption
	}
	return content
}

func placeholder(label, ref string) string {
	if ref != "" {
		return fmt.Sprintf("[%s uploaded: %s]", label, ref)
	}
	return "[" + label + "]"
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
