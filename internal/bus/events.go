package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Notice is an internal lifecycle notification (channel up/down, sends, routing faults).
// Unlike Event it is informational: nothing in the message path depends on it.
type Notice struct {
	Type      string
	Channel   string
	JID       string
	Detail    string
	Timestamp time.Time
}

// NoticeHandler is a callback for notices.
type NoticeHandler func(Notice)

// Notices is a topic-based pub/sub for lifecycle notices with a bounded
// history used by the status server.
type Notices struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Notice
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler NoticeHandler
}

// NewNotices creates a Notices hub keeping the last 500 notices.
func NewNotices(logger *slog.Logger) *Notices {
	return &Notices{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers a handler for the given notice type; "*" receives everything.
// Returns the handler ID for Off.
func (n *Notices) On(noticeType string, handler NoticeHandler) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := noticeType + "-" + strconv.Itoa(n.nextID)
	n.handlers[noticeType] = append(n.handlers[noticeType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (n *Notices) Off(noticeType, handlerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	handlers := n.handlers[noticeType]
	for i, h := range handlers {
		if h.ID == handlerID {
			n.handlers[noticeType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the notice and calls matching handlers synchronously.
// A panicking handler is logged and does not affect the others.
// Emit on a nil hub is a no-op so components can run without one.
func (n *Notices) Emit(notice Notice) {
	if n == nil {
		return
	}
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now()
	}

	n.mu.Lock()
	if len(n.history) >= n.maxHistory {
		n.history = n.history[1:]
	}
	n.history = append(n.history, notice)
	var handlers []namedHandler
	handlers = append(handlers, n.handlers[notice.Type]...)
	handlers = append(handlers, n.handlers["*"]...)
	n.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("notice handler panic", "notice", notice.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(notice)
		}(h)
	}
}

// Recent returns up to limit of the newest notices, oldest first.
func (n *Notices) Recent(limit int) []Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()
	start := 0
	if limit > 0 && len(n.history) > limit {
		start = len(n.history) - limit
	}
	out := make([]Notice, len(n.history)-start)
	copy(out, n.history[start:])
	return out
}

// Since returns notices of the given type ("*" for all) at or after t.
func (n *Notices) Since(noticeType string, t time.Time) []Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var result []Notice
	for _, e := range n.history {
		if e.Timestamp.Before(t) {
			continue
		}
		if noticeType == "*" || e.Type == noticeType {
			result = append(result, e)
		}
	}
	return result
}

const (
	NoticeChannelConnected     = "channel.connected"
	NoticeChannelDisconnected  = "channel.disconnected"
	NoticeChannelConnectFailed = "channel.connect_failed"
	NoticeMessageForwarded     = "message.forwarded"
	NoticeMessageSent          = "message.sent"
	NoticeSendFailed           = "send.failed"
	NoticeRoutingFailed        = "routing.failed"
)
