package engine

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// A nil CheckOrigin keeps gorilla's same-origin check: engines send no
// Origin header, browsers on other sites are refused.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocket accepts the engine as a websocket client. One engine connection
// is active at a time; a new connection replaces the old one.
type WebSocket struct {
	token  string
	logger *slog.Logger

	mu   sync.Mutex
	out  domain.Outbound
	conn *websocket.Conn
	ctx  context.Context
}

// WebSocketConfig configures a websocket engine. Token must be presented as a
// bearer token or ?token= query parameter; with no Token every connection is
// refused.
type WebSocketConfig struct {
	Token  string
	Logger *slog.Logger
}

// NewWebSocket creates a WebSocket engine. Mount it as an http.Handler.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		token:  cfg.Token,
		logger: logger.With("component", "engine", "mode", "websocket"),
		ctx:    context.Background(),
	}
}

func (w *WebSocket) Attach(out domain.Outbound) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out = out
}

// Run holds the engine open until ctx ends, then drops the connection.
func (w *WebSocket) Run(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	<-ctx.Done()

	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}

// Connected reports whether an engine is attached.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WebSocket) authorized(r *http.Request) bool {
	if w.token == "" {
		return false
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.token)) == 1
}

func (w *WebSocket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !w.authorized(r) {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	w.mu.Lock()
	old := w.conn
	w.conn = conn
	ctx := w.ctx
	w.mu.Unlock()
	if old != nil {
		w.logger.Info("replacing engine connection")
		old.Close()
	}
	w.logger.Info("engine connected", "remote", r.RemoteAddr)

	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
		w.logger.Info("engine disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("engine read error", "err", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn("invalid engine frame", "err", err)
			continue
		}
		w.mu.Lock()
		out := w.out
		w.mu.Unlock()
		if err := apply(ctx, out, f, w.logger); err != nil {
			w.logger.Warn("engine command failed", "type", f.Type, "chat_jid", f.ConversationID, "err", err)
		}
	}
}

// Deliver sends one frame to the connected engine.
func (w *WebSocket) Deliver(ctx context.Context, seq uint64, msg domain.CanonicalMessage) error {
	data, err := json.Marshal(messageFrame(seq, msg))
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrUnavailable
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to engine: %w", err)
	}
	return nil
}
