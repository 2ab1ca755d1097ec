// Package server is the relay's HTTP status surface: health, metrics,
// channel state, discovered chats, an outbound send endpoint and, when the
// websocket engine is configured, the engine attachment point.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

const maxSendBody = 64 * 1024

// ChatLister reads discovered chats and their history.
type ChatLister interface {
	ListChats(ctx context.Context, limit int) ([]domain.ChatInfo, error)
	RecentMessages(ctx context.Context, jid string, limit int) ([]domain.CanonicalMessage, error)
}

// StatusSource reports per-channel connection state.
type StatusSource interface {
	Status() []channel.ChannelStatus
}

// Config wires the server to the running relay. Engine is optional. A
// non-empty Token is required as a bearer token on POST /send.
type Config struct {
	Host     string
	Port     int
	Token    string
	Chats    ChatLister
	Channels StatusSource
	Outbound domain.Outbound
	Notices  *bus.Notices
	Engine   http.Handler
	Logger   *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "server")}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/channels", s.channels)
	r.Get("/chats", s.chats)
	r.Get("/chats/{jid}/messages", s.messages)
	r.Get("/events", s.events)
	r.With(sameOrigin, chimw.AllowContentType("application/json"), requireToken(s.cfg.Token)).
		Post("/send", s.send)
	if s.cfg.Engine != nil {
		r.Handle("/engine/ws", s.cfg.Engine)
	}
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	connected := 0
	total := 0
	if s.cfg.Channels != nil {
		for _, st := range s.cfg.Channels.Status() {
			total++
			if st.Connected {
				connected++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"channels":           total,
		"channels_connected": connected,
	})
}

func (s *Server) channels(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Channels == nil {
		writeJSON(w, http.StatusOK, []channel.ChannelStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Channels.Status())
}

func (s *Server) chats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Chats == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	limit := queryInt(r, "limit", 100)
	chats, err := s.cfg.Chats.ListChats(r.Context(), limit)
	if err != nil {
		s.logger.Error("list chats failed", "err", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if chats == nil {
		chats = []domain.ChatInfo{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Chats == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	jid := chi.URLParam(r, "jid")
	if _, _, ok := domain.SplitJID(jid); !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	msgs, err := s.cfg.Chats.RecentMessages(r.Context(), jid, queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("read messages failed", "chat_jid", jid, "err", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if msgs == nil {
		msgs = []domain.CanonicalMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type noticeView struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	JID       string    `json:"chat_jid,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	out := []noticeView{}
	if s.cfg.Notices == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	for _, n := range s.cfg.Notices.Recent(queryInt(r, "limit", 50)) {
		out = append(out, noticeView{n.Type, n.Channel, n.JID, n.Detail, n.Timestamp})
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Outbound == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound not configured")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and text are required")
		return
	}
	err := s.cfg.Outbound.Send(r.Context(), req.ConversationID, req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	case errors.Is(err, domain.ErrNoChannel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Warn("send via api failed", "chat_jid", req.ConversationID, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
