package engine

import (
	"context"
	"fmt"
	"log/slog"

	"chatrelay/internal/domain"
)

// Modes.
const (
	ModeProcess   = "process"
	ModeWebSocket = "websocket"
	ModeNone      = "none"
)

// Config selects and configures the engine transport.
type Config struct {
	Mode    string
	Command string
	Args    []string
	Dir     string
	Token   string
	Logger  *slog.Logger
}

// New builds the engine for cfg.Mode.
func New(cfg Config) (Engine, error) {
	switch cfg.Mode {
	case ModeProcess:
		if cfg.Command == "" {
			return nil, fmt.Errorf("engine mode %q requires a command", cfg.Mode)
		}
		return NewProcess(ProcessConfig{Command: cfg.Command, Args: cfg.Args, Dir: cfg.Dir, Logger: cfg.Logger}), nil
	case ModeWebSocket:
		return NewWebSocket(WebSocketConfig{Token: cfg.Token, Logger: cfg.Logger}), nil
	case ModeNone, "":
		return NewLog(cfg.Logger), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

// Log is the engine used when none is configured: messages are stored and
// logged, nothing answers.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "engine", "mode", "none")}
}

func (l *Log) Attach(domain.Outbound) {}

func (l *Log) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *Log) Deliver(ctx context.Context, seq uint64, msg domain.CanonicalMessage) error {
	l.logger.Info("message ready",
		"seq", seq,
		"chat_jid", msg.ConversationID,
		"sender", msg.SenderName,
		"content_len", len(msg.Content),
	)
	return nil
}
