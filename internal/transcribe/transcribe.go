// Package transcribe turns downloaded voice notes into text. It is optional:
// New returns nil when no backend is configured and callers skip the step.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Transcriber converts an audio file to text. ok is false on any failure or
// an empty transcript; errors never escape.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (text string, ok bool)
}

// Config configures the OpenAI-compatible backend.
type Config struct {
	Enabled  bool
	APIBase  string // e.g. "https://api.groq.com/openai/v1"; empty means OpenAI
	APIKey   string
	Model    string // default: whisper-1
	Language string // optional ISO-639-1 code
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Whisper calls an OpenAI-compatible /audio/transcriptions endpoint.
type Whisper struct {
	client   openai.Client
	model    string
	language string
	timeout  time.Duration
	logger   *slog.Logger
}

// New returns nil when transcription is disabled or has no API key.
// The nil is an untyped Transcriber so callers can compare against nil.
func New(cfg Config) Transcriber {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}
	return NewWhisper(cfg)
}

// NewWhisper builds the backend unconditionally.
func NewWhisper(cfg Config) *Whisper {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Whisper{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		language: cfg.Language,
		timeout:  cfg.Timeout,
		logger:   logger.With("component", "transcribe"),
	}
}

// Transcribe implements Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, path string) (string, bool) {
	text, err := w.transcribe(ctx, path)
	if err != nil {
		w.logger.Warn("transcription failed", "path", path, "err", err)
		return "", false
	}
	if text == "" {
		w.logger.Debug("empty transcript", "path", path)
		return "", false
	}
	w.logger.Info("transcribed voice message", "path", path, "chars", len(text))
	return text, true
}

func (w *Whisper) transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	params := openai.AudioTranscriptionNewParams{
		File:  f,
		Model: openai.AudioModel(w.model),
	}
	if w.language != "" {
		params.Language = openai.String(w.language)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
