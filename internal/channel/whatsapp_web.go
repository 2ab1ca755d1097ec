package channel

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/browser"
	"chatrelay/internal/domain"
)

const (
	whatsappWebURL    = "https://web.whatsapp.com"
	whatsappReadyWait = 90 * time.Second
)

//go:embed whatsapp_observer.js
var whatsappObserverScript string

// webPage is the part of *browser.Page a session drives.
type webPage interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	InjectOnLoad(ctx context.Context, script string) error
	Eval(ctx context.Context, expr string, out any) error
	LocalStorage(ctx context.Context, origin string) (map[string]string, error)
	SetLocalStorage(ctx context.Context, origin string, items map[string]string) error
	Close()
}

// webSession drives WhatsApp Web in a chromedp-controlled Chrome. The
// localStorage snapshot is the credential blob.
type webSession struct {
	bridge *browser.Bridge
	logger *slog.Logger
	page   webPage
}

func newWebSession(profileDir string, headless bool, logger *slog.Logger) *webSession {
	return &webSession{
		bridge: browser.NewBridge(browser.BridgeConfig{ProfileDir: profileDir, Headless: headless, Logger: logger}),
		logger: logger,
	}
}

func (s *webSession) Start(ctx context.Context, state []byte) ([]byte, error) {
	page, err := s.bridge.Open(ctx)
	if err != nil {
		return nil, err
	}
	s.page = page

	if err := page.InjectOnLoad(ctx, whatsappObserverScript); err != nil {
		return nil, fmt.Errorf("inject observer: %w", err)
	}
	if err := page.Navigate(ctx, whatsappWebURL); err != nil {
		return nil, fmt.Errorf("open whatsapp web: %w", err)
	}

	if len(state) > 0 {
		var items map[string]string
		if err := json.Unmarshal(state, &items); err != nil {
			s.logger.Warn("ignoring unreadable whatsapp session", "err", err)
		} else {
			if err := page.SetLocalStorage(ctx, whatsappWebURL, items); err != nil {
				return nil, fmt.Errorf("restore session: %w", err)
			}
			if err := page.Reload(ctx); err != nil {
				return nil, fmt.Errorf("reload whatsapp web: %w", err)
			}
		}
	}

	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	return s.Snapshot(ctx)
}

func (s *webSession) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(whatsappReadyWait)
	for {
		var state string
		if err := s.page.Eval(ctx, `window.__relay ? window.__relay.state() : "loading"`, &state); err != nil {
			s.logger.Debug("whatsapp state check failed", "err", err)
		}
		switch state {
		case "ready":
			return nil
		case "qr":
			return fmt.Errorf("%w: whatsapp web is not paired, run `chatrelay login whatsapp`", domain.ErrInvalidCredentials)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("whatsapp web not ready after %s", whatsappReadyWait)
		}
		if !sleep(ctx, time.Second) {
			return ctx.Err()
		}
	}
}

func (s *webSession) Poll(ctx context.Context) ([]waEvent, error) {
	var events []waEvent
	if err := s.page.Eval(ctx, `window.__relay.drain()`, &events); err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	return events, nil
}

func (s *webSession) Media(ctx context.Context, messageID string) ([]byte, error) {
	var encoded string
	if err := s.page.Eval(ctx, "window.__relay.media("+jsString(messageID)+")", &encoded); err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (s *webSession) SendText(ctx context.Context, chatID, text string) error {
	var ok bool
	expr := "window.__relay.send(" + jsString(chatID) + ", " + jsString(text) + ")"
	if err := s.page.Eval(ctx, expr, &ok); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if !ok {
		return errors.New("send: whatsapp web did not accept the message")
	}
	return nil
}

// Composing fails when this WhatsApp Web build has no chat state module.
func (s *webSession) Composing(ctx context.Context, chatID string) error {
	var ok bool
	if err := s.page.Eval(ctx, "window.__relay.composing("+jsString(chatID)+")", &ok); err != nil {
		return fmt.Errorf("composing: %w", err)
	}
	if !ok {
		return errors.New("composing: chat state module not found in whatsapp web")
	}
	return nil
}

func (s *webSession) Snapshot(ctx context.Context) ([]byte, error) {
	if s.page == nil {
		return nil, domain.ErrNotConnected
	}
	items, err := s.page.LocalStorage(ctx, whatsappWebURL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(items)
}

func (s *webSession) Close() error {
	if s.page != nil {
		s.page.Close()
		s.page = nil
	}
	return nil
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// LoginWhatsApp opens a visible browser for QR pairing and stores the
// resulting session in cfg.Sessions.
func LoginWhatsApp(ctx context.Context, cfg WhatsAppConfig) error {
	logger := cfg.logger().With("channel", whatsappName)
	bridge := browser.NewBridge(browser.BridgeConfig{ProfileDir: cfg.ProfileDir, Logger: logger})

	page, err := bridge.Login(ctx, whatsappWebURL, func(ctx context.Context, p *browser.Page) (bool, error) {
		var paired bool
		err := p.Eval(ctx, `!!document.querySelector("#pane-side")`, &paired)
		return paired, err
	})
	if err != nil {
		return fmt.Errorf("whatsapp login: %w", err)
	}
	defer page.Close()

	items, err := page.LocalStorage(ctx, whatsappWebURL)
	if err != nil {
		return fmt.Errorf("read whatsapp session: %w", err)
	}
	blob, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if cfg.Sessions != nil {
		if err := cfg.Sessions.SaveSession(ctx, whatsappName, blob); err != nil {
			return fmt.Errorf("save whatsapp session: %w", err)
		}
	}
	logger.Info("whatsapp paired", "items", len(items))
	return nil
}
