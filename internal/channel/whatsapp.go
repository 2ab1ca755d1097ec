package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/domain"
)

const (
	whatsappName   = "whatsapp"
	whatsappPrefix = "wa"

	whatsappPollFailures  = 5
	whatsappSnapshotEvery = 10 * time.Minute
)

// waSession is a paired WhatsApp Web session. The chromedp implementation
// lives in whatsapp_web.go.
type waSession interface {
	// Start opens the session from a saved state blob (nil for none) and
	// returns the state after the page reports ready.
	Start(ctx context.Context, state []byte) ([]byte, error)
	Poll(ctx context.Context) ([]waEvent, error)
	Media(ctx context.Context, messageID string) ([]byte, error)
	SendText(ctx context.Context, chatID, text string) error
	Composing(ctx context.Context, chatID string) error
	Snapshot(ctx context.Context) ([]byte, error)
	Close() error
}

// waEvent is one message queued by the in-page observer.
type waEvent struct {
	ID           string   `json:"id"`
	ChatID       string   `json:"chatId"`
	ChatName     string   `json:"chatName"`
	IsGroup      bool     `json:"isGroup"`
	SenderID     string   `json:"senderId"`
	SenderName   string   `json:"senderName"`
	FromMe       bool     `json:"fromMe"`
	SentByRelay  bool     `json:"sentByRelay"`
	Type         string   `json:"type"`
	Body         string   `json:"body"`
	Caption      string   `json:"caption"`
	FileName     string   `json:"fileName"`
	MentionsMe   bool     `json:"mentionsMe"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	ContactName  string   `json:"contactName"`
	ContactPhone string   `json:"contactPhone"`
	Timestamp    int64    `json:"t"`
}

// WhatsApp implements domain.Channel for WhatsApp Web through a browser session.
type WhatsApp struct {
	c            Collaborators
	logger       *slog.Logger
	pipe         *pipeline
	life         lifecycle
	pollInterval time.Duration
	newSession   func() waSession

	connectMu sync.Mutex
	mu        sync.RWMutex
	sess      waSession
	state     []byte
}

// WhatsAppConfig configures the WhatsApp Web channel.
type WhatsAppConfig struct {
	ProfileDir   string
	Headless     bool
	PollInterval time.Duration // default: 1s
	Collaborators
}

// NewWhatsApp creates a disconnected WhatsApp Web adapter.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	logger := cfg.logger().With("channel", whatsappName)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	w := &WhatsApp{
		c:            cfg.Collaborators,
		logger:       logger,
		pipe:         newPipeline(whatsappName, cfg.Collaborators, logger),
		life:         lifecycle{name: whatsappName, notices: cfg.Notices},
		pollInterval: cfg.PollInterval,
	}
	w.newSession = func() waSession {
		return newWebSession(cfg.ProfileDir, cfg.Headless, logger)
	}
	return w
}

func (w *WhatsApp) Name() string   { return whatsappName }
func (w *WhatsApp) Prefix() string { return whatsappPrefix }

// OwnsJID reports whether jid is in the wa: namespace.
func (w *WhatsApp) OwnsJID(jid string) bool { return ownsPrefix(whatsappPrefix, jid) }

// IsConnected reports whether the poll loop is running.
func (w *WhatsApp) IsConnected() bool { return w.life.isConnected() }

// Connect restores the saved browser session and waits until WhatsApp Web is
// ready. An unpaired session is ErrInvalidCredentials: run the login command.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.connectMu.Lock()
	defer w.connectMu.Unlock()

	if w.life.isConnected() {
		return nil
	}
	w.life.stop()

	var saved []byte
	if w.c.Sessions != nil {
		blob, ok, err := w.c.Sessions.LoadSession(ctx, whatsappName)
		if err != nil {
			return fmt.Errorf("whatsapp: load session: %w", err)
		}
		if ok {
			saved = blob
		}
	}

	sess := w.newSession()
	state, err := sess.Start(ctx, saved)
	if err != nil {
		sess.Close()
		return fmt.Errorf("whatsapp connect: %w", err)
	}

	w.mu.Lock()
	w.sess = sess
	w.state = saved
	w.mu.Unlock()
	w.saveState(ctx, state)

	w.logger.Info("whatsapp web connected")
	w.life.start(ctx, func(ctx context.Context) {
		w.listen(ctx, sess)
	})
	return nil
}

// saveState persists state when it differs from what was last saved.
func (w *WhatsApp) saveState(ctx context.Context, state []byte) {
	if w.c.Sessions == nil || len(state) == 0 {
		return
	}
	w.mu.Lock()
	unchanged := bytes.Equal(state, w.state)
	w.mu.Unlock()
	if unchanged {
		return
	}
	if err := w.c.Sessions.SaveSession(ctx, whatsappName, state); err != nil {
		w.logger.Warn("failed to save whatsapp session", "err", err)
		return
	}
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	w.logger.Info("whatsapp session saved", "bytes", len(state))
}

func (w *WhatsApp) listen(ctx context.Context, sess waSession) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	snapshot := time.NewTicker(whatsappSnapshotEvery)
	defer snapshot.Stop()

	defer func() {
		// Keep the newest session keys for the next start.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if state, err := sess.Snapshot(saveCtx); err == nil {
			w.saveState(saveCtx, state)
		}
		if err := sess.Close(); err != nil {
			w.logger.Warn("whatsapp session close failed", "err", err)
		}
	}()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("whatsapp channel stopping")
			return
		case <-snapshot.C:
			if state, err := sess.Snapshot(ctx); err == nil {
				w.saveState(ctx, state)
			}
		case <-ticker.C:
			events, err := sess.Poll(ctx)
			if err != nil {
				failures++
				w.logger.Warn("whatsapp poll failed", "err", err, "failures", failures)
				if failures >= whatsappPollFailures {
					w.logger.Error("whatsapp session lost")
					return
				}
				continue
			}
			failures = 0
			for _, ev := range events {
				if in, ok := w.toInbound(ev); ok {
					w.pipe.submit(ctx, in)
				}
			}
		}
	}
}

var whatsappKinds = map[string]domain.EventKind{
	"chat":     domain.KindText,
	"image":    domain.KindPhoto,
	"video":    domain.KindVideo,
	"ptt":      domain.KindVoice,
	"audio":    domain.KindAudio,
	"document": domain.KindDocument,
	"sticker":  domain.KindSticker,
	"location": domain.KindLocation,
	"vcard":    domain.KindContact,
}

var whatsappDefaultNames = map[domain.EventKind]string{
	domain.KindPhoto:    "photo.jpg",
	domain.KindVideo:    "video.mp4",
	domain.KindVoice:    "voice.ogg",
	domain.KindAudio:    "audio.mp3",
	domain.KindDocument: "document",
}

func (w *WhatsApp) toInbound(ev waEvent) (Inbound, bool) {
	// Echoes of our own sends.
	if ev.SentByRelay || ev.ChatID == "" {
		return Inbound{}, false
	}
	kind, ok := whatsappKinds[ev.Type]
	if !ok {
		return Inbound{}, false
	}

	jid := domain.JID(whatsappPrefix, ev.ChatID)
	sender := ev.SenderName
	if sender == "" {
		sender = ev.SenderID
	}
	chatName := ev.ChatName
	if chatName == "" && !ev.IsGroup {
		chatName = sender
	}

	in := Inbound{
		Kind:           kind,
		ConversationID: jid,
		ChatName:       chatName,
		MessageID:      ev.ID,
		SenderID:       ev.SenderID,
		SenderName:     sender,
		Timestamp:      time.Unix(ev.Timestamp, 0).UTC(),
		IsFromMe:       ev.FromMe,
		Caption:        ev.Caption,
		Mentioned:      ev.MentionsMe,
	}

	switch kind {
	case domain.KindText:
		in.Text = ev.Body
	case domain.KindSticker:
		in.Emoji = ev.Body
	case domain.KindLocation:
		if ev.Lat != nil && ev.Lng != nil {
			in.Location = &Location{Latitude: *ev.Lat, Longitude: *ev.Lng}
		}
	case domain.KindContact:
		if ev.ContactName != "" || ev.ContactPhone != "" {
			in.Contact = &Contact{Name: ev.ContactName, Phone: ev.ContactPhone}
		}
	default:
		in.File = w.mediaSource(ev.ID)
		in.FileName = ev.FileName
		if in.FileName == "" {
			in.FileName = whatsappDefaultNames[kind]
		}
	}
	return in, true
}

// mediaSource pulls the decrypted bytes out of the page.
func (w *WhatsApp) mediaSource(messageID string) attachment.FileSource {
	return attachment.SourceFunc(func(ctx context.Context) (io.ReadCloser, int64, error) {
		sess := w.session()
		if sess == nil {
			return nil, 0, domain.ErrNotConnected
		}
		data, err := sess.Media(ctx, messageID)
		if err != nil {
			return nil, 0, err
		}
		return attachment.BytesSource(data).Open(ctx)
	})
}

func (w *WhatsApp) session() waSession {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sess
}

func (w *WhatsApp) chat(jid string) (waSession, string, error) {
	if !w.OwnsJID(jid) {
		return nil, "", fmt.Errorf("whatsapp: %w: %s", domain.ErrNoChannel, jid)
	}
	_, native, ok := domain.SplitJID(jid)
	if !ok {
		return nil, "", fmt.Errorf("invalid whatsapp jid %q", jid)
	}
	sess := w.session()
	if sess == nil || !w.life.isConnected() {
		return nil, "", fmt.Errorf("whatsapp: %w", domain.ErrNotConnected)
	}
	return sess, native, nil
}

// SendMessage sends text in 4096-character chunks.
func (w *WhatsApp) SendMessage(ctx context.Context, jid string, text string) error {
	sess, chatID, err := w.chat(jid)
	if err != nil {
		return err
	}
	return sendChunks(ctx, w.logger, whatsappName, jid, splitMessage(text, whatsappMaxMsgLen, utf16Len), func(ctx context.Context, chunk string) error {
		return sess.SendText(ctx, chatID, chunk)
	})
}

// SetTyping sends "composing" presence; WhatsApp expires it on its own.
func (w *WhatsApp) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	if !isTyping {
		return nil
	}
	sess, chatID, err := w.chat(jid)
	if err != nil {
		return err
	}
	if err := sess.Composing(ctx, chatID); err != nil {
		w.logger.Debug("whatsapp typing failed", "chat_jid", jid, "err", err)
		return fmt.Errorf("whatsapp typing: %w", err)
	}
	return nil
}

// Disconnect stops polling, saves the session and closes the browser.
func (w *WhatsApp) Disconnect() error {
	w.connectMu.Lock()
	defer w.connectMu.Unlock()

	if !w.life.stop() {
		return nil
	}
	w.pipe.wait()

	w.mu.Lock()
	w.sess = nil
	w.mu.Unlock()

	w.logger.Info("whatsapp web disconnected")
	return nil
}
