package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/attachment"
	"chatrelay/internal/domain"
)

const (
	telegramName   = "telegram"
	telegramPrefix = "tg"
)

// telegramBot is the part of *tgbotapi.BotAPI the adapter uses.
type telegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

func newTelegramBot(token string) (telegramBot, tgbotapi.User, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, tgbotapi.User{}, err
	}
	return bot, bot.Self, nil
}

// Telegram implements domain.Channel for the Telegram Bot API (long polling).
type Telegram struct {
	token  string
	c      Collaborators
	logger *slog.Logger
	pipe   *pipeline
	life   lifecycle
	newBot func(token string) (telegramBot, tgbotapi.User, error)
	client *http.Client

	connectMu sync.Mutex
	mu        sync.RWMutex
	bot       telegramBot
	self      tgbotapi.User
}

// TelegramConfig configures the Telegram channel. An empty Token falls back
// to the token saved in the credential store.
type TelegramConfig struct {
	Token string
	Collaborators
}

// NewTelegram creates a disconnected Telegram adapter.
func NewTelegram(cfg TelegramConfig) *Telegram {
	logger := cfg.logger().With("channel", telegramName)
	return &Telegram{
		token:  strings.TrimSpace(cfg.Token),
		c:      cfg.Collaborators,
		logger: logger,
		pipe:   newPipeline(telegramName, cfg.Collaborators, logger),
		life:   lifecycle{name: telegramName, notices: cfg.Notices},
		newBot: newTelegramBot,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (t *Telegram) Name() string   { return telegramName }
func (t *Telegram) Prefix() string { return telegramPrefix }

// OwnsJID reports whether jid is in the tg: namespace.
func (t *Telegram) OwnsJID(jid string) bool { return ownsPrefix(telegramPrefix, jid) }

// IsConnected reports whether the polling loop is running.
func (t *Telegram) IsConnected() bool { return t.life.isConnected() }

// Connect verifies the token with getMe and starts long polling.
func (t *Telegram) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.life.isConnected() {
		return nil
	}
	t.life.stop()

	token, err := storedToken(ctx, t.c.Sessions, telegramName, t.token)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	bot, self, err := t.newBot(token)
	if err != nil {
		if isTelegramAuthError(err) {
			return fmt.Errorf("telegram: %w: %v", domain.ErrInvalidCredentials, err)
		}
		return fmt.Errorf("telegram bot init: %w", err)
	}

	t.mu.Lock()
	t.bot = bot
	t.self = self
	t.mu.Unlock()

	saveToken(ctx, t.c.Sessions, telegramName, token, t.logger)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram bot connected", "username", self.UserName, "id", self.ID)
	t.life.start(ctx, func(ctx context.Context) {
		t.listen(ctx, bot, updates)
	})
	return nil
}

func isTelegramAuthError(err error) bool {
	var perr *tgbotapi.Error
	if errors.As(err, &perr) {
		return perr.Code == http.StatusUnauthorized || perr.Code == http.StatusNotFound
	}
	var verr tgbotapi.Error
	if errors.As(err, &verr) {
		return verr.Code == http.StatusUnauthorized || verr.Code == http.StatusNotFound
	}
	return false
}

// listen owns the updates channel; it is the only caller of
// StopReceivingUpdates, which panics when called twice.
func (t *Telegram) listen(ctx context.Context, bot telegramBot, updates tgbotapi.UpdatesChannel) {
	defer bot.StopReceivingUpdates()
	t.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			return
		case update, ok := <-updates:
			if !ok {
				t.logger.Warn("telegram updates channel closed")
				return
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	if strings.HasPrefix(msg.Text, "/") {
		if msg.IsCommand() {
			t.handleCommand(msg)
		}
		return
	}

	ev, ok := t.toInbound(msg)
	if !ok {
		return
	}
	t.pipe.submit(ctx, ev)
}

// handleCommand answers /chatid and /ping directly; they work in
// unregistered chats so users can discover their conversation id.
func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "chatid":
		sender := telegramSenderName(msg.From)
		reply := tgbotapi.NewMessage(chatID, fmt.Sprintf("Chat ID: `%s`\nName: %s\nType: %s",
			domain.JID(telegramPrefix, strconv.FormatInt(chatID, 10)),
			telegramChatName(msg.Chat, sender),
			msg.Chat.Type,
		))
		reply.ParseMode = tgbotapi.ModeMarkdown
		t.reply(reply)
	case "ping":
		name := "Assistant"
		if t.c.Trigger != nil {
			name = t.c.Trigger.AssistantName
		}
		t.reply(tgbotapi.NewMessage(chatID, name+" is online."))
	}
}

func (t *Telegram) reply(msg tgbotapi.MessageConfig) {
	bot := t.currentBot()
	if bot == nil {
		return
	}
	if _, err := bot.Send(msg); err != nil {
		t.logger.Warn("telegram command reply failed", "chat_id", msg.ChatID, "err", err)
	}
}

func (t *Telegram) toInbound(msg *tgbotapi.Message) (Inbound, bool) {
	senderName := telegramSenderName(msg.From)
	senderID := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
	}

	ev := Inbound{
		ConversationID: domain.JID(telegramPrefix, strconv.FormatInt(msg.Chat.ID, 10)),
		ChatName:       telegramChatName(msg.Chat, senderName),
		MessageID:      strconv.Itoa(msg.MessageID),
		SenderID:       senderID,
		SenderName:     senderName,
		Timestamp:      time.Unix(int64(msg.Date), 0).UTC(),
		Caption:        msg.Caption,
	}

	switch {
	case msg.Text != "":
		ev.Kind = domain.KindText
		ev.Text = msg.Text
		ev.Mentioned = t.mentionsBot(msg.Text, msg.Entities)
	case len(msg.Photo) > 0:
		ev.Kind = domain.KindPhoto
		// Sizes are ordered smallest first.
		ev.File = t.fileSource(msg.Photo[len(msg.Photo)-1].FileID)
		ev.FileName = "photo.jpg"
	case msg.Video != nil:
		ev.Kind = domain.KindVideo
		ev.File = t.fileSource(msg.Video.FileID)
		ev.FileName = orDefault(msg.Video.FileName, "video.mp4")
	case msg.Voice != nil:
		ev.Kind = domain.KindVoice
		ev.File = t.fileSource(msg.Voice.FileID)
		ev.FileName = "voice.ogg"
	case msg.Audio != nil:
		ev.Kind = domain.KindAudio
		ev.File = t.fileSource(msg.Audio.FileID)
		ev.FileName = orDefault(msg.Audio.FileName, "audio.mp3")
	case msg.Document != nil:
		ev.Kind = domain.KindDocument
		ev.File = t.fileSource(msg.Document.FileID)
		ev.FileName = orDefault(msg.Document.FileName, "document")
	case msg.Sticker != nil:
		ev.Kind = domain.KindSticker
		ev.Emoji = msg.Sticker.Emoji
	case msg.Location != nil:
		ev.Kind = domain.KindLocation
		ev.Location = &Location{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
	case msg.Contact != nil:
		ev.Kind = domain.KindContact
		ev.Contact = &Contact{
			Name:  strings.TrimSpace(msg.Contact.FirstName + " " + msg.Contact.LastName),
			Phone: msg.Contact.PhoneNumber,
		}
	default:
		return Inbound{}, false
	}
	return ev, true
}

// mentionsBot checks mention entities against the bot's username. Entity
// offsets count UTF-16 code units.
func (t *Telegram) mentionsBot(text string, entities []tgbotapi.MessageEntity) bool {
	t.mu.RLock()
	self := t.self
	t.mu.RUnlock()
	if self.UserName == "" {
		return false
	}

	want := "@" + strings.ToLower(self.UserName)
	units := utf16.Encode([]rune(text))
	for _, e := range entities {
		switch e.Type {
		case "mention":
			if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(units) {
				continue
			}
			got := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
			if strings.ToLower(got) == want {
				return true
			}
		case "text_mention":
			if e.User != nil && e.User.ID == self.ID {
				return true
			}
		}
	}
	return false
}

func (t *Telegram) fileSource(fileID string) attachment.FileSource {
	return attachment.ResolvedURLSource{
		Client: t.client,
		Resolve: func(ctx context.Context) (string, error) {
			bot := t.currentBot()
			if bot == nil {
				return "", domain.ErrNotConnected
			}
			return bot.GetFileDirectURL(fileID)
		},
	}
}

func telegramSenderName(u *tgbotapi.User) string {
	switch {
	case u == nil:
		return "Unknown"
	case u.FirstName != "":
		return u.FirstName
	case u.UserName != "":
		return u.UserName
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}

func telegramChatName(chat *tgbotapi.Chat, senderName string) string {
	if chat.IsPrivate() {
		return senderName
	}
	if chat.Title != "" {
		return chat.Title
	}
	return domain.JID(telegramPrefix, strconv.FormatInt(chat.ID, 10))
}

func (t *Telegram) currentBot() telegramBot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

// chatID resolves a tg: conversation id to a live bot and numeric chat id.
func (t *Telegram) chatID(jid string) (telegramBot, int64, error) {
	if !t.OwnsJID(jid) {
		return nil, 0, fmt.Errorf("telegram: %w: %s", domain.ErrNoChannel, jid)
	}
	_, native, _ := domain.SplitJID(jid)
	id, err := strconv.ParseInt(native, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid telegram chat id %q: %w", native, err)
	}
	bot := t.currentBot()
	if bot == nil || !t.life.isConnected() {
		return nil, 0, fmt.Errorf("telegram: %w", domain.ErrNotConnected)
	}
	return bot, id, nil
}

// SendMessage sends text in 4096-character chunks.
func (t *Telegram) SendMessage(ctx context.Context, jid string, text string) error {
	bot, chatID, err := t.chatID(jid)
	if err != nil {
		return err
	}
	return sendChunks(ctx, t.logger, telegramName, jid, splitMessage(text, telegramMaxMsgLen, utf16Len), func(ctx context.Context, chunk string) error {
		_, err := bot.Send(tgbotapi.NewMessage(chatID, chunk))
		return err
	})
}

// SetTyping sends the "typing" chat action. Telegram clears it on its own,
// so false is a no-op.
func (t *Telegram) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	if !isTyping {
		return nil
	}
	bot, chatID, err := t.chatID(jid)
	if err != nil {
		return err
	}
	// Request, not Send: the API answers chat actions with a bare true.
	if _, err := bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Debug("telegram typing failed", "chat_jid", jid, "err", err)
		return fmt.Errorf("telegram typing: %w", err)
	}
	return nil
}

// Disconnect stops polling and waits for queued events. Safe to call twice.
func (t *Telegram) Disconnect() error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if !t.life.stop() {
		return nil
	}
	t.pipe.wait()

	t.mu.Lock()
	t.bot = nil
	t.mu.Unlock()

	t.logger.Info("telegram bot disconnected")
	return nil
}

func orDefault(name, def string) string {
	if name == "" {
		return def
	}
	return name
}
