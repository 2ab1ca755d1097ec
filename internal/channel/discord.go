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

	"github.com/bwmarrin/discordgo"

	"chatrelay/internal/attachment"
	"chatrelay/internal/domain"
)

const (
	discordName   = "discord"
	discordPrefix = "dc"

	// discordVoiceFlag marks a message as a recorded voice message.
	discordVoiceFlag discordgo.MessageFlags = 1 << 13
)

// discordSession is the part of *discordgo.Session the adapter uses.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

func newDiscordSession(token string) (discordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return s, nil
}

// Discord implements domain.Channel for a Discord bot over the gateway.
type Discord struct {
	token      string
	c          Collaborators
	logger     *slog.Logger
	pipe       *pipeline
	life       lifecycle
	newSession func(token string) (discordSession, error)
	client     *http.Client

	connectMu sync.Mutex
	mu        sync.RWMutex
	session   discordSession
	self      discordgo.User
	names     map[string]string // channel id -> display name
}

// DiscordConfig configures the Discord channel. An empty Token falls back to
// the token saved in the credential store.
type DiscordConfig struct {
	Token string
	Collaborators
}

// NewDiscord creates a disconnected Discord adapter.
func NewDiscord(cfg DiscordConfig) *Discord {
	logger := cfg.logger().With("channel", discordName)
	return &Discord{
		token:      strings.TrimSpace(cfg.Token),
		c:          cfg.Collaborators,
		logger:     logger,
		pipe:       newPipeline(discordName, cfg.Collaborators, logger),
		life:       lifecycle{name: discordName, notices: cfg.Notices},
		newSession: newDiscordSession,
		client:     &http.Client{Timeout: 2 * time.Minute},
		names:      make(map[string]string),
	}
}

func (d *Discord) Name() string   { return discordName }
func (d *Discord) Prefix() string { return discordPrefix }

// OwnsJID reports whether jid is in the dc: namespace.
func (d *Discord) OwnsJID(jid string) bool { return ownsPrefix(discordPrefix, jid) }

// IsConnected reports whether the gateway session is open.
func (d *Discord) IsConnected() bool { return d.life.isConnected() }

// Connect checks the token against /users/@me and opens the gateway.
// discordgo reconnects the websocket on its own while the session is open.
func (d *Discord) Connect(ctx context.Context) error {
	d.connectMu.Lock()
	defer d.connectMu.Unlock()

	if d.life.isConnected() {
		return nil
	}
	d.life.stop()

	token, err := storedToken(ctx, d.c.Sessions, discordName, d.token)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}

	session, err := d.newSession(token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	me, err := session.User("@me")
	if err != nil {
		if isDiscordAuthError(err) {
			return fmt.Errorf("discord: %w: %v", domain.ErrInvalidCredentials, err)
		}
		return fmt.Errorf("discord: fetch bot user: %w", err)
	}

	events := make(chan *discordgo.MessageCreate, 64)
	stopped := make(chan struct{})
	remove := session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		select {
		case events <- m:
		case <-stopped:
		}
	})

	if err := session.Open(); err != nil {
		remove()
		return fmt.Errorf("discord connect: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.self = *me
	d.mu.Unlock()

	saveToken(ctx, d.c.Sessions, discordName, token, d.logger)

	d.logger.Info("discord bot connected", "username", me.Username, "id", me.ID)
	d.life.start(ctx, func(ctx context.Context) {
		defer func() {
			close(stopped)
			remove()
			if err := session.Close(); err != nil {
				d.logger.Warn("discord session close failed", "err", err)
			}
		}()
		d.listen(ctx, events)
	})
	return nil
}

func isDiscordAuthError(err error) bool {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode == http.StatusUnauthorized
	}
	return errors.Is(err, discordgo.ErrUnauthorized)
}

func (d *Discord) listen(ctx context.Context, events <-chan *discordgo.MessageCreate) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("discord channel stopping")
			return
		case m := <-events:
			d.handleMessage(ctx, m)
		}
	}
}

func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	d.mu.RLock()
	self := d.self
	d.mu.RUnlock()
	if m.Author.ID == self.ID || m.Author.Bot {
		return
	}
	for _, ev := range d.toInbound(m.Message, self) {
		d.pipe.submit(ctx, ev)
	}
}

// toInbound maps one Discord message to its events: the text, then one
// event per attachment. A message with both uses its text as the caption of
// the first attachment.
func (d *Discord) toInbound(m *discordgo.Message, self discordgo.User) []Inbound {
	sender := discordSenderName(m)
	base := Inbound{
		ConversationID: domain.JID(discordPrefix, m.ChannelID),
		ChatName:       d.chatName(m, sender),
		MessageID:      m.ID,
		SenderID:       m.Author.ID,
		SenderName:     sender,
		Timestamp:      m.Timestamp.UTC(),
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == self.ID {
			mentioned = true
			break
		}
	}
	text := discordMentionsToNames(m.Content, self)

	var out []Inbound
	for i, a := range m.Attachments {
		if a == nil {
			continue
		}
		ev := base
		if i > 0 {
			ev.MessageID = m.ID + "-" + strconv.Itoa(i)
		}
		ev.Kind = discordAttachmentKind(a.ContentType, m.Flags)
		ev.File = attachment.URLSource{URL: a.URL, Client: d.client}
		ev.FileName = a.Filename
		if i == 0 {
			ev.Caption = text
		}
		out = append(out, ev)
	}
	if len(out) > 0 {
		return out
	}

	switch {
	case text != "":
		ev := base
		ev.Kind = domain.KindText
		ev.Text = text
		ev.Mentioned = mentioned
		out = append(out, ev)
	case len(m.StickerItems) > 0:
		ev := base
		ev.Kind = domain.KindSticker
		out = append(out, ev)
	}
	return out
}

func discordAttachmentKind(contentType string, flags discordgo.MessageFlags) domain.EventKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return domain.KindPhoto
	case strings.HasPrefix(contentType, "video/"):
		return domain.KindVideo
	case strings.HasPrefix(contentType, "audio/"):
		if flags&discordVoiceFlag != 0 {
			return domain.KindVoice
		}
		return domain.KindAudio
	default:
		return domain.KindDocument
	}
}

// discordMentionsToNames replaces <@id> and <@!id> for the bot with @Username.
func discordMentionsToNames(content string, self discordgo.User) string {
	if self.ID == "" {
		return content
	}
	name := "@" + self.Username
	content = strings.ReplaceAll(content, "<@"+self.ID+">", name)
	return strings.ReplaceAll(content, "<@!"+self.ID+">", name)
}

func discordSenderName(m *discordgo.Message) string {
	switch {
	case m.Member != nil && m.Member.Nick != "":
		return m.Member.Nick
	case m.Author.GlobalName != "":
		return m.Author.GlobalName
	case m.Author.Username != "":
		return m.Author.Username
	default:
		return m.Author.ID
	}
}

// chatName looks the channel up once and caches it. Direct messages are named
// after the sender.
func (d *Discord) chatName(m *discordgo.Message, sender string) string {
	if m.GuildID == "" {
		return sender
	}
	d.mu.RLock()
	name, ok := d.names[m.ChannelID]
	session := d.session
	d.mu.RUnlock()
	if ok {
		return name
	}

	name = domain.JID(discordPrefix, m.ChannelID)
	if session != nil {
		if ch, err := session.Channel(m.ChannelID); err == nil && ch.Name != "" {
			name = "#" + ch.Name
		} else if err != nil {
			d.logger.Debug("discord channel lookup failed", "channel_id", m.ChannelID, "err", err)
			return name
		}
	}
	d.mu.Lock()
	d.names[m.ChannelID] = name
	d.mu.Unlock()
	return name
}

func (d *Discord) channelID(jid string) (discordSession, string, error) {
	if !d.OwnsJID(jid) {
		return nil, "", fmt.Errorf("discord: %w: %s", domain.ErrNoChannel, jid)
	}
	_, native, ok := domain.SplitJID(jid)
	if !ok {
		return nil, "", fmt.Errorf("invalid discord jid %q", jid)
	}
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()
	if session == nil || !d.life.isConnected() {
		return nil, "", fmt.Errorf("discord: %w", domain.ErrNotConnected)
	}
	return session, native, nil
}

// SendMessage sends text in 2000-character chunks.
func (d *Discord) SendMessage(ctx context.Context, jid string, text string) error {
	session, channelID, err := d.channelID(jid)
	if err != nil {
		return err
	}
	return sendChunks(ctx, d.logger, discordName, jid, splitMessage(text, discordMaxMsgLen, runeLen), func(ctx context.Context, chunk string) error {
		_, err := session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		return err
	})
}

// SetTyping triggers the typing indicator, which Discord clears after ten
// seconds or on the next message.
func (d *Discord) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	if !isTyping {
		return nil
	}
	session, channelID, err := d.channelID(jid)
	if err != nil {
		return err
	}
	if err := session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect() error {
	d.connectMu.Lock()
	defer d.connectMu.Unlock()

	if !d.life.stop() {
		return nil
	}
	d.pipe.wait()

	d.mu.Lock()
	d.session = nil
	d.mu.Unlock()

	d.logger.Info("discord bot disconnected")
	return nil
}
