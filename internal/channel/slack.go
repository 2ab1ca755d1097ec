package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"chatrelay/internal/attachment"
	"chatrelay/internal/domain"
)

const (
	slackName   = "slack"
	slackPrefix = "slack"
)

// slackAPI is the part of *slack.Client the adapter uses.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// slackSocket is the part of *socketmode.Client the adapter uses.
type slackSocket interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
}

type slackClients struct {
	api    slackAPI
	socket slackSocket
	events <-chan socketmode.Event
}

func newSlackClients(botToken, appToken string) slackClients {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	socket := socketmode.New(api)
	return slackClients{api: api, socket: socket, events: socket.Events}
}

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken   string
	appToken   string
	c          Collaborators
	logger     *slog.Logger
	pipe       *pipeline
	life       lifecycle
	newClients func(botToken, appToken string) slackClients
	client     *http.Client

	connectMu sync.Mutex
	mu        sync.RWMutex
	api       slackAPI
	token     string
	botUID    string
	botName   string
	chats     map[string]string // channel id -> name
	users     map[string]string // user id -> display name
}

// SlackConfig configures the Slack channel. An empty BotToken falls back to
// the token saved in the credential store; AppToken is always required.
type SlackConfig struct {
	BotToken string
	AppToken string
	Collaborators
}

// NewSlack creates a disconnected Slack adapter.
func NewSlack(cfg SlackConfig) *Slack {
	logger := cfg.logger().With("channel", slackName)
	return &Slack{
		botToken:   strings.TrimSpace(cfg.BotToken),
		appToken:   strings.TrimSpace(cfg.AppToken),
		c:          cfg.Collaborators,
		logger:     logger,
		pipe:       newPipeline(slackName, cfg.Collaborators, logger),
		life:       lifecycle{name: slackName, notices: cfg.Notices},
		newClients: newSlackClients,
		client:     &http.Client{Timeout: 2 * time.Minute},
		chats:      make(map[string]string),
		users:      make(map[string]string),
	}
}

func (s *Slack) Name() string   { return slackName }
func (s *Slack) Prefix() string { return slackPrefix }

// OwnsJID reports whether jid is in the slack: namespace.
func (s *Slack) OwnsJID(jid string) bool { return ownsPrefix(slackPrefix, jid) }

// IsConnected reports whether the socket mode loop is running.
func (s *Slack) IsConnected() bool { return s.life.isConnected() }

// Connect runs auth.test and starts the socket mode connection.
func (s *Slack) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.life.isConnected() {
		return nil
	}
	s.life.stop()

	token, err := storedToken(ctx, s.c.Sessions, slackName, s.botToken)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	if s.appToken == "" {
		return fmt.Errorf("slack: %w: no app-level token configured", domain.ErrInvalidCredentials)
	}

	clients := s.newClients(token, s.appToken)
	auth, err := clients.api.AuthTestContext(ctx)
	if err != nil {
		if isSlackAuthError(err) {
			return fmt.Errorf("slack: %w: %v", domain.ErrInvalidCredentials, err)
		}
		return fmt.Errorf("slack auth: %w", err)
	}

	s.mu.Lock()
	s.api = clients.api
	s.token = token
	s.botUID = auth.UserID
	s.botName = auth.User
	s.mu.Unlock()

	saveToken(ctx, s.c.Sessions, slackName, token, s.logger)

	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID, "team", auth.Team)
	s.life.start(ctx, func(ctx context.Context) {
		s.listen(ctx, clients)
	})
	return nil
}

func isSlackAuthError(err error) bool {
	msg := err.Error()
	for _, code := range []string{"invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// listen runs the socket until it fails or ctx ends. A socket failure ends
// the loop so the supervisor reconnects.
func (s *Slack) listen(ctx context.Context, clients slackClients) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- clients.socket.RunContext(runCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("slack channel stopping")
			return
		case err := <-runErr:
			s.logger.Warn("slack socket mode stopped", "err", err)
			return
		case evt, ok := <-clients.events:
			if !ok {
				s.logger.Warn("slack event stream closed")
				return
			}
			s.handleSocketEvent(ctx, clients.socket, evt)
		}
	}
}

func (s *Slack) handleSocketEvent(ctx context.Context, socket slackSocket, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		s.logger.Debug("slack socket connecting")
	case socketmode.EventTypeConnected:
		s.logger.Debug("slack socket connected")
	case socketmode.EventTypeConnectionError:
		s.logger.Warn("slack socket connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		api, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || api.Type != slackevents.CallbackEvent {
			return
		}
		// app_mention duplicates the message event; mentions are read from
		// the message text instead.
		if msg, ok := api.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			s.handleMessage(ctx, msg)
		}
	default:
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
	}
}

func (s *Slack) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	s.mu.RLock()
	botUID := s.botUID
	s.mu.RUnlock()

	if ev.User == "" || ev.User == botUID || ev.BotID != "" {
		return
	}
	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
	default:
		return
	}
	for _, in := range s.toInbound(ctx, ev) {
		s.pipe.submit(ctx, in)
	}
}

var slackUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

func (s *Slack) toInbound(ctx context.Context, ev *slackevents.MessageEvent) []Inbound {
	s.mu.RLock()
	botUID, botName, token := s.botUID, s.botName, s.token
	s.mu.RUnlock()

	sender := s.userName(ctx, ev.User)
	base := Inbound{
		ConversationID: domain.JID(slackPrefix, ev.Channel),
		ChatName:       s.chatName(ctx, ev.Channel, ev.ChannelType, sender),
		MessageID:      ev.TimeStamp,
		SenderID:       ev.User,
		SenderName:     sender,
		Timestamp:      parseSlackTS(ev.TimeStamp),
	}

	text := ev.Text
	mentioned := false
	if botUID != "" {
		tag := "<@" + botUID + ">"
		mentioned = strings.Contains(text, tag)
		text = strings.ReplaceAll(text, tag, "@"+botName)
	}
	text = slackUnescaper.Replace(text)

	var files []slack.File
	if ev.Message != nil {
		files = ev.Message.Files
	}

	var out []Inbound
	for i, f := range files {
		in := base
		if i > 0 {
			in.MessageID = ev.TimeStamp + "-" + strconv.Itoa(i)
		}
		in.Kind = slackFileKind(f.Mimetype, f.Name)
		in.FileName = f.Name
		in.File = attachment.URLSource{
			URL:    f.URLPrivateDownload,
			Header: http.Header{"Authorization": {"Bearer " + token}},
			Client: s.client,
		}
		if i == 0 {
			in.Caption = text
		}
		out = append(out, in)
	}
	if len(out) > 0 || text == "" {
		return out
	}

	in := base
	in.Kind = domain.KindText
	in.Text = text
	in.Mentioned = mentioned
	return append(out, in)
}

func slackFileKind(mimetype, name string) domain.EventKind {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return domain.KindPhoto
	case strings.HasPrefix(mimetype, "video/"):
		return domain.KindVideo
	case strings.HasPrefix(mimetype, "audio/"):
		// Clips recorded in the Slack client.
		if strings.HasPrefix(name, "audio_message") {
			return domain.KindVoice
		}
		return domain.KindAudio
	default:
		return domain.KindDocument
	}
}

// parseSlackTS turns a message ts ("1700000000.000100") into a time.
func parseSlackTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var us int64
	if frac != "" {
		frac = (frac + "000000")[:6]
		us, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, us*1000).UTC()
}

func (s *Slack) userName(ctx context.Context, userID string) string {
	s.mu.RLock()
	name, ok := s.users[userID]
	api := s.api
	s.mu.RUnlock()
	if ok || api == nil {
		if name == "" {
			return userID
		}
		return name
	}

	u, err := api.GetUserInfoContext(ctx, userID)
	if err != nil {
		s.logger.Debug("slack user lookup failed", "user", userID, "err", err)
		return userID
	}
	switch {
	case u.Profile.DisplayName != "":
		name = u.Profile.DisplayName
	case u.RealName != "":
		name = u.RealName
	case u.Name != "":
		name = u.Name
	default:
		name = userID
	}
	s.mu.Lock()
	s.users[userID] = name
	s.mu.Unlock()
	return name
}

// chatName resolves channel names once; direct messages are named after the
// sender.
func (s *Slack) chatName(ctx context.Context, channelID, channelType, sender string) string {
	if channelType == "im" {
		return sender
	}
	s.mu.RLock()
	name, ok := s.chats[channelID]
	api := s.api
	s.mu.RUnlock()
	if ok {
		return name
	}
	if api == nil {
		return domain.JID(slackPrefix, channelID)
	}

	ch, err := api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		s.logger.Debug("slack channel lookup failed", "channel_id", channelID, "err", err)
		return domain.JID(slackPrefix, channelID)
	}
	name = domain.JID(slackPrefix, channelID)
	if ch.Name != "" {
		name = "#" + ch.Name
	}
	s.mu.Lock()
	s.chats[channelID] = name
	s.mu.Unlock()
	return name
}

func (s *Slack) channelID(jid string) (slackAPI, string, error) {
	if !s.OwnsJID(jid) {
		return nil, "", fmt.Errorf("slack: %w: %s", domain.ErrNoChannel, jid)
	}
	_, native, ok := domain.SplitJID(jid)
	if !ok {
		return nil, "", fmt.Errorf("invalid slack jid %q", jid)
	}
	s.mu.RLock()
	api := s.api
	s.mu.RUnlock()
	if api == nil || !s.life.isConnected() {
		return nil, "", fmt.Errorf("slack: %w", domain.ErrNotConnected)
	}
	return api, native, nil
}

// SendMessage posts text in 4000-character chunks.
func (s *Slack) SendMessage(ctx context.Context, jid string, text string) error {
	api, channelID, err := s.channelID(jid)
	if err != nil {
		return err
	}
	return sendChunks(ctx, s.logger, slackName, jid, splitMessage(text, slackMaxMsgLen, runeLen), func(ctx context.Context, chunk string) error {
		_, _, err := api.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false))
		return err
	})
}

// SetTyping is a no-op: bot tokens cannot set typing indicators.
func (s *Slack) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	if !s.OwnsJID(jid) {
		return fmt.Errorf("slack: %w: %s", domain.ErrNoChannel, jid)
	}
	return nil
}

// Disconnect closes the socket mode connection.
func (s *Slack) Disconnect() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if !s.life.stop() {
		return nil
	}
	s.pipe.wait()

	s.mu.Lock()
	s.api = nil
	s.mu.Unlock()

	s.logger.Info("slack bot disconnected")
	return nil
}
