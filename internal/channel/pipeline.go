package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/attachment"
	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/transcribe"
	"chatrelay/internal/trigger"
)

// Fetcher stores inbound media under a conversation's folder.
type Fetcher interface {
	Fetch(ctx context.Context, src attachment.FileSource, folder, originalName string) (string, bool)
	Path(rel string) string
}

// Collaborators are the dependencies every adapter is constructed with.
// Fetcher, Transcriber, Sessions and Notices may be nil.
type Collaborators struct {
	Publisher   bus.Publisher
	Registry    domain.RegistrationSource
	Sessions    domain.CredentialStore
	Fetcher     Fetcher
	Transcriber transcribe.Transcriber
	Trigger     *trigger.Trigger
	Notices     *bus.Notices
	Logger      *slog.Logger
}

func (c Collaborators) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// pipeline is the normalization path shared by all adapters:
// metadata, registration gate, download, transcription, format, rewrite, publish.
type pipeline struct {
	channel string
	c       Collaborators
	logger  *slog.Logger
	queue   *serialQueue
}

func newPipeline(channel string, c Collaborators, logger *slog.Logger) *pipeline {
	return &pipeline{
		channel: channel,
		c:       c,
		logger:  logger,
		queue:   newSerialQueue(),
	}
}

// submit processes ev after every earlier event of the same conversation,
// off the caller's goroutine so the platform receive loop keeps flowing.
func (p *pipeline) submit(ctx context.Context, ev Inbound) {
	p.queue.Submit(ev.ConversationID, func() {
		p.handle(ctx, ev)
	})
}

// wait blocks until queued events are done.
func (p *pipeline) wait() {
	p.queue.Wait()
}

// handle runs one event through the pipeline and reports whether a canonical
// message was published.
func (p *pipeline) handle(ctx context.Context, ev Inbound) bool {
	if ctx.Err() != nil {
		return false
	}

	ts := ev.Timestamp.UTC()
	if ev.Timestamp.IsZero() {
		ts = time.Now().UTC()
	}
	metrics.InboundEvents.WithLabelValues(p.channel, string(ev.Kind)).Inc()

	// Metadata goes out for every event, registered or not, so a chat can be
	// discovered before anyone registers it.
	p.c.Publisher.PublishChatMetadata(p.channel, domain.ChatMetadata{
		ConversationID: ev.ConversationID,
		Timestamp:      ts,
		DisplayName:    ev.ChatName,
	})

	registered, err := p.c.Registry.RegisteredConversations(ctx)
	if err != nil {
		p.logger.Error("registration lookup failed", "chat_jid", ev.ConversationID, "err", err)
		return false
	}
	reg, ok := registered[ev.ConversationID]
	if !ok {
		metrics.UnregisteredEvents.WithLabelValues(p.channel).Inc()
		p.logger.Debug("message from unregistered chat", "chat_jid", ev.ConversationID)
		return false
	}

	ref, transcript := p.enrich(ctx, ev, reg)

	content := FormatContent(ev, ref, transcript)
	if ev.Kind == domain.KindText && ev.Mentioned && p.c.Trigger != nil {
		content = p.c.Trigger.Rewrite(content)
	}
	if content == "" {
		return false
	}

	id := ev.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	p.c.Publisher.PublishMessage(p.channel, domain.CanonicalMessage{
		ID:             id,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		SenderName:     ev.SenderName,
		Content:        content,
		Timestamp:      ts,
		IsFromMe:       ev.IsFromMe,

		Folder:          reg.StorageFolder,
		RequiresTrigger: reg.RequiresTrigger,
		Triggered:       p.c.Trigger != nil && p.c.Trigger.Matches(content),
	})
	metrics.MessagesEmitted.WithLabelValues(p.channel).Inc()

	p.logger.Info("message received",
		"chat_jid", ev.ConversationID,
		"kind", ev.Kind,
		"sender", ev.SenderName,
		"content_len", len(content),
	)
	return true
}

// enrich downloads media and transcribes voice. Failures only degrade the
// placeholder; they never stop the message.
func (p *pipeline) enrich(ctx context.Context, ev Inbound, reg domain.RegisteredConversation) (ref, transcript string) {
	if !ev.Kind.HasFile() || ev.File == nil || p.c.Fetcher == nil {
		return "", ""
	}

	ref, ok := p.c.Fetcher.Fetch(ctx, ev.File, reg.StorageFolder, ev.FileName)
	metrics.Attachments.WithLabelValues(p.channel, metrics.Result(ok)).Inc()
	if !ok {
		return "", ""
	}
	p.logger.Info("attachment downloaded", "chat_jid", ev.ConversationID, "kind", ev.Kind, "path", ref)

	if ev.Kind != domain.KindVoice || p.c.Transcriber == nil {
		return ref, ""
	}
	text, ok := p.c.Transcriber.Transcribe(ctx, p.c.Fetcher.Path(ref))
	metrics.Transcriptions.WithLabelValues(metrics.Result(ok)).Inc()
	if !ok {
		return ref, ""
	}
	return ref, text
}
