package channel

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"chatrelay/internal/attachment"
	"chatrelay/internal/domain"
	"chatrelay/internal/trigger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recorder captures what adapters publish.
type recorder struct {
	mu       sync.Mutex
	messages []domain.CanonicalMessage
	metadata []domain.ChatMetadata
}

func (r *recorder) PublishMessage(channel string, msg domain.CanonicalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) PublishChatMetadata(channel string, meta domain.ChatMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = append(r.metadata, meta)
}

func (r *recorder) snapshot() ([]domain.CanonicalMessage, []domain.ChatMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := append([]domain.CanonicalMessage(nil), r.messages...)
	meta := append([]domain.ChatMetadata(nil), r.metadata...)
	return msgs, meta
}

// registry is a mutable RegistrationSource.
type registry struct {
	mu    sync.Mutex
	convs map[string]domain.RegisteredConversation
	calls int
}

func newRegistry(regs ...domain.RegisteredConversation) *registry {
	r := &registry{convs: make(map[string]domain.RegisteredConversation)}
	for _, reg := range regs {
		r.convs[reg.ConversationID] = reg
	}
	return r
}

func (r *registry) RegisteredConversations(ctx context.Context) (map[string]domain.RegisteredConversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := make(map[string]domain.RegisteredConversation, len(r.convs))
	for k, v := range r.convs {
		out[k] = v
	}
	return out, nil
}

func (r *registry) add(reg domain.RegisteredConversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[reg.ConversationID] = reg
}

// stubTranscriber returns a fixed transcript, or fails when text is empty.
type stubTranscriber struct {
	text  string
	paths []string
}

func (s *stubTranscriber) Transcribe(ctx context.Context, path string) (string, bool) {
	s.paths = append(s.paths, path)
	return s.text, s.text != ""
}

// memSessions is an in-memory CredentialStore.
type memSessions struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int
}

func newMemSessions() *memSessions {
	return &memSessions{blobs: make(map[string][]byte)}
}

func (m *memSessions) LoadSession(ctx context.Context, platform string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[platform]
	return b, ok, nil
}

func (m *memSessions) SaveSession(ctx context.Context, platform string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[platform] = append([]byte(nil), blob...)
	m.saves++
	return nil
}

func mustTrigger(t *testing.T) *trigger.Trigger {
	t.Helper()
	tr, err := trigger.New("Andy", "")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func newTestFetcher(t *testing.T) *attachment.Fetcher {
	t.Helper()
	f, err := attachment.NewFetcher(attachment.FetcherConfig{Root: t.TempDir(), Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func registered(jid, folder string) domain.RegisteredConversation {
	return domain.RegisteredConversation{ConversationID: jid, DisplayName: jid, StorageFolder: folder}
}
