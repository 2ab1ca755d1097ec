package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type memStore struct {
	mu       sync.Mutex
	messages []domain.CanonicalMessage
	seqs     []uint64
	meta     []domain.ChatMetadata
	fail     bool
}

func (s *memStore) StoreMessage(ctx context.Context, seq uint64, msg domain.CanonicalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.messages = append(s.messages, msg)
	s.seqs = append(s.seqs, seq)
	return nil
}

func (s *memStore) StoreChatMetadata(ctx context.Context, meta domain.ChatMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = append(s.meta, meta)
	return nil
}

type delivery struct {
	seq uint64
	msg domain.CanonicalMessage
}

type recordingEngine struct {
	mu  sync.Mutex
	got []delivery
	err error
}

func (e *recordingEngine) Deliver(ctx context.Context, seq uint64, msg domain.CanonicalMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, delivery{seq, msg})
	return e.err
}

func (e *recordingEngine) deliveries() []delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]delivery(nil), e.got...)
}

type fakeOutbound struct {
	sent   []string
	typing []string
	err    error
}

func (o *fakeOutbound) Send(ctx context.Context, jid, text string) error {
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, jid+"|"+text)
	return nil
}

func (o *fakeOutbound) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	o.typing = append(o.typing, fmt.Sprintf("%s|%v", jid, isTyping))
	return nil
}

func runCoordinator(t *testing.T, c *Coordinator) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestCoordinator_ForwardsInBusOrder(t *testing.T) {
	b := bus.New(10, testLogger())
	st := &memStore{}
	eng := &recordingEngine{}
	notices := bus.NewNotices(testLogger())
	c := NewCoordinator(CoordinatorConfig{Source: b, Store: st, Engine: eng, Router: &fakeOutbound{}, Notices: notices, Logger: testLogger()})
	stop := runCoordinator(t, c)
	defer stop()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.PublishChatMetadata("telegram", domain.ChatMetadata{ConversationID: "tg:1", Timestamp: ts, DisplayName: "One"})
	b.PublishMessage("telegram", domain.CanonicalMessage{ID: "a", ConversationID: "tg:1", Content: "first", Timestamp: ts})
	b.PublishMessage("discord", domain.CanonicalMessage{ID: "b", ConversationID: "dc:2", Content: "second", Timestamp: ts})
	b.PublishMessage("telegram", domain.CanonicalMessage{ID: "c", ConversationID: "tg:1", Content: "third", Timestamp: ts})

	deadline := time.Now().Add(2 * time.Second)
	for len(eng.deliveries()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	got := eng.deliveries()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, d := range got {
		if d.seq != uint64(i+1) {
			t.Errorf("delivery %d: seq %d", i, d.seq)
		}
	}
	if got[0].msg.Content != "first" || got[2].msg.Content != "third" {
		t.Errorf("unexpected order %+v", got)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.meta) != 1 || st.meta[0].DisplayName != "One" {
		t.Errorf("unexpected metadata %+v", st.meta)
	}
	if len(st.messages) != 3 || st.seqs[1] != 2 {
		t.Errorf("unexpected stored messages %v", st.seqs)
	}
	if c.Seq() != 3 {
		t.Errorf("Seq() = %d", c.Seq())
	}
	if n := len(notices.Since(bus.NoticeMessageForwarded, time.Time{})); n != 3 {
		t.Errorf("expected 3 forwarded notices, got %d", n)
	}
}

func TestCoordinator_StoreFailureStillDelivers(t *testing.T) {
	eng := &recordingEngine{}
	c := NewCoordinator(CoordinatorConfig{Store: &memStore{fail: true}, Engine: eng, Logger: testLogger()})

	c.handle(context.Background(), bus.Event{Kind: bus.EventMessage, Message: domain.CanonicalMessage{ID: "x", ConversationID: "tg:1"}})
	if len(eng.deliveries()) != 1 {
		t.Error("message should reach the engine")
	}
}

func TestCoordinator_EngineFailureKeepsGoing(t *testing.T) {
	eng := &recordingEngine{err: errors.New("engine down")}
	st := &memStore{}
	c := NewCoordinator(CoordinatorConfig{Store: st, Engine: eng, Logger: testLogger()})

	for i := 0; i < 2; i++ {
		c.handle(context.Background(), bus.Event{Kind: bus.EventMessage, Message: domain.CanonicalMessage{ID: fmt.Sprint(i), ConversationID: "tg:1"}})
	}
	if len(eng.deliveries()) != 2 || len(st.messages) != 2 {
		t.Errorf("deliveries=%d stored=%d", len(eng.deliveries()), len(st.messages))
	}
}

func TestCoordinator_StopsWhenBusCloses(t *testing.T) {
	b := bus.New(1, testLogger())
	c := NewCoordinator(CoordinatorConfig{Source: b, Logger: testLogger()})
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after bus close")
	}
}

func TestCoordinator_Send(t *testing.T) {
	st := &memStore{}
	out := &fakeOutbound{}
	c := NewCoordinator(CoordinatorConfig{Store: st, Router: out, AssistantName: "Andy", Logger: testLogger()})
	ctx := context.Background()

	if err := c.Send(ctx, "tg:1", "hi there"); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, "tg:1", "  \n"); err != nil {
		t.Fatal(err)
	}
	if len(out.sent) != 1 || out.sent[0] != "tg:1|hi there" {
		t.Errorf("unexpected sends %v", out.sent)
	}
	if len(st.messages) != 1 || !st.messages[0].IsFromMe || st.messages[0].SenderName != "Andy" || st.messages[0].ID == "" || st.seqs[0] != 0 {
		t.Errorf("unexpected stored reply %+v", st.messages)
	}

	out.err = fmt.Errorf("%w: xx:1", domain.ErrNoChannel)
	if err := c.Send(ctx, "xx:1", "hello"); !errors.Is(err, domain.ErrNoChannel) {
		t.Errorf("expected ErrNoChannel, got %v", err)
	}
	if len(st.messages) != 1 {
		t.Error("failed send should not be stored")
	}

	if err := c.SetTyping(ctx, "tg:1", true); err != nil {
		t.Fatal(err)
	}
	if len(out.typing) != 1 || out.typing[0] != "tg:1|true" {
		t.Errorf("unexpected typing %v", out.typing)
	}
}
