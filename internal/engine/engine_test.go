package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeOutbound struct {
	mu     sync.Mutex
	sent   []string
	typing []string
}

func (o *fakeOutbound) Send(ctx context.Context, jid, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, jid+"|"+text)
	return nil
}

func (o *fakeOutbound) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.typing = append(o.typing, fmt.Sprintf("%s|%v", jid, isTyping))
	return nil
}

func (o *fakeOutbound) snapshot() ([]string, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.sent...), append([]string(nil), o.typing...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// TestHelperProcess is the child engine used by the process tests. It answers
// every message frame with a typing frame and an echo.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CHATRELAY_HELPER_ENGINE") != "1" {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil || f.Message == nil {
			continue
		}
		jid := f.Message.ConversationID
		enc.Encode(Frame{Type: FrameTyping, ConversationID: jid, Typing: true})
		os.Stdout.WriteString("not json\n")
		enc.Encode(Frame{Type: FrameSend, ConversationID: jid, Text: fmt.Sprintf("echo %d: %s", f.Seq, f.Message.Content)})
	}
	os.Exit(0)
}

func helperProcess() *Process {
	p := NewProcess(ProcessConfig{
		Command:      os.Args[0],
		Args:         []string{"-test.run=TestHelperProcess"},
		Env:          []string{"CHATRELAY_HELPER_ENGINE=1"},
		RestartDelay: 10 * time.Millisecond,
		Logger:       testLogger(),
	})
	return p
}

func TestProcess_RoundTrip(t *testing.T) {
	p := helperProcess()
	out := &fakeOutbound{}
	p.Attach(out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	msg := domain.CanonicalMessage{ID: "7", ConversationID: "tg:555", Content: "hello"}
	waitFor(t, func() bool { return p.Deliver(ctx, 1, msg) == nil })

	waitFor(t, func() bool {
		sent, _ := out.snapshot()
		return len(sent) == 1
	})
	sent, typing := out.snapshot()
	if sent[0] != "tg:555|echo 1: hello" {
		t.Errorf("unexpected send %q", sent[0])
	}
	if len(typing) != 1 || typing[0] != "tg:555|true" {
		t.Errorf("unexpected typing %v", typing)
	}
}

func TestProcess_UnavailableBeforeStart(t *testing.T) {
	p := helperProcess()
	err := p.Deliver(context.Background(), 1, domain.CanonicalMessage{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestProcess_NoCommand(t *testing.T) {
	p := NewProcess(ProcessConfig{Logger: testLogger()})
	if err := p.Run(context.Background()); err == nil {
		t.Error("expected error without a command")
	}
}

func TestProcess_RestartsAfterExit(t *testing.T) {
	p := NewProcess(ProcessConfig{
		Command:      os.Args[0],
		Args:         []string{"-test.run=^$"},
		RestartDelay: 5 * time.Millisecond,
		Logger:       testLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// The child exits at once; Run keeps restarting it until ctx ends.
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func startWebSocket(t *testing.T, token string) (*WebSocket, *fakeOutbound, *httptest.Server) {
	t.Helper()
	ws := NewWebSocket(WebSocketConfig{Token: token, Logger: testLogger()})
	out := &fakeOutbound{}
	ws.Attach(out)
	ctx, cancel := context.WithCancel(context.Background())
	go ws.Run(ctx)
	srv := httptest.NewServer(ws)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return ws, out, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_RoundTrip(t *testing.T) {
	ws, out, srv := startWebSocket(t, "s3cret")

	if err := ws.Deliver(context.Background(), 1, domain.CanonicalMessage{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable without engine, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=s3cret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, ws.Connected)

	msg := domain.CanonicalMessage{ID: "m1", ConversationID: "dc:1", Content: "hi", Timestamp: time.Unix(1700000000, 0).UTC()}
	if err := ws.Deliver(context.Background(), 9, msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameMessage || f.Seq != 9 || f.Message == nil || f.Message.Content != "hi" || !f.Message.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("unexpected frame %+v", f)
	}

	if err := conn.WriteJSON(Frame{Type: FrameSend, ConversationID: "dc:1", Text: "hello back"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Frame{Type: FrameTyping, ConversationID: "dc:1", Typing: false}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		sent, typing := out.snapshot()
		return len(sent) == 1 && len(typing) == 1
	})
	sent, typing := out.snapshot()
	if sent[0] != "dc:1|hello back" || typing[0] != "dc:1|false" {
		t.Errorf("unexpected %v %v", sent, typing)
	}

	conn.Close()
	waitFor(t, func() bool { return !ws.Connected() })
}

func TestWebSocket_Token(t *testing.T) {
	_, _, srv := startWebSocket(t, "s3cret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=s3cret", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()

	header := http.Header{"Authorization": {"Bearer s3cret"}}
	conn, _, err = websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("dial with bearer token: %v", err)
	}
	conn.Close()
}

func TestWebSocket_EmptyTokenRefusesAll(t *testing.T) {
	_, _, srv := startWebSocket(t, "")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with no configured token, got %v", err)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	_, _, srv := startWebSocket(t, "s3cret")

	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=s3cret", header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for foreign origin, got %v", err)
	}
}

func TestMessageFrame_CarriesTriggerContext(t *testing.T) {
	msg := domain.CanonicalMessage{ID: "7", ConversationID: "tg:555", Content: "hello", Folder: "family", RequiresTrigger: true}
	data, err := json.Marshal(messageFrame(1, msg))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"requires_trigger":true`, `"triggered":false`, `"folder":"family"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("frame %s missing %s", data, want)
		}
	}
}

func TestApply(t *testing.T) {
	out := &fakeOutbound{}
	ctx := context.Background()
	if err := apply(ctx, out, Frame{Type: FrameSend, Text: "x"}, testLogger()); err == nil {
		t.Error("expected error for send without conversation")
	}
	if err := apply(ctx, nil, Frame{Type: FrameSend, ConversationID: "tg:1"}, testLogger()); err == nil {
		t.Error("expected error without outbound")
	}
	if err := apply(ctx, out, Frame{Type: "bogus"}, testLogger()); err != nil {
		t.Errorf("unknown frames are ignored, got %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Mode: ModeProcess}); err == nil {
		t.Error("process mode without command should fail")
	}
	if _, err := New(Config{Mode: "carrier-pigeon"}); err == nil {
		t.Error("unknown mode should fail")
	}
	e, err := New(Config{Mode: ModeNone, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Deliver(context.Background(), 1, domain.CanonicalMessage{ConversationID: "tg:1"}); err != nil {
		t.Errorf("log engine Deliver: %v", err)
	}
	if _, ok := e.(*Log); !ok {
		t.Errorf("expected *Log, got %T", e)
	}
	if ws, _ := New(Config{Mode: ModeWebSocket}); ws == nil {
		t.Error("websocket engine is nil")
	}
}
