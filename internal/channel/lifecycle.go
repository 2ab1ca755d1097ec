package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

const stopTimeout = 10 * time.Second

// lifecycle tracks one adapter's listen loop.
type lifecycle struct {
	name    string
	notices *bus.Notices

	connected atomic.Bool
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func (l *lifecycle) isConnected() bool {
	return l.connected.Load()
}

// start runs loop in its own goroutine under a context derived from parent.
// The adapter reads as disconnected as soon as loop returns.
func (l *lifecycle) start(parent context.Context, loop func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	l.connected.Store(true)
	metrics.SetConnected(l.name, true)
	l.notices.Emit(bus.Notice{Type: bus.NoticeChannelConnected, Channel: l.name})

	go func() {
		defer close(done)
		loop(ctx)
		l.connected.Store(false)
		metrics.SetConnected(l.name, false)
		l.notices.Emit(bus.Notice{Type: bus.NoticeChannelDisconnected, Channel: l.name})
	}()
}

// stop cancels the listen loop and waits for it to exit. It reports false
// when no loop was started, which makes Disconnect idempotent.
func (l *lifecycle) stop() bool {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
	}
	return true
}

// ownsPrefix is the shared OwnsJID rule: a pure prefix test.
func ownsPrefix(prefix, jid string) bool {
	return strings.HasPrefix(jid, prefix+":")
}

// storedToken returns configured, or the token saved for platform when
// configured is empty.
func storedToken(ctx context.Context, sessions domain.CredentialStore, platform, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if sessions != nil {
		blob, ok, err := sessions.LoadSession(ctx, platform)
		if err != nil {
			return "", fmt.Errorf("load session: %w", err)
		}
		if ok && len(blob) > 0 {
			return strings.TrimSpace(string(blob)), nil
		}
	}
	return "", fmt.Errorf("%w: no %s token configured", domain.ErrInvalidCredentials, platform)
}

// saveToken stores a token that just authenticated so later runs and the
// one-shot send command can connect without config.
func saveToken(ctx context.Context, sessions domain.CredentialStore, platform, token string, logger *slog.Logger) {
	if sessions == nil {
		return
	}
	saved, ok, err := sessions.LoadSession(ctx, platform)
	if err == nil && ok && string(saved) == token {
		return
	}
	if err := sessions.SaveSession(ctx, platform, []byte(token)); err != nil {
		logger.Warn("failed to save session", "platform", platform, "err", err)
	}
}
