package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

// Router holds the registered adapters and routes by conversation-id prefix.
type Router struct {
	mu       sync.RWMutex
	channels []domain.Channel
	notices  *bus.Notices
	logger   *slog.Logger
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Notices *bus.Notices
	Logger  *slog.Logger
}

// ChannelStatus is one row of Router.Status.
type ChannelStatus struct {
	Name      string `json:"name"`
	Prefix    string `json:"prefix"`
	Connected bool   `json:"connected"`
}

// NewRouter creates an empty Router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{notices: cfg.Notices, logger: logger.With("component", "router")}
}

// Register adds ch. Prefixes must be non-empty, colon-free and unique, which
// keeps every conversation id owned by at most one adapter.
func (r *Router) Register(ch domain.Channel) error {
	prefix := ch.Prefix()
	if prefix == "" || strings.Contains(prefix, ":") {
		return fmt.Errorf("channel %s: invalid prefix %q", ch.Name(), prefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.channels {
		if existing.Prefix() == prefix {
			return fmt.Errorf("channel %s: prefix %q already owned by %s", ch.Name(), prefix, existing.Name())
		}
		if existing.Name() == ch.Name() {
			return fmt.Errorf("channel %s already registered", ch.Name())
		}
	}
	r.channels = append(r.channels, ch)
	r.logger.Info("channel registered", "channel", ch.Name(), "prefix", prefix)
	return nil
}

// Channels returns the registered adapters in registration order.
func (r *Router) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Channel(nil), r.channels...)
}

// Owner returns the adapter whose OwnsJID claims jid.
func (r *Router) Owner(jid string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch, true
		}
	}
	return nil, false
}

func (r *Router) owner(jid string) (domain.Channel, error) {
	ch, ok := r.Owner(jid)
	if !ok {
		metrics.RoutingFailures.Inc()
		r.notices.Emit(bus.Notice{Type: bus.NoticeRoutingFailed, JID: jid})
		r.logger.Warn("no channel owns conversation", "chat_jid", jid)
		return nil, fmt.Errorf("%w: %s", domain.ErrNoChannel, jid)
	}
	return ch, nil
}

// Send delivers text through the owning adapter. An unclaimed id is a routing
// fault returned to the caller.
func (r *Router) Send(ctx context.Context, jid, text string) error {
	ch, err := r.owner(jid)
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, jid, text); err != nil {
		r.notices.Emit(bus.Notice{Type: bus.NoticeSendFailed, Channel: ch.Name(), JID: jid, Detail: err.Error()})
		return fmt.Errorf("%s send: %w", ch.Name(), err)
	}
	r.notices.Emit(bus.Notice{Type: bus.NoticeMessageSent, Channel: ch.Name(), JID: jid})
	return nil
}

// SetTyping forwards a typing indicator to the owning adapter.
func (r *Router) SetTyping(ctx context.Context, jid string, isTyping bool) error {
	ch, err := r.owner(jid)
	if err != nil {
		return err
	}
	return ch.SetTyping(ctx, jid, isTyping)
}

// BroadcastTyping sets typing on every jid concurrently. Failures are logged
// and joined; one slow platform does not hold up the others.
func (r *Router) BroadcastTyping(ctx context.Context, jids []string, isTyping bool) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, jid := range jids {
		wg.Add(1)
		go func(jid string) {
			defer wg.Done()
			if err := r.SetTyping(ctx, jid, isTyping); err != nil {
				r.logger.Debug("typing failed", "chat_jid", jid, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", jid, err))
				mu.Unlock()
			}
		}(jid)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ConnectAll connects every adapter concurrently. A failing adapter does not
// stop the others; the failures are joined.
func (r *Router) ConnectAll(ctx context.Context) error {
	channels := r.Channels()
	errs := make([]error, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch domain.Channel) {
			defer wg.Done()
			if err := ch.Connect(ctx); err != nil {
				r.notices.Emit(bus.Notice{Type: bus.NoticeChannelConnectFailed, Channel: ch.Name(), Detail: err.Error()})
				r.logger.Error("channel connect failed", "channel", ch.Name(), "err", err)
				errs[i] = fmt.Errorf("connect %s: %w", ch.Name(), err)
				return
			}
			r.logger.Info("channel connected", "channel", ch.Name())
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// DisconnectAll disconnects every adapter, in reverse registration order.
func (r *Router) DisconnectAll() error {
	channels := r.Channels()
	var errs []error
	for i := len(channels) - 1; i >= 0; i-- {
		ch := channels[i]
		if err := ch.Disconnect(); err != nil {
			r.logger.Warn("channel disconnect failed", "channel", ch.Name(), "err", err)
			errs = append(errs, fmt.Errorf("disconnect %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Status reports each adapter's connection state.
func (r *Router) Status() []ChannelStatus {
	channels := r.Channels()
	out := make([]ChannelStatus, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelStatus{Name: ch.Name(), Prefix: ch.Prefix(), Connected: ch.IsConnected()})
	}
	return out
}
