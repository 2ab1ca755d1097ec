package channel

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

// Supervisor keeps adapters connected, reconnecting with capped exponential
// backoff. Invalid credentials stop the retries for that adapter.
type Supervisor struct {
	router   *Router
	initial  time.Duration
	max      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Router        *Router
	InitialDelay  time.Duration // default: 2s
	MaxDelay      time.Duration // default: 5m
	CheckInterval time.Duration // how often a connected adapter is re-checked; default: 5s
	Logger        *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		router:   cfg.Router,
		initial:  cfg.InitialDelay,
		max:      cfg.MaxDelay,
		interval: cfg.CheckInterval,
		logger:   logger.With("component", "supervisor"),
	}
}

// Run supervises every registered adapter until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range s.router.Channels() {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			s.supervise(ctx, ch)
		}(ch)
	}
	wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, ch domain.Channel) {
	delay := s.initial
	for {
		if !ch.IsConnected() {
			metrics.Reconnects.WithLabelValues(ch.Name()).Inc()
			err := ch.Connect(ctx)
			switch {
			case err == nil:
				s.logger.Info("channel connected", "channel", ch.Name())
				delay = s.initial
			case errors.Is(err, domain.ErrInvalidCredentials):
				s.logger.Error("channel credentials rejected, not retrying", "channel", ch.Name(), "err", err)
				return
			case ctx.Err() != nil:
				return
			default:
				wait := jitter(delay)
				s.logger.Warn("channel connect failed, backing off", "channel", ch.Name(), "err", err, "retry_in", wait)
				if !sleep(ctx, wait) {
					return
				}
				delay = nextDelay(delay, s.max)
				continue
			}
		}
		if !sleep(ctx, s.interval) {
			return
		}
	}
}

// nextDelay doubles d up to max.
func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int64N(int64(d/5)+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
