package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const maxLineSize = 4 * 1024 * 1024

// Process runs the engine as a child process speaking JSON lines on stdio.
// It restarts the child when it exits.
type Process struct {
	command      string
	args         []string
	dir          string
	env          []string
	restartDelay time.Duration
	logger       *slog.Logger

	mu  sync.Mutex
	out domain.Outbound

	// wmu guards the child's stdin; it is never held while applying output.
	wmu sync.Mutex
	enc *json.Encoder
}

// ProcessConfig configures a child-process engine.
type ProcessConfig struct {
	Command      string
	Args         []string
	Dir          string
	Env          []string // appended to the relay's environment
	RestartDelay time.Duration
	Logger       *slog.Logger
}

// NewProcess creates a Process engine.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		command:      cfg.Command,
		args:         cfg.Args,
		dir:          cfg.Dir,
		env:          cfg.Env,
		restartDelay: cfg.RestartDelay,
		logger:       logger.With("component", "engine", "mode", "process"),
	}
}

func (p *Process) Attach(out domain.Outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = out
}

// Run keeps the child running until ctx ends.
func (p *Process) Run(ctx context.Context) error {
	if p.command == "" {
		return fmt.Errorf("engine: no command configured")
	}
	for {
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("engine process exited, restarting", "err", err, "delay", p.restartDelay)
		t := time.NewTimer(p.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (p *Process) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create engine stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine %q: %w", p.command, err)
	}
	p.logger.Info("engine process started", "command", p.command, "pid", cmd.Process.Pid)

	p.wmu.Lock()
	p.enc = json.NewEncoder(stdin)
	p.wmu.Unlock()

	defer func() {
		p.wmu.Lock()
		p.enc = nil
		p.wmu.Unlock()
		stdin.Close()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			p.logger.Warn("invalid engine output", "err", err)
			continue
		}
		p.mu.Lock()
		out := p.out
		p.mu.Unlock()
		if err := apply(ctx, out, f, p.logger); err != nil {
			p.logger.Warn("engine command failed", "type", f.Type, "chat_jid", f.ConversationID, "err", err)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("engine stdout read error", "err", err)
	}
	return cmd.Wait()
}

// Deliver writes one message line to the child's stdin.
func (p *Process) Deliver(ctx context.Context, seq uint64, msg domain.CanonicalMessage) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.enc == nil {
		return ErrUnavailable
	}
	if err := p.enc.Encode(messageFrame(seq, msg)); err != nil {
		return fmt.Errorf("write to engine: %w", err)
	}
	return nil
}
