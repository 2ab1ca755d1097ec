// Package browser drives a Chrome instance through chromedp with a persistent
// profile directory, so web sessions survive restarts.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Bridge launches Chrome with a fixed profile.
type Bridge struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

// BridgeConfig holds configuration for the browser bridge.
type BridgeConfig struct {
	ProfileDir string // Chrome user data directory (persists cookies/sessions)
	Headless   bool   // Run headless (true) or with visible UI (false)
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".chatrelay", "chrome-profile")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     logger,
	}
}

// chromeNames mirrors the executables chromedp's allocator searches for.
var chromeNames = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

// FindChrome reports the Chrome executable the bridge would launch.
func FindChrome() (string, error) {
	for _, name := range chromeNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("chrome not found in PATH (tried %d names)", len(chromeNames))
}

// ProfileDir returns the Chrome user data directory.
func (b *Bridge) ProfileDir() string { return b.profileDir }

func (b *Bridge) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// NewContext creates a chromedp context with the bridge's profile.
// The caller MUST call cancel() when done.
func (b *Bridge) NewContext(parentCtx context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, b.allocatorOptions(headless)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Open launches the browser (headless per config) and returns a page handle.
func (b *Bridge) Open(ctx context.Context) (*Page, error) {
	return b.open(ctx, b.headless)
}

func (b *Bridge) open(ctx context.Context, headless bool) (*Page, error) {
	// The browser outlives the caller's connect context; Page.Close ends it.
	taskCtx, cancel := b.NewContext(context.WithoutCancel(ctx), headless)
	// First Run starts the browser process.
	if err := chromedp.Run(taskCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &Page{ctx: taskCtx, cancel: cancel, logger: b.logger}, nil
}

// Login opens a visible browser at url and waits until paired reports true
// or ctx ends. The session stays in the profile directory.
func (b *Bridge) Login(ctx context.Context, url string, paired func(ctx context.Context, p *Page) (bool, error)) (*Page, error) {
	b.logger.Info("opening browser for login", "url", url)

	page, err := b.open(ctx, false)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, url); err != nil {
		page.Close()
		return nil, fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened, scan the QR code with your phone. Press Ctrl+C to abort.")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			page.Close()
			return nil, ctx.Err()
		case <-ticker.C:
			ok, err := paired(ctx, page)
			if err != nil {
				b.logger.Debug("pairing check failed", "err", err)
				continue
			}
			if ok {
				b.logger.Info("login session saved", "profile", b.profileDir)
				return page, nil
			}
		}
	}
}
