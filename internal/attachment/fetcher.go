// Package attachment downloads inbound media into a conversation's storage
// folder under a shared root.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultMaxBytes caps a single download.
	DefaultMaxBytes int64 = 50 * 1024 * 1024
	uploadsDir            = "uploads"
	partSuffix            = ".part"
)

// ErrTooLarge is returned when a download exceeds MaxBytes.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Root     string // attachment root; files land in <Root>/<folder>/uploads/
	MaxBytes int64  // default: 50MB
	Now      func() time.Time
	Logger   *slog.Logger
}

// Fetcher streams platform media to disk. Safe for concurrent use.
type Fetcher struct {
	root     string
	maxBytes int64
	now      func() time.Time
	logger   *slog.Logger

	// nameMu serializes name reservation so concurrent fetches in the same
	// millisecond never pick the same file.
	nameMu sync.Mutex
}

// NewFetcher creates a Fetcher rooted at cfg.Root.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("attachment root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve attachment root: %w", err)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		root:     root,
		maxBytes: maxBytes,
		now:      now,
		logger:   logger.With("component", "attachment"),
	}, nil
}

// Root returns the absolute attachment root.
func (f *Fetcher) Root() string { return f.root }

// Path converts a relative reference returned by Fetch into an absolute path.
func (f *Fetcher) Path(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

// Fetch downloads src into <root>/<folder>/uploads/ and returns the reference
// relative to the root. Any failure returns ok=false and leaves no file behind;
// callers fall back to a placeholder without a path.
func (f *Fetcher) Fetch(ctx context.Context, src FileSource, folder, originalName string) (rel string, ok bool) {
	rel, err := f.fetch(ctx, src, folder, originalName)
	if err != nil {
		f.logger.Warn("attachment download failed", "folder", folder, "name", originalName, "err", err)
		return "", false
	}
	return rel, true
}

func (f *Fetcher) fetch(ctx context.Context, src FileSource, folder, originalName string) (string, error) {
	folder = cleanFolder(folder)
	if folder == "" {
		return "", fmt.Errorf("invalid storage folder")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	body, size, err := src.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer body.Close()

	if size > f.maxBytes {
		return "", fmt.Errorf("%w: %s (max %s)", ErrTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(f.maxBytes)))
	}

	dir := filepath.Join(f.root, folder, uploadsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name, part, err := f.reserve(dir, originalName)
	if err != nil {
		return "", err
	}
	partPath := part.Name()

	written, copyErr := io.Copy(part, io.LimitReader(&ctxReader{ctx: ctx, r: body}, f.maxBytes+1))
	closeErr := part.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("write file: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("close file: %w", closeErr)
	case written == 0:
		err = fmt.Errorf("empty file")
	case written > f.maxBytes:
		err = fmt.Errorf("%w: over %s", ErrTooLarge, humanize.IBytes(uint64(f.maxBytes)))
	case ctx.Err() != nil:
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(partPath)
		return "", err
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(partPath, final); err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("finalize file: %w", err)
	}

	rel := filepath.ToSlash(filepath.Join(folder, uploadsDir, name))
	f.logger.Debug("attachment stored", "path", rel, "size", humanize.IBytes(uint64(written)))
	return rel, nil
}

// reserve picks <unix_ms>-<base><ext>, adding -1, -2... when the name is
// taken, and creates its .part file exclusively.
func (f *Fetcher) reserve(dir, originalName string) (string, *os.File, error) {
	base, ext := splitName(originalName)
	stamp := strconv.FormatInt(f.now().UnixMilli(), 10)

	f.nameMu.Lock()
	defer f.nameMu.Unlock()

	for i := 0; i < 1000; i++ {
		name := stamp + "-" + base + ext
		if i > 0 {
			name = stamp + "-" + base + "-" + strconv.Itoa(i) + ext
		}
		if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
			continue
		}
		part, err := os.OpenFile(filepath.Join(dir, name+partSuffix), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("create file: %w", err)
		}
		return name, part, nil
	}
	return "", nil, fmt.Errorf("no free file name for %q", originalName)
}

// splitName returns a filesystem-safe basename and its extension.
func splitName(originalName string) (string, string) {
	name := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	base = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, base)
	base = strings.TrimSpace(base)
	if base == "" {
		base = "file"
	}
	return base, ext
}

func cleanFolder(folder string) string {
	folder = filepath.Clean(filepath.FromSlash(strings.TrimSpace(folder)))
	if folder == "." || filepath.IsAbs(folder) || folder == ".." || strings.HasPrefix(folder, ".."+string(filepath.Separator)) {
		return ""
	}
	return folder
}

// ctxReader stops a copy promptly once ctx is cancelled, even when the
// underlying reader ignores the context.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
