package attachment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestFetcher(t *testing.T, now func() time.Time) *Fetcher {
	t.Helper()
	f, err := NewFetcher(FetcherConfig{Root: t.TempDir(), Now: now, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func listUploads(t *testing.T, f *Fetcher, folder string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.Root(), folder, "uploads"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetch_WritesFile(t *testing.T) {
	f := newTestFetcher(t, fixedClock(1700000000123))

	rel, ok := f.Fetch(context.Background(), BytesSource("imagedata"), "main", "photo.jpg")
	if !ok {
		t.Fatal("expected ok")
	}
	if rel != "main/uploads/1700000000123-photo.jpg" {
		t.Errorf("unexpected reference %q", rel)
	}

	data, err := os.ReadFile(f.Path(rel))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "imagedata" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestFetch_DistinctTimestampsNeverCollide(t *testing.T) {
	ms := int64(1000)
	f := newTestFetcher(t, func() time.Time { ms++; return time.UnixMilli(ms) })

	a, ok1 := f.Fetch(context.Background(), BytesSource("a"), "g", "voice.ogg")
	b, ok2 := f.Fetch(context.Background(), BytesSource("b"), "g", "voice.ogg")
	if !ok1 || !ok2 {
		t.Fatal("expected both fetches to succeed")
	}
	if a == b {
		t.Errorf("names collided: %s", a)
	}
}

func TestFetch_SameMillisecondGetsSuffix(t *testing.T) {
	f := newTestFetcher(t, fixedClock(42))

	a, _ := f.Fetch(context.Background(), BytesSource("a"), "g", "doc.pdf")
	b, _ := f.Fetch(context.Background(), BytesSource("b"), "g", "doc.pdf")
	c, _ := f.Fetch(context.Background(), BytesSource("c"), "g", "doc.pdf")

	want := []string{"g/uploads/42-doc.pdf", "g/uploads/42-doc-1.pdf", "g/uploads/42-doc-2.pdf"}
	for i, got := range []string{a, b, c} {
		if got != want[i] {
			t.Errorf("fetch %d: got %q, want %q", i, got, want[i])
		}
	}
}

func TestFetch_FailedSourceLeavesNoFiles(t *testing.T) {
	f := newTestFetcher(t, nil)

	failing := SourceFunc(func(ctx context.Context) (io.ReadCloser, int64, error) {
		return nil, 0, errors.New("platform said no")
	})
	if _, ok := f.Fetch(context.Background(), failing, "g", "x.jpg"); ok {
		t.Fatal("expected failure")
	}
	if names := listUploads(t, f, "g"); len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}

type brokenReader struct{ sent bool }

func (b *brokenReader) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestFetch_MidStreamErrorRemovesPartial(t *testing.T) {
	f := newTestFetcher(t, nil)

	src := SourceFunc(func(ctx context.Context) (io.ReadCloser, int64, error) {
		return io.NopCloser(&brokenReader{}), -1, nil
	})
	if _, ok := f.Fetch(context.Background(), src, "g", "video.mp4"); ok {
		t.Fatal("expected failure")
	}
	if names := listUploads(t, f, "g"); len(names) != 0 {
		t.Errorf("expected zero files after failed download, got %v", names)
	}
}

func TestFetch_ZeroLength(t *testing.T) {
	f := newTestFetcher(t, nil)

	if _, ok := f.Fetch(context.Background(), BytesSource(nil), "g", "empty.txt"); ok {
		t.Fatal("zero-length file should fail")
	}
	if names := listUploads(t, f, "g"); len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}

func TestFetch_SizeCap(t *testing.T) {
	f, err := NewFetcher(FetcherConfig{Root: t.TempDir(), MaxBytes: 4, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	// Declared size over the cap.
	if _, ok := f.Fetch(context.Background(), BytesSource("12345"), "g", "a.bin"); ok {
		t.Error("expected declared oversize to fail")
	}

	// Unknown size, stream over the cap.
	src := SourceFunc(func(ctx context.Context) (io.ReadCloser, int64, error) {
		return io.NopCloser(strings.NewReader("123456789")), -1, nil
	})
	if _, ok := f.Fetch(context.Background(), src, "g", "b.bin"); ok {
		t.Error("expected streamed oversize to fail")
	}
	if names := listUploads(t, f, "g"); len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}

func TestFetch_CancelledContext(t *testing.T) {
	f := newTestFetcher(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := f.Fetch(ctx, BytesSource("data"), "g", "a.jpg"); ok {
		t.Fatal("expected cancelled fetch to fail")
	}
	if names := listUploads(t, f, "g"); len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}

func TestFetch_RejectsEscapingFolder(t *testing.T) {
	f := newTestFetcher(t, nil)
	for _, folder := range []string{"", "..", "../other", "/abs"} {
		if _, ok := f.Fetch(context.Background(), BytesSource("x"), folder, "a.jpg"); ok {
			t.Errorf("folder %q should be rejected", folder)
		}
	}
}

func TestFetch_ResolvedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/bot123/voice/file_7.oga" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("OggS"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, fixedClock(5))
	src := ResolvedURLSource{Resolve: func(ctx context.Context) (string, error) {
		return srv.URL + "/file/bot123/voice/file_7.oga", nil
	}}

	rel, ok := f.Fetch(context.Background(), src, "family", "voice-5.ogg")
	if !ok {
		t.Fatal("expected ok")
	}
	if rel != "family/uploads/5-voice-5.ogg" {
		t.Errorf("unexpected reference %q", rel)
	}
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	if _, ok := f.Fetch(context.Background(), URLSource{URL: srv.URL}, "g", "a.png"); ok {
		t.Fatal("expected failure on 403")
	}
	if names := listUploads(t, f, "g"); len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}

func TestURLSource_SendsHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	src := URLSource{URL: srv.URL, Header: http.Header{"Authorization": {"Bearer xoxb-1"}}}
	if _, ok := f.Fetch(context.Background(), src, "g", "a.png"); !ok {
		t.Fatal("expected ok")
	}
	if got != "Bearer xoxb-1" {
		t.Errorf("expected auth header, got %q", got)
	}
}

func TestSplitName(t *testing.T) {
	cases := []struct{ in, base, ext string }{
		{"photo.jpg", "photo", ".jpg"},
		{"../../etc/passwd", "passwd", ""},
		{"dir\\evil.exe", "evil", ".exe"},
		{"", "file", ""},
		{"a:b.txt", "a_b", ".txt"},
	}
	for _, c := range cases {
		base, ext := splitName(c.in)
		if base != c.base || ext != c.ext {
			t.Errorf("splitName(%q) = %q %q, want %q %q", c.in, base, ext, c.base, c.ext)
		}
	}
}

func fastBackoff(t *testing.T) {
	t.Helper()
	old := downloadBackoff
	downloadBackoff = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(func() { downloadBackoff = old })
}

func TestFetch_RetriesTransientStatus(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, fixedClock(9))
	rel, ok := f.Fetch(context.Background(), URLSource{URL: srv.URL}, "g", "a.png")
	if !ok {
		t.Fatal("expected ok after retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if data, _ := os.ReadFile(f.Path(rel)); string(data) != "finally" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestFetch_GivesUpAfterRetries(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	if _, ok := f.Fetch(context.Background(), URLSource{URL: srv.URL}, "g", "a.png"); ok {
		t.Fatal("expected failure")
	}
	if calls.Load() != maxDownloadRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxDownloadRetries+1, calls.Load())
	}
	if names := listUploads(t, f, "g"); len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}

func TestDownloadErrorHidesToken(t *testing.T) {
	fastBackoff(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	fileURL := base + "/file/bot123456:SECRETTOKEN/voice.ogg"
	_, _, err := URLSource{URL: fileURL}.Open(context.Background())
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if strings.Contains(err.Error(), "SECRETTOKEN") {
		t.Errorf("error leaks token: %v", err)
	}
	if !strings.Contains(err.Error(), base) {
		t.Errorf("error should keep the host: %v", err)
	}
	var ne net.Error
	if !errors.As(err, &ne) {
		t.Errorf("transport error should still unwrap to net.Error: %v", err)
	}

	resolve := ResolvedURLSource{Resolve: func(ctx context.Context) (string, error) {
		return "", &url.Error{Op: "Post", URL: "https://api.telegram.org/bot123456:SECRETTOKEN/getFile", Err: errors.New("connection reset")}
	}}
	if _, _, err := resolve.Open(context.Background()); err == nil || strings.Contains(err.Error(), "SECRETTOKEN") {
		t.Errorf("resolve error leaks token: %v", err)
	}
}
