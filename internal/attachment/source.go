package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"
)

// FileSource resolves a platform file handle into a byte stream. size is -1
// when unknown.
type FileSource interface {
	Open(ctx context.Context) (body io.ReadCloser, size int64, err error)
}

// SourceFunc adapts a function to FileSource.
type SourceFunc func(ctx context.Context) (io.ReadCloser, int64, error)

// Open implements FileSource.
func (fn SourceFunc) Open(ctx context.Context) (io.ReadCloser, int64, error) { return fn(ctx) }

var defaultHTTPClient = &http.Client{Timeout: 2 * time.Minute}

// URLSource fetches a direct URL, optionally with extra headers
// (Slack's private file URLs need a bearer token).
type URLSource struct {
	URL    string
	Header http.Header
	Client *http.Client
}

// Open implements FileSource.
func (s URLSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	return httpGet(ctx, s.Client, s.URL, s.Header)
}

// ResolvedURLSource covers platforms that need a second call to turn a file
// id into a transient download URL (Telegram getFile).
type ResolvedURLSource struct {
	Resolve func(ctx context.Context) (string, error)
	Client  *http.Client
}

// Open implements FileSource.
func (s ResolvedURLSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	fileURL, err := s.Resolve(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve file url: %w", redactURL(err))
	}
	return httpGet(ctx, s.Client, fileURL, nil)
}

// BytesSource serves media already held in memory (pulled out of a browser page).
type BytesSource []byte

// Open implements FileSource.
func (b BytesSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

const maxDownloadRetries = 2

// downloadBackoff is the wait before retry attempt n (1-based).
var downloadBackoff = func(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// httpGet downloads rawURL, retrying network failures, 5xx and 429 with
// backoff. Other statuses fail at once.
func httpGet(ctx context.Context, client *http.Client, rawURL string, header http.Header) (io.ReadCloser, int64, error) {
	if client == nil {
		client = defaultHTTPClient
	}
	var lastErr error
	for attempt := 0; attempt <= maxDownloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(downloadBackoff(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("create request: %w", redactURL(err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil || !isNetworkError(err) {
				return nil, 0, fmt.Errorf("download: %w", redactURL(err))
			}
			lastErr = fmt.Errorf("download: %w", redactURL(err))
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("download: HTTP %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, 0, fmt.Errorf("download: HTTP %d", resp.StatusCode)
		}
		return resp.Body, resp.ContentLength, nil
	}
	return nil, 0, fmt.Errorf("%w (after %d retries)", lastErr, maxDownloadRetries)
}

// isNetworkError reports a transport failure (refused, reset, timeout) as
// opposed to a malformed request such as a bad URL scheme.
func isNetworkError(err error) bool {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return false
	}
	var ne net.Error
	return errors.As(ue.Err, &ne)
}

// redactURL strips the path and query from a *url.Error. Telegram file URLs
// carry the bot token in their path and these errors end up in logs.
func redactURL(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	host := "(invalid url)"
	if u, perr := url.Parse(ue.URL); perr == nil && u.Host != "" {
		host = u.Scheme + "://" + u.Host
	}
	return &url.Error{Op: ue.Op, URL: host, Err: ue.Err}
}
