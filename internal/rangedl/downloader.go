// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package rangedl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/cloudfetch/internal/logctx"
)

var (
	ErrRetriesExhausted  = errors.New("rangedl: retries exhausted")
	ErrRangeNotSupported = errors.New("rangedl: server ignored range request")
	ErrUnknownLength     = errors.New("rangedl: content length unknown")
	ErrNotFound          = errors.New("rangedl: resource not found")
	ErrForbidden         = errors.New("rangedl: access forbidden")
)

// DefaultRetryLimit is the number of range requests made per URL when the
// caller does not choose one.
const DefaultRetryLimit = 5

// Options configures the Downloader.
type Options struct {
	// RetryLimit is the number of range requests issued before giving up.
	// Default: 5
	RetryLimit int

	// RetryDelay is slept after a failed range request.
	// Default: 1s
	RetryDelay time.Duration

	// Timeout bounds the HEAD/size probe. Range bodies are streamed
	// without a client timeout; they are bounded by ctx.
	// Default: 30s
	Timeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// BufferSize is the copy buffer used while appending to the file.
	// Default: 1 MiB
	BufferSize int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		RetryLimit: DefaultRetryLimit,
		RetryDelay: time.Second,
		Timeout:    30 * time.Second,
		UserAgent:  "cloudfetch/1.0",
		BufferSize: 1 << 20,
	}
}

// Downloader fetches URLs into local files with byte-range requests,
// resuming from whatever is already on disk.
type Downloader struct {
	client *http.Client
	opts   Options
}

// New creates a Downloader with its own transport.
func New(opts Options) *Downloader {
	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: true, // raw bytes for range requests
	}
	return NewWithClient(&http.Client{Transport: transport}, opts)
}

// NewWithClient creates a Downloader on an existing HTTP client.
func NewWithClient(client *http.Client, opts Options) *Downloader {
	def := DefaultOptions()
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = def.RetryLimit
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	return &Downloader{client: client, opts: opts}
}

// ContentLength returns the total size of the resource at url. A HEAD is
// tried first. When HEAD is refused or answers without a length, a GET is
// sent instead and its body is discarded.
func (d *Downloader) ContentLength(ctx context.Context, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	size, err := d.probe(ctx, http.MethodHead, url)
	if errors.Is(err, errHeadUnusable) || (err == nil && size <= 0) {
		size, err = d.probe(ctx, http.MethodGet, url)
	}
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLength, url)
	}
	return size, nil
}

var errHeadUnusable = errors.New("HEAD refused")

// headRefused lists the HEAD statuses that say nothing about GET. Presigned
// links are signed for one method, so a GET may still succeed after 401/403.
func headRefused(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

func (d *Downloader) probe(ctx context.Context, method, url string) (int64, error) {
	req, err := d.newRequest(ctx, method, url)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	// For GET the body is closed unread; only the headers matter here.
	_ = resp.Body.Close()

	if method == http.MethodHead && headRefused(resp.StatusCode) {
		return 0, errHeadUnusable
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp.ContentLength, nil
}

// Download fetches url into dest, appending to any partial file already
// there. At most retryLimit range requests are made; a retryLimit of zero or
// less uses the configured default. It returns the final file size.
func (d *Downloader) Download(ctx context.Context, url, dest string, retryLimit int) (int64, error) {
	if retryLimit <= 0 {
		retryLimit = d.opts.RetryLimit
	}

	total, err := d.ContentLength(ctx, url)
	if err != nil {
		return 0, err
	}

	ll := logctx.FromContext(ctx)
	ll.Info("Download started", slog.String("url", url), slog.String("dest", dest), slog.Int64("size", total))

	attrs := metric.WithAttributes(attribute.String("host", hostOf(url)))
	for attempt := 0; ; attempt++ {
		local, err := localSize(dest)
		if err != nil {
			return 0, err
		}
		if local >= total {
			ll.Info("Download success", slog.String("url", url), slog.Int64("size", local), slog.Int("attempts", attempt))
			downloadCount.Add(ctx, 1, attrs)
			return local, nil
		}
		if attempt >= retryLimit {
			ll.Error("Download failed", slog.String("url", url), slog.Int64("have", local), slog.Int64("want", total))
			downloadErrors.Add(ctx, 1, attrs)
			return local, fmt.Errorf("%w: %s after %d attempts (%d of %d bytes)", ErrRetriesExhausted, url, attempt, local, total)
		}

		rangeAttempts.Add(ctx, 1, attrs)
		n, err := d.fetchRange(ctx, url, dest, local, total)
		downloadBytes.Add(ctx, n, attrs)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return local + n, ctx.Err()
		}
		if isPermanent(err) {
			downloadErrors.Add(ctx, 1, attrs)
			return local + n, err
		}
		ll.Warn("Range request failed",
			slog.String("url", url),
			slog.Int64("start", local),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		if err := sleep(ctx, d.opts.RetryDelay); err != nil {
			return local + n, err
		}
	}
}

// fetchRange requests bytes start..total and appends what arrives to dest.
// It returns the number of bytes appended, even on error.
func (d *Downloader) fetchRange(ctx context.Context, url, dest string, start, total int64) (int64, error) {
	req, err := d.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, total))

	logctx.FromContext(ctx).Debug("Range request", slog.String("url", url), slog.Int64("start", start), slog.Int64("end", total))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && start == 0:
	case resp.StatusCode == http.StatusOK:
		return 0, fmt.Errorf("%w: %s", ErrRangeNotSupported, url)
	default:
		if err := checkStatusCode(resp.StatusCode); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("unexpected status %d for range request", resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, &permanentError{fmt.Errorf("open %s: %w", dest, err)}
	}

	buf := make([]byte, d.opts.BufferSize)
	n, copyErr := io.CopyBuffer(f, resp.Body, buf)
	closeErr := f.Close()
	if copyErr != nil {
		return n, fmt.Errorf("stream body: %w", copyErr)
	}
	if closeErr != nil {
		return n, &permanentError{fmt.Errorf("close %s: %w", dest, closeErr)}
	}
	return n, nil
}

func (d *Downloader) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}
	if d.opts.UserAgent != "" {
		req.Header.Set("User-Agent", d.opts.UserAgent)
	}
	return req, nil
}

func localSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Size(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
