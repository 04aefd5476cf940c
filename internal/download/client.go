package download

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// Options contains configuration for a single download.
type Options struct {
	URL            string
	DestPath       string
	ExpectedSHA256 string // hex digest, empty to skip verification
	ExpectedSHA512 string // hex digest, empty to skip verification
	ExpectedSize   int64  // 0 to skip size check
	RetryCount     int    // 0 defaults to 3
	OnProgress     ProgressFunc
}

// Result contains the result of a successful download.
type Result struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Final file size in bytes
	SHA256   string        // SHA256 digest in hex
	Resumed  bool          // Whether the download was resumed
	Attempts int           // Number of attempts made
	Duration time.Duration // Total download duration
}

// DigestError reports a digest mismatch between the downloaded bytes and the
// expected value. It is never retried automatically: a mismatch may indicate
// a compromised or stale mirror, so the decision to re-fetch belongs to the user.
type DigestError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: got %s, expected %s", filepath.Base(e.Path), e.Actual, e.Expected)
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// Client performs HTTP downloads with retry logic, resumption, and verification.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	backoffFunc func(attempt int) time.Duration
}

// NewClient creates a new download client with the given logger.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout — a multi-gigabyte archive body can take as
			// long as it needs. Context cancellation still works for
			// user-initiated cancel.
		},
		logger:      logger,
		userAgent:   "packctl/1.0",
		backoffFunc: calculateBackoffDelay,
	}
}

// Download downloads a file from the given URL to the destination path.
// It supports resumable downloads, retries with exponential backoff, and
// SHA256 verification.
func (c *Client) Download(ctx context.Context, opts Options) (*Result, error) {
	if opts.RetryCount == 0 {
		opts.RetryCount = 3
	}

	startTime := time.Now()
	var lastErr error
	var resumed bool

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
		default:
		}

		// Check if we have a partial file we can resume from
		fileSize := int64(0)
		if fi, err := os.Stat(opts.DestPath); err == nil {
			existingSize := fi.Size()
			// Only resume if the file is smaller than expected.
			// If it's >= expected size (or expected size is unknown),
			// the file is corrupt/stale — delete and start fresh.
			if opts.ExpectedSize > 0 && existingSize < opts.ExpectedSize {
				fileSize = existingSize
				resumed = true
			} else if existingSize > 0 {
				_ = os.Remove(opts.DestPath)
			}
		}

		// Ensure parent directories exist
		if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				lastErr = fmt.Errorf("failed to create directory %s: %w", dir, err)
				c.logger.Error("failed to create directory", "path", dir, "error", err)
				continue
			}
		}

		flags := os.O_CREATE | os.O_WRONLY
		if fileSize > 0 {
			flags |= os.O_APPEND
		}

		file, err := os.OpenFile(opts.DestPath, flags, 0644)
		if err != nil {
			lastErr = fmt.Errorf("failed to open file: %w", err)
			c.logger.Error("failed to open file", "path", opts.DestPath, "attempt", attempt, "error", err)
			continue
		}

		result, err := c.downloadAttempt(ctx, file, opts, fileSize, attempt)
		file.Close()

		if err == nil {
			result.Resumed = resumed && attempt == 1
			result.Attempts = attempt
			result.Duration = time.Since(startTime)
			return result, nil
		}

		lastErr = err
		c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		// Don't retry on context cancellation — keep partial file for resume
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		if shouldNotRetry(err) {
			return nil, err
		}

		// Wait before retrying with exponential backoff + jitter
		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying download", "url", opts.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}

	// Keep partial file for resume on the next attempt
	return nil, fmt.Errorf("download failed after %d attempts: %w", opts.RetryCount, lastErr)
}

// downloadAttempt performs a single download attempt.
func (c *Client) downloadAttempt(ctx context.Context, file *os.File, opts Options, fileSize int64, attempt int) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	// Set Range header if we're resuming
	if fileSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fileSize))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	// For 206 Partial Content we're resuming; for 200 OK the server ignored
	// the Range header and we restart from scratch.
	if resp.StatusCode == http.StatusOK && fileSize > 0 {
		_ = file.Truncate(0)
		_, _ = file.Seek(0, io.SeekStart)
		fileSize = 0
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && fileSize > 0 {
		totalSize += fileSize
	}
	if totalSize < 0 {
		totalSize = opts.ExpectedSize
	}

	reader := resp.Body
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   resp.Body,
			callback: opts.OnProgress,
			current:  fileSize,
			total:    totalSize,
		}
	}

	downloadedBytes, err := io.Copy(file, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to write to file: %w", err)
	}

	finalSize := fileSize + downloadedBytes

	// Hash the entire file, not just the new bytes. A resumed download only
	// fetched a tail portion in this attempt.
	sha256Hex, err := HashFile(opts.DestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}

	// Verify integrity: digests are authoritative when available.
	// Size-only check is a fallback when no digest is provided.
	if opts.ExpectedSHA256 != "" && !strings.EqualFold(sha256Hex, opts.ExpectedSHA256) {
		_ = os.Remove(opts.DestPath)
		return nil, &DigestError{Path: opts.DestPath, Expected: opts.ExpectedSHA256, Actual: sha256Hex}
	}
	if opts.ExpectedSHA512 != "" {
		sha512Hex, err := HashFileSHA512(opts.DestPath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash file: %w", err)
		}
		if !strings.EqualFold(sha512Hex, opts.ExpectedSHA512) {
			_ = os.Remove(opts.DestPath)
			return nil, &DigestError{Path: opts.DestPath, Expected: opts.ExpectedSHA512, Actual: sha512Hex}
		}
	}
	if opts.ExpectedSHA256 != "" || opts.ExpectedSHA512 != "" {
		if opts.ExpectedSize > 0 && finalSize != opts.ExpectedSize {
			c.logger.Warn("size differs from metadata but digest matches, accepting file",
				"path", opts.DestPath, "got_size", finalSize, "expected_size", opts.ExpectedSize)
		}
	} else if opts.ExpectedSize > 0 && finalSize != opts.ExpectedSize {
		_ = os.Remove(opts.DestPath)
		return nil, fmt.Errorf("size mismatch: got %d bytes, expected %d", finalSize, opts.ExpectedSize)
	}

	return &Result{
		Path:     opts.DestPath,
		Size:     finalSize,
		SHA256:   sha256Hex,
		Attempts: attempt,
	}, nil
}

// HashFile computes the SHA256 hex digest of an entire file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFileSHA512 computes the SHA512 hex digest of an entire file. Archive
// indexes that reference files by direct URL carry sha512 digests.
func HashFileSHA512(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var digestErr *DigestError
	if errors.As(err, &digestErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.callback != nil {
			pr.callback(pr.current, pr.total)
		}
	}
	return n, err
}

func (pr *progressReader) Close() error {
	if c, ok := pr.reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
