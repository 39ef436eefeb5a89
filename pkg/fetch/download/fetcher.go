// Package download fetches single remote files to disk with retries. Writes
// are staged on a same-directory temporary file, hashed while streaming, and
// committed with an atomic rename. Terminal failures leave a .failed sidecar
// next to the intended destination so a later pass can retry them.
package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qasimbilalstack/reddit-dl/log"
)

const (
	copyChunkSize = 8192
	// sidecarBodyLimit bounds the response snippet stored in a sidecar.
	sidecarBodyLimit = 2000
)

// Config controls fetch behaviour.
type Config struct {
	// UserAgent is applied when the request headers carry none.
	UserAgent      string
	MaxAttempts    int
	BaseRetryDelay time.Duration
	// Timeout bounds a single attempt end to end.
	Timeout time.Duration
	// XattrTags stamps provenance attributes on downloaded files.
	XattrTags bool
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	return cfg
}

// Logger captures structured log output for download operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Sleeper abstracts time.Sleep for deterministic tests.
type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Option customises fetcher construction.
type Option func(*Fetcher)

// WithClient overrides the HTTP client.
func WithClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithSleeper overrides the sleep implementation (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(f *Fetcher) {
		f.sleeper = sleeper
	}
}

// Request describes one download.
type Request struct {
	// URL is the source. Entity-escaped ampersands are repaired before use.
	URL string
	// OutDir receives the file when TargetPath is unset.
	OutDir string
	// SuggestedName overrides the URL-derived filename; the URL extension is
	// appended after sanitizing.
	SuggestedName string
	// TargetPath pins the destination exactly. Server-suggested names are
	// ignored when set.
	TargetPath string
	// Header is sent with every request for this download.
	Header http.Header
}

// Result describes a completed download.
type Result struct {
	Path        string
	Bytes       int64
	MD5         string
	ETag        string
	ContentType string
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return fmt.Sprintf("HTTP %d", e.Code) }

// HTMLError reports an HTML payload where media was expected.
type HTMLError struct {
	ContentType string
}

func (e *HTMLError) Error() string {
	return fmt.Sprintf("HTML response detected (content-type: %s)", e.ContentType)
}

// Fetcher downloads single files.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	logger  Logger
	sleeper Sleeper
}

// New constructs a Fetcher with the provided configuration.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:     applyDefaults(cfg),
		client:  http.DefaultClient,
		logger:  defaultLogger(),
		sleeper: realSleeper{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = http.DefaultClient
	}
	if f.logger == nil {
		f.logger = defaultLogger()
	}
	if f.sleeper == nil {
		f.sleeper = realSleeper{}
	}
	return f
}

// Fetch downloads req.URL, doubling the retry delay after each failed
// attempt. When every attempt against a full-size redgifs video fails, the
// -mobile rendition is tried once before giving up. On terminal failure a
// sidecar describing the last error sits next to the intended destination.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.URL == "" {
		return Result{}, errors.New("download: url must not be empty")
	}
	if req.TargetPath == "" && req.OutDir == "" {
		return Result{}, errors.New("download: either target path or out dir is required")
	}

	fetchURL := strings.ReplaceAll(req.URL, "&amp;", "&")

	dest, allowRename, err := f.planDestination(fetchURL, req)
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		res, err := f.attempt(ctx, fetchURL, req, dest, allowRename)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		f.logger.Warnf("attempt %d/%d for %s failed: %v", attempt, f.cfg.MaxAttempts, fetchURL, err)
		if attempt < f.cfg.MaxAttempts {
			f.sleeper.Sleep(f.backoffDelay(attempt))
		}
	}

	if fallback := redgifsFallback(fetchURL); fallback != "" {
		f.logger.Infof("trying redgifs mobile rendition for %s", fetchURL)
		res, err := f.attempt(ctx, fallback, req, dest, allowRename)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}

	// Rich sidecars for status and HTML failures were written by the
	// failing attempt already.
	var statusErr *StatusError
	var htmlErr *HTMLError
	if !errors.As(lastErr, &statusErr) && !errors.As(lastErr, &htmlErr) {
		if err := WriteSidecar(dest, req.URL, lastErr.Error()); err != nil {
			f.logger.Errorf("write sidecar for %s: %v", req.URL, err)
		}
	}
	return Result{}, lastErr
}

func (f *Fetcher) planDestination(fetchURL string, req Request) (string, bool, error) {
	if req.TargetPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.TargetPath), 0o755); err != nil {
			return "", false, fmt.Errorf("download: create target dir: %w", err)
		}
		return req.TargetPath, false, nil
	}
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return "", false, fmt.Errorf("download: create out dir: %w", err)
	}
	if req.SuggestedName != "" {
		return filepath.Join(req.OutDir, Sanitize(req.SuggestedName)+ExtFromURL(fetchURL)), true, nil
	}
	return filepath.Join(req.OutDir, NameFromURL(fetchURL)), true, nil
}

func (f *Fetcher) attempt(ctx context.Context, fetchURL string, req Request, dest string, allowRename bool) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("download: build request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	if httpReq.Header.Get("User-Agent") == "" && f.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("download: get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := bodySnippet(resp.Body)
		serr := &StatusError{Code: resp.StatusCode, Status: resp.Status}
		if err := WriteSidecar(dest, req.URL, fmt.Sprintf("HTTP %d", serr.Code), serr.Status, snippet); err != nil {
			f.logger.Errorf("write sidecar for %s: %v", req.URL, err)
		}
		return Result{}, serr
	}

	contentType := resp.Header.Get("Content-Type")
	if isHTMLContentType(contentType) {
		snippet := bodySnippet(resp.Body)
		herr := &HTMLError{ContentType: contentType}
		if err := WriteSidecar(dest, req.URL, fmt.Sprintf("HTTP %d", resp.StatusCode), herr.Error(), snippet); err != nil {
			f.logger.Errorf("write sidecar for %s: %v", req.URL, err)
		}
		return Result{}, herr
	}

	final := dest
	if allowRename {
		if name := NameFromContentDisposition(resp.Header.Get("Content-Disposition")); name != "" {
			final = filepath.Join(filepath.Dir(dest), name)
		}
	}
	final = EnsureUnique(final)

	written, sum, err := stageBody(resp.Body, final)
	if err != nil {
		return Result{}, err
	}

	etag := resp.Header.Get("ETag")
	if f.cfg.XattrTags {
		tagOrigin(final, req.URL, etag)
	}
	if err := RemoveSidecar(dest); err != nil {
		f.logger.Warnf("remove sidecar for %s: %v", dest, err)
	}

	f.logger.Infof("downloaded %s -> %s (%d bytes)", fetchURL, final, written)
	return Result{Path: final, Bytes: written, MD5: sum, ETag: etag, ContentType: contentType}, nil
}

func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	pow := math.Pow(2, float64(attempt-1))
	return time.Duration(float64(f.cfg.BaseRetryDelay) * pow)
}

// stageBody streams the payload into a same-directory temp file, hashing as
// it copies, and commits with an atomic rename.
func stageBody(body io.Reader, dest string) (int64, string, error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, "", fmt.Errorf("download: create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hash := md5.New()
	written, err := io.CopyBuffer(io.MultiWriter(tmp, hash), body, make([]byte, copyChunkSize))
	if err != nil {
		discard()
		return 0, "", fmt.Errorf("download: stream payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return 0, "", fmt.Errorf("download: sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("download: close staging file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("download: commit file: %w", err)
	}
	return written, hex.EncodeToString(hash.Sum(nil)), nil
}

func bodySnippet(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, sidecarBodyLimit))
	if err != nil {
		return ""
	}
	return string(data)
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// redgifsFallback returns the -mobile rendition URL for a full-size redgifs
// video, or "" when no such rendition applies.
func redgifsFallback(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host != "media.redgifs.com" && !strings.HasSuffix(host, ".media.redgifs.com") {
		return ""
	}
	if !strings.HasSuffix(u.Path, ".mp4") {
		return ""
	}
	base := strings.TrimSuffix(u.Path, ".mp4")
	if strings.HasSuffix(base, "-mobile") {
		return ""
	}
	return fmt.Sprintf("%s://%s%s-mobile.mp4", u.Scheme, u.Host, base)
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("download")}
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Infof(format string, args ...any) {
	if l.handle != nil {
		l.handle.Info().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Errorf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Error().Msgf(format, args...)
	}
}
