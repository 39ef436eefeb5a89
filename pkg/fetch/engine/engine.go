// Package engine decides, per candidate URL, whether a download is needed at
// all. Known identifiers resolve against the dedup index in escalating cost
// order (URL, ETag, size, partial fingerprint); only a full miss reaches the
// network for the payload.
package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/qasimbilalstack/reddit-dl/log"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/download"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/failsafe"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/fingerprint"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/index"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/normalize"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/probe"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/ratelimit"
)

// Outcome classifies how a task ended.
type Outcome string

const (
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// Task is one candidate media URL.
type Task struct {
	URL string
	// Dir overrides the engine's output directory for this task.
	Dir string
	// Name is a suggested base name for the stored file.
	Name string
}

// Result reports how one task ended. Path is empty when nothing was written
// and no prior copy was found.
type Result struct {
	URL     string
	Path    string
	Outcome Outcome
}

// HeaderFunc builds per-request headers for a URL.
type HeaderFunc func(rawurl string) http.Header

// Config tunes the engine.
type Config struct {
	OutDir             string
	Workers            int
	SaveInterval       int
	Probe              bool
	PartialFingerprint bool
	PartialSize        int64
	// Force bypasses every dedup tier: fetch and record only.
	Force bool
}

func applyDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 10
	}
	if cfg.PartialSize <= 0 {
		cfg.PartialSize = fingerprint.DefaultPrefixSize
	}
	return cfg
}

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (a logHandleAdapter) Debugf(format string, args ...interface{}) {
	if a.handle == nil {
		return
	}
	a.handle.Debugf(format, args...)
}

func (a logHandleAdapter) Infof(format string, args ...interface{}) {
	if a.handle == nil {
		return
	}
	a.handle.Infof(format, args...)
}

func (a logHandleAdapter) Warnf(format string, args ...interface{}) {
	if a.handle == nil {
		return
	}
	a.handle.Warnf(format, args...)
}

func (a logHandleAdapter) Errorf(format string, args ...interface{}) {
	if a.handle == nil {
		return
	}
	a.handle.Errorf(format, args...)
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("engine")}
}

// Engine wires the dedup index, rate limiter, prober, fingerprinters and
// fetcher into the per-task decision pipeline.
type Engine struct {
	cfg     Config
	idx     index.Index
	limiter *ratelimit.Limiter
	fetcher *download.Fetcher
	prober  *probe.Prober
	remote  *fingerprint.Remote
	prints  *fingerprint.Cache
	guard   *failsafe.DiskGuard
	headers HeaderFunc
	stats   *Stats
	logger  Logger
}

// Option adjusts an Engine during construction.
type Option func(*Engine)

// WithLogger replaces the default log handle.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithProber replaces the HEAD prober.
func WithProber(p *probe.Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithRemote replaces the remote fingerprinter.
func WithRemote(r *fingerprint.Remote) Option {
	return func(e *Engine) { e.remote = r }
}

// WithDiskGuard installs a free-space check consulted before full fetches.
func WithDiskGuard(g *failsafe.DiskGuard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithHeaders installs the per-request header builder.
func WithHeaders(fn HeaderFunc) Option {
	return func(e *Engine) { e.headers = fn }
}

// New validates the wiring and returns a ready Engine.
func New(cfg Config, idx index.Index, limiter *ratelimit.Limiter, fetcher *download.Fetcher, opts ...Option) (*Engine, error) {
	if idx == nil {
		return nil, errors.New("engine: index must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("engine: limiter must not be nil")
	}
	if fetcher == nil {
		return nil, errors.New("engine: fetcher must not be nil")
	}
	cfg = applyDefaults(cfg)
	if cfg.OutDir == "" {
		return nil, errors.New("engine: output directory must not be empty")
	}

	e := &Engine{
		cfg:     cfg,
		idx:     idx,
		limiter: limiter,
		fetcher: fetcher,
		prints:  fingerprint.NewCache(cfg.PartialSize),
		stats:   &Stats{},
		logger:  defaultLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Probe && e.prober == nil {
		e.prober = &probe.Prober{}
	}
	if e.cfg.PartialFingerprint && e.remote == nil {
		e.remote = &fingerprint.Remote{Size: e.cfg.PartialSize}
	}
	return e, nil
}

// Stats exposes the run counters.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Process runs one task through the decision tiers. Index faults surface as
// misses, so a degraded index only ever costs extra downloads.
func (e *Engine) Process(ctx context.Context, t Task) Result {
	e.stats.addAttempted()

	dir := t.Dir
	if dir == "" {
		dir = e.cfg.OutDir
	}
	host := HostLabel(t.URL)
	norm := normalize.Canonical(t.URL)

	if err := ctx.Err(); err != nil {
		e.stats.addFailed()
		return Result{URL: t.URL, Outcome: OutcomeFailed}
	}

	var (
		probed   probe.Result
		remoteFP string
	)

	if !e.cfg.Force {
		// Tier 1: the normalized URL is already indexed.
		if hash, err := e.idx.HashForURL(ctx, norm); err == nil {
			if res, ok := e.skipWithCopy(ctx, t, norm, hash, dir, host, "url match"); ok {
				return res
			}
		}

		// Tiers 2 and 3: probe for length and ETag.
		if e.cfg.Probe && e.prober != nil {
			if err := e.limiter.Acquire(ctx, 1); err != nil {
				return e.fail(ctx, t, host, err)
			}
			probed = e.prober.Probe(ctx, t.URL, e.headersFor(t.URL))
		}
		if probed.ETag != "" {
			if hash, err := e.idx.HashForETag(ctx, probed.ETag); err == nil {
				_ = e.idx.MapURL(ctx, norm, hash)
				if res, ok := e.skipWithCopy(ctx, t, norm, hash, dir, host, "etag match"); ok {
					return res
				}
			}
		}

		// Tier 4: first indexed live file of equal size. Heuristic, first
		// match wins.
		if probed.Length != nil {
			if hash, path, err := e.idx.FindBySize(ctx, *probed.Length); err == nil {
				_ = e.idx.MapURL(ctx, norm, hash)
				if probed.ETag != "" {
					_ = e.idx.MapETag(ctx, probed.ETag, hash)
				}
				e.logger.Infof("[%s] size match (%d bytes), skipping %s", host, *probed.Length, t.URL)
				e.stats.addSkipped()
				return Result{URL: t.URL, Path: path, Outcome: OutcomeSkipped}
			}
		}

		// Tier 5: partial-content fingerprint.
		if e.cfg.PartialFingerprint && e.remote != nil {
			if err := e.limiter.Acquire(ctx, 1); err != nil {
				return e.fail(ctx, t, host, err)
			}
			fp, err := e.remote.Fetch(ctx, t.URL, e.headersFor(t.URL))
			if err == nil && fp != "" {
				remoteFP = fp
				if hash, ok := e.matchFingerprint(ctx, fp); ok {
					_ = e.idx.MapFingerprint(ctx, fp, hash)
					_ = e.idx.MapURL(ctx, norm, hash)
					e.logger.Infof("[%s] fingerprint match, skipping %s", host, t.URL)
					e.stats.addSkipped()
					return Result{URL: t.URL, Outcome: OutcomeSkipped}
				}
			}
		}
	}

	return e.fetch(ctx, t, norm, dir, host, probed, remoteFP)
}

// skipWithCopy resolves hash to a surviving file and makes sure the task
// directory holds a copy. A hash with no surviving path still skips: the
// content was seen before and deliberately removed.
func (e *Engine) skipWithCopy(ctx context.Context, t Task, norm, hash, dir, host, why string) (Result, bool) {
	path, err := e.idx.LivePath(ctx, hash)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			_ = e.idx.MapURL(ctx, norm, hash)
			e.logger.Infof("[%s] %s, content previously removed, skipping %s", host, why, t.URL)
			e.stats.addSkipped()
			return Result{URL: t.URL, Outcome: OutcomeSkipped}, true
		}
		return Result{}, false
	}

	copied, fresh, err := e.ensureCopy(ctx, hash, path, dir, t.Name)
	if err != nil {
		e.logger.Warnf("[%s] copy %s -> %s failed: %v", host, path, dir, err)
		return Result{}, false
	}
	if fresh {
		e.stats.addRecovered()
	}
	e.logger.Infof("[%s] %s, skipping %s", host, why, t.URL)
	e.stats.addSkipped()
	return Result{URL: t.URL, Path: copied, Outcome: OutcomeSkipped}, true
}

// matchFingerprint resolves fp against the persistent map first, then against
// lazily hashed prefixes of the indexed files.
func (e *Engine) matchFingerprint(ctx context.Context, fp string) (string, bool) {
	if hash, err := e.idx.HashForFingerprint(ctx, fp); err == nil {
		return hash, true
	}

	dump, err := e.idx.Dump(ctx)
	if err != nil {
		return "", false
	}
	for hash, paths := range dump.Paths {
		for _, p := range paths {
			local, err := e.prints.Get(p)
			if err != nil {
				continue
			}
			if local == fp {
				return hash, true
			}
		}
	}
	return "", false
}

func (e *Engine) fetch(ctx context.Context, t Task, norm, dir, host string, probed probe.Result, remoteFP string) Result {
	if e.guard != nil {
		if err := e.guard.Check(); err != nil {
			dest := e.plannedDest(t, dir)
			if scErr := download.WriteSidecar(dest, t.URL, err.Error()); scErr != nil {
				e.logger.Warnf("write sidecar %s: %v", dest, scErr)
			}
			return e.fail(ctx, t, host, err)
		}
	}

	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return e.fail(ctx, t, host, err)
	}
	res, err := e.fetcher.Fetch(ctx, download.Request{
		URL:           t.URL,
		OutDir:        dir,
		SuggestedName: t.Name,
		Header:        e.headersFor(t.URL),
	})
	if err != nil {
		return e.fail(ctx, t, host, err)
	}

	// The same content may already exist under another URL.
	if prior, perr := e.idx.LivePath(ctx, res.MD5); perr == nil && prior != res.Path {
		if rmErr := os.Remove(res.Path); rmErr != nil {
			e.logger.Warnf("remove duplicate %s: %v", res.Path, rmErr)
		}
		_ = e.idx.MapURL(ctx, norm, res.MD5)
		e.logger.Infof("[%s] duplicate content, kept %s, skipping %s", host, prior, t.URL)
		e.stats.addSkipped()
		return Result{URL: t.URL, Path: prior, Outcome: OutcomeSkipped}
	}

	etag := res.ETag
	if etag == "" {
		etag = probed.ETag
	}
	rec := index.Record{Hash: res.MD5, Path: res.Path, URL: norm, ETag: etag, Fingerprint: remoteFP}
	if err := e.idx.Record(ctx, rec); err != nil {
		e.logger.Warnf("record %s: %v", t.URL, err)
	}
	if err := e.idx.ClearFailed(ctx, norm); err != nil {
		e.logger.Debugf("clear failed %s: %v", t.URL, err)
	}

	e.stats.addBytes(res.Bytes)
	n := e.stats.addDownloaded()
	if n%int64(e.cfg.SaveInterval) == 0 {
		if err := e.idx.Checkpoint(ctx); err != nil {
			e.logger.Warnf("index checkpoint: %v", err)
		}
	}
	e.logger.Infof("[%s] downloaded %s (%d bytes)", host, res.Path, res.Bytes)
	return Result{URL: t.URL, Path: res.Path, Outcome: OutcomeDownloaded}
}

func (e *Engine) fail(ctx context.Context, t Task, host string, err error) Result {
	e.stats.addFailed()
	if !isContextError(err) {
		if markErr := e.idx.MarkFailed(ctx, normalize.Canonical(t.URL), err.Error()); markErr != nil {
			e.logger.Debugf("mark failed %s: %v", t.URL, markErr)
		}
	}
	e.logger.Warnf("[%s] failed %s: %v", host, t.URL, err)
	return Result{URL: t.URL, Outcome: OutcomeFailed}
}

// ensureCopy makes sure dir holds a copy of the content at src, named after
// the task. An existing file wins; a fresh copy is recorded in the index.
func (e *Engine) ensureCopy(ctx context.Context, hash, src, dir, name string) (string, bool, error) {
	ext := filepath.Ext(src)
	base := ""
	if name != "" {
		base = download.Sanitize(name)
	}
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(src), ext)
	}
	dest := filepath.Join(dir, base+ext)
	if dest == src {
		return src, false, nil
	}
	if _, err := os.Stat(dest); err == nil {
		return dest, false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	if err := copyFile(src, dest); err != nil {
		return "", false, err
	}
	if err := e.idx.AddPath(ctx, hash, dest); err != nil {
		e.logger.Debugf("add path %s: %v", dest, err)
	}
	return dest, true, nil
}

// plannedDest predicts the destination the fetcher would choose, for sidecar
// placement when a fetch is refused before any request is made.
func (e *Engine) plannedDest(t Task, dir string) string {
	if t.Name != "" {
		name := download.Sanitize(t.Name)
		if ext := download.ExtFromURL(t.URL); ext != "" && !strings.HasSuffix(name, ext) {
			name += ext
		}
		return filepath.Join(dir, name)
	}
	return filepath.Join(dir, download.NameFromURL(t.URL))
}

func (e *Engine) headersFor(rawurl string) http.Header {
	if e.headers == nil {
		return nil
	}
	return e.headers(rawurl)
}

// copyFile stages through a temp file in the destination directory and
// renames into place.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".copy-*")
	if err != nil {
		return err
	}
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, in); err != nil {
		discard()
		return err
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
