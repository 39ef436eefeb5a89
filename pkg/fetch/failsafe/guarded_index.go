package failsafe

import (
	"context"
	"errors"
	"sync"

	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/index"
)

// IndexOption customises GuardedIndex construction.
type IndexOption func(*GuardedIndex)

// WithIndexLogger overrides the default logger.
func WithIndexLogger(logger Logger) IndexOption {
	return func(g *GuardedIndex) {
		g.logger = logger
	}
}

// GuardedIndex decorates an index.Index so backend faults degrade to cache
// misses and silent writes instead of failing download tasks. The first
// fault of an episode logs at error level; every successful call afterwards
// clears the degraded state again.
type GuardedIndex struct {
	inner  index.Index
	logger Logger

	mu       sync.Mutex
	degraded bool
}

// NewGuardedIndex wraps inner.
func NewGuardedIndex(inner index.Index, opts ...IndexOption) (*GuardedIndex, error) {
	if inner == nil {
		return nil, errors.New("failsafe: inner index is required")
	}
	g := &GuardedIndex{inner: inner, logger: defaultLogger()}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = defaultLogger()
	}
	return g, nil
}

// Degraded reports whether the last backend interaction faulted.
func (g *GuardedIndex) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

func (g *GuardedIndex) fault(op string, err error) {
	g.mu.Lock()
	first := !g.degraded
	g.degraded = true
	g.mu.Unlock()

	if first {
		g.logger.Errorf("dedup index degraded (%s): %v", op, err)
	} else {
		g.logger.Debugf("dedup index still degraded (%s): %v", op, err)
	}
}

func (g *GuardedIndex) healthy() {
	g.mu.Lock()
	recovered := g.degraded
	g.degraded = false
	g.mu.Unlock()

	if recovered {
		g.logger.Infof("dedup index recovered")
	}
}

// degradeLookup maps a backend fault to a cache miss.
func (g *GuardedIndex) degradeLookup(op, value string, err error) (string, error) {
	switch {
	case err == nil:
		g.healthy()
		return value, nil
	case errors.Is(err, index.ErrNotFound):
		g.healthy()
		return "", err
	case isContextError(err):
		return "", err
	default:
		g.fault(op, err)
		return "", index.ErrNotFound
	}
}

// degradeWrite maps a backend fault to a silent no-op.
func (g *GuardedIndex) degradeWrite(op string, err error) error {
	switch {
	case err == nil:
		g.healthy()
		return nil
	case isContextError(err):
		return err
	default:
		g.fault(op, err)
		return nil
	}
}

func (g *GuardedIndex) HashForURL(ctx context.Context, normURL string) (string, error) {
	hash, err := g.inner.HashForURL(ctx, normURL)
	return g.degradeLookup("url lookup", hash, err)
}

func (g *GuardedIndex) HashForETag(ctx context.Context, etag string) (string, error) {
	hash, err := g.inner.HashForETag(ctx, etag)
	return g.degradeLookup("etag lookup", hash, err)
}

func (g *GuardedIndex) HashForFingerprint(ctx context.Context, fp string) (string, error) {
	hash, err := g.inner.HashForFingerprint(ctx, fp)
	return g.degradeLookup("fingerprint lookup", hash, err)
}

func (g *GuardedIndex) PathsFor(ctx context.Context, hash string) ([]string, error) {
	paths, err := g.inner.PathsFor(ctx, hash)
	switch {
	case err == nil:
		g.healthy()
		return paths, nil
	case isContextError(err):
		return nil, err
	default:
		g.fault("paths lookup", err)
		return nil, nil
	}
}

func (g *GuardedIndex) LivePath(ctx context.Context, hash string) (string, error) {
	path, err := g.inner.LivePath(ctx, hash)
	return g.degradeLookup("live path lookup", path, err)
}

func (g *GuardedIndex) Record(ctx context.Context, rec index.Record) error {
	return g.degradeWrite("record", g.inner.Record(ctx, rec))
}

func (g *GuardedIndex) MapURL(ctx context.Context, normURL, hash string) error {
	return g.degradeWrite("map url", g.inner.MapURL(ctx, normURL, hash))
}

func (g *GuardedIndex) MapETag(ctx context.Context, etag, hash string) error {
	return g.degradeWrite("map etag", g.inner.MapETag(ctx, etag, hash))
}

func (g *GuardedIndex) MapFingerprint(ctx context.Context, fp, hash string) error {
	return g.degradeWrite("map fingerprint", g.inner.MapFingerprint(ctx, fp, hash))
}

func (g *GuardedIndex) AddPath(ctx context.Context, hash, path string) error {
	return g.degradeWrite("add path", g.inner.AddPath(ctx, hash, path))
}

func (g *GuardedIndex) FindBySize(ctx context.Context, size int64) (string, string, error) {
	hash, path, err := g.inner.FindBySize(ctx, size)
	switch {
	case err == nil:
		g.healthy()
		return hash, path, nil
	case errors.Is(err, index.ErrNotFound):
		g.healthy()
		return "", "", err
	case isContextError(err):
		return "", "", err
	default:
		g.fault("size lookup", err)
		return "", "", index.ErrNotFound
	}
}

func (g *GuardedIndex) MarkFailed(ctx context.Context, url, reason string) error {
	return g.degradeWrite("mark failed", g.inner.MarkFailed(ctx, url, reason))
}

func (g *GuardedIndex) IsFailed(ctx context.Context, url string) (bool, error) {
	failed, err := g.inner.IsFailed(ctx, url)
	switch {
	case err == nil:
		g.healthy()
		return failed, nil
	case isContextError(err):
		return false, err
	default:
		g.fault("failed lookup", err)
		return false, nil
	}
}

func (g *GuardedIndex) ClearFailed(ctx context.Context, url string) error {
	return g.degradeWrite("clear failed", g.inner.ClearFailed(ctx, url))
}

func (g *GuardedIndex) FailedCount(ctx context.Context) (int, error) {
	count, err := g.inner.FailedCount(ctx)
	switch {
	case err == nil:
		g.healthy()
		return count, nil
	case isContextError(err):
		return 0, err
	default:
		g.fault("failed count", err)
		return 0, nil
	}
}

// Dump propagates backend errors: exports must not silently ship partial
// tables.
func (g *GuardedIndex) Dump(ctx context.Context) (index.Dump, error) {
	dump, err := g.inner.Dump(ctx)
	if err == nil {
		g.healthy()
	}
	return dump, err
}

func (g *GuardedIndex) Checkpoint(ctx context.Context) error {
	return g.degradeWrite("checkpoint", g.inner.Checkpoint(ctx))
}

func (g *GuardedIndex) Close() error {
	return g.inner.Close()
}
