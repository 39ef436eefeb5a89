// Package index defines the durable identifier store behind download
// deduplication. The content hash (hex MD5 of the whole file) is the primary
// key; normalized URLs, ETags and partial-content fingerprints all resolve to
// a hash, and a hash maps to the local paths holding that content.
package index

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested mapping is not present in the index.
var ErrNotFound = errors.New("dedup index: entry not found")

// Record bundles the identifiers learned from one completed download. Hash
// and Path are required; the remaining identifiers are mapped only when set.
type Record struct {
	Hash        string
	Path        string
	URL         string
	ETag        string
	Fingerprint string
}

// FailureRecord tracks a URL whose download terminally failed.
type FailureRecord struct {
	URL      string
	FailedAt time.Time
	Reason   string
	Attempts int
}

// Dump is a complete snapshot of the identifier maps, used by exports and
// summary reports.
type Dump struct {
	URLs         map[string]string
	ETags        map[string]string
	Fingerprints map[string]string
	Paths        map[string][]string
}

// Index expresses the persistence requirements for the dedup store. All
// methods are safe for concurrent use and every mutation is durable before
// the call returns.
type Index interface {
	// HashForURL resolves a normalized URL to a content hash.
	HashForURL(ctx context.Context, normURL string) (string, error)
	// HashForETag resolves a response ETag to a content hash.
	HashForETag(ctx context.Context, etag string) (string, error)
	// HashForFingerprint resolves a partial-content fingerprint to a content hash.
	HashForFingerprint(ctx context.Context, fp string) (string, error)

	// PathsFor returns the live paths recorded for hash. Paths whose file no
	// longer exists are pruned from the store as a side effect.
	PathsFor(ctx context.Context, hash string) ([]string, error)
	// LivePath returns the first surviving path for hash, pruning like
	// PathsFor, or ErrNotFound when none survive.
	LivePath(ctx context.Context, hash string) (string, error)

	// Record applies every identifier mapping carried by rec in one
	// transaction: either all mappings land or none do.
	Record(ctx context.Context, rec Record) error
	// MapURL stores normURL -> hash.
	MapURL(ctx context.Context, normURL, hash string) error
	// MapETag stores etag -> hash.
	MapETag(ctx context.Context, etag, hash string) error
	// MapFingerprint stores fp -> hash.
	MapFingerprint(ctx context.Context, fp, hash string) error
	// AddPath records an additional path holding the content of hash.
	AddPath(ctx context.Context, hash, path string) error

	// FindBySize returns the first (hash, path) whose file currently has the
	// given size on disk. Heuristic: coincidental sizes produce false
	// positives, first match wins.
	FindBySize(ctx context.Context, size int64) (string, string, error)

	// MarkFailed upserts a failure record for url, incrementing its attempt
	// count on repeats.
	MarkFailed(ctx context.Context, url, reason string) error
	// IsFailed reports whether url has a failure record.
	IsFailed(ctx context.Context, url string) (bool, error)
	// ClearFailed removes the failure record for url. Missing records are ignored.
	ClearFailed(ctx context.Context, url string) error
	// FailedCount returns the number of tracked failed URLs.
	FailedCount(ctx context.Context) (int, error)

	// Dump snapshots all identifier maps.
	Dump(ctx context.Context) (Dump, error)
	// Checkpoint flushes pending state to stable storage.
	Checkpoint(ctx context.Context) error
	// Close checkpoints and releases the store.
	Close() error
}
