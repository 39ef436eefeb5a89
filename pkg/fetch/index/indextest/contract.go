// Package indextest holds the behavioral contract every index.Index
// implementation must satisfy, plus an in-memory reference implementation
// that is run through the same suite.
package indextest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/index"
)

type IndexFactory func(tb testing.TB) index.Index

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, idx index.Index)
}

// RunDedupIndexContract exercises the Index interface against a supplied factory.
func RunDedupIndexContract(t *testing.T, factory IndexFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "missing lookups return ErrNotFound",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				if _, err := idx.HashForURL(ctx, "https://example.com/x"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("HashForURL miss: expected ErrNotFound, got %v", err)
				}
				if _, err := idx.HashForETag(ctx, "etag-x"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("HashForETag miss: expected ErrNotFound, got %v", err)
				}
				if _, err := idx.HashForFingerprint(ctx, "fp-x"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("HashForFingerprint miss: expected ErrNotFound, got %v", err)
				}
				if _, err := idx.LivePath(ctx, "0123456789abcdef"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("LivePath miss: expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "record resolves by every identifier",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				path := writeTempFile(t, "a.jpg", "payload-a")
				rec := index.Record{
					Hash:        "hash-a",
					Path:        path,
					URL:         "https://example.com/a.jpg",
					ETag:        "etag-a",
					Fingerprint: "fp-a",
				}
				if err := idx.Record(ctx, rec); err != nil {
					t.Fatalf("Record returned error: %v", err)
				}

				for name, lookup := range map[string]func() (string, error){
					"url":         func() (string, error) { return idx.HashForURL(ctx, rec.URL) },
					"etag":        func() (string, error) { return idx.HashForETag(ctx, rec.ETag) },
					"fingerprint": func() (string, error) { return idx.HashForFingerprint(ctx, rec.Fingerprint) },
				} {
					hash, err := lookup()
					if err != nil {
						t.Fatalf("lookup by %s failed: %v", name, err)
					}
					if hash != rec.Hash {
						t.Fatalf("lookup by %s = %q, want %q", name, hash, rec.Hash)
					}
				}

				live, err := idx.LivePath(ctx, rec.Hash)
				if err != nil {
					t.Fatalf("LivePath returned error: %v", err)
				}
				if live != path {
					t.Fatalf("LivePath = %q, want %q", live, path)
				}
			},
		},
		{
			name: "record without optional identifiers maps nothing extra",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				path := writeTempFile(t, "b.bin", "payload-b")
				if err := idx.Record(ctx, index.Record{Hash: "hash-b", Path: path}); err != nil {
					t.Fatalf("Record returned error: %v", err)
				}
				if _, err := idx.HashForETag(ctx, "etag-b"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound for unmapped etag, got %v", err)
				}
				paths, err := idx.PathsFor(ctx, "hash-b")
				if err != nil {
					t.Fatalf("PathsFor returned error: %v", err)
				}
				if len(paths) != 1 || paths[0] != path {
					t.Fatalf("PathsFor = %v, want [%s]", paths, path)
				}
			},
		},
		{
			name: "paths prune after external delete",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				first := writeTempFile(t, "c1.jpg", "payload-c")
				second := writeTempFile(t, "c2.jpg", "payload-c")
				if err := idx.Record(ctx, index.Record{Hash: "hash-c", Path: first}); err != nil {
					t.Fatalf("Record returned error: %v", err)
				}
				if err := idx.AddPath(ctx, "hash-c", second); err != nil {
					t.Fatalf("AddPath returned error: %v", err)
				}

				if err := os.Remove(first); err != nil {
					t.Fatalf("remove first copy: %v", err)
				}

				paths, err := idx.PathsFor(ctx, "hash-c")
				if err != nil {
					t.Fatalf("PathsFor returned error: %v", err)
				}
				if len(paths) != 1 || paths[0] != second {
					t.Fatalf("PathsFor after delete = %v, want [%s]", paths, second)
				}

				live, err := idx.LivePath(ctx, "hash-c")
				if err != nil {
					t.Fatalf("LivePath returned error: %v", err)
				}
				if live != second {
					t.Fatalf("LivePath = %q, want %q", live, second)
				}

				if err := os.Remove(second); err != nil {
					t.Fatalf("remove second copy: %v", err)
				}
				paths, err = idx.PathsFor(ctx, "hash-c")
				if err != nil {
					t.Fatalf("PathsFor returned error: %v", err)
				}
				if len(paths) != 0 {
					t.Fatalf("PathsFor after removing all copies = %v, want empty", paths)
				}
				if _, err := idx.LivePath(ctx, "hash-c"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound once no copy survives, got %v", err)
				}
			},
		},
		{
			name: "first surviving path wins",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				first := writeTempFile(t, "d1.jpg", "payload-d")
				second := writeTempFile(t, "d2.jpg", "payload-d")
				if err := idx.Record(ctx, index.Record{Hash: "hash-d", Path: first}); err != nil {
					t.Fatalf("Record returned error: %v", err)
				}
				if err := idx.AddPath(ctx, "hash-d", second); err != nil {
					t.Fatalf("AddPath returned error: %v", err)
				}

				live, err := idx.LivePath(ctx, "hash-d")
				if err != nil {
					t.Fatalf("LivePath returned error: %v", err)
				}
				if live != first {
					t.Fatalf("LivePath = %q, want the first recorded path %q", live, first)
				}

				if err := os.Remove(first); err != nil {
					t.Fatalf("remove first copy: %v", err)
				}
				live, err = idx.LivePath(ctx, "hash-d")
				if err != nil {
					t.Fatalf("LivePath returned error: %v", err)
				}
				if live != second {
					t.Fatalf("LivePath after delete = %q, want %q", live, second)
				}
			},
		},
		{
			name: "add path deduplicates",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				path := writeTempFile(t, "e.jpg", "payload-e")
				if err := idx.Record(ctx, index.Record{Hash: "hash-e", Path: path}); err != nil {
					t.Fatalf("Record returned error: %v", err)
				}
				if err := idx.AddPath(ctx, "hash-e", path); err != nil {
					t.Fatalf("AddPath returned error: %v", err)
				}
				paths, err := idx.PathsFor(ctx, "hash-e")
				if err != nil {
					t.Fatalf("PathsFor returned error: %v", err)
				}
				if len(paths) != 1 {
					t.Fatalf("expected one deduplicated path, got %v", paths)
				}
			},
		},
		{
			name: "single identifier mappings",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				if err := idx.MapURL(ctx, "https://example.com/m", "hash-m"); err != nil {
					t.Fatalf("MapURL returned error: %v", err)
				}
				if err := idx.MapETag(ctx, "etag-m", "hash-m"); err != nil {
					t.Fatalf("MapETag returned error: %v", err)
				}
				if err := idx.MapFingerprint(ctx, "fp-m", "hash-m"); err != nil {
					t.Fatalf("MapFingerprint returned error: %v", err)
				}
				hash, err := idx.HashForETag(ctx, "etag-m")
				if err != nil || hash != "hash-m" {
					t.Fatalf("HashForETag = %q, %v; want hash-m", hash, err)
				}
			},
		},
		{
			name: "find by size heuristic",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				payload := "0123456789abcdef"
				path := writeTempFile(t, "f.bin", payload)
				if err := idx.Record(ctx, index.Record{Hash: "hash-f", Path: path}); err != nil {
					t.Fatalf("Record returned error: %v", err)
				}

				hash, found, err := idx.FindBySize(ctx, int64(len(payload)))
				if err != nil {
					t.Fatalf("FindBySize returned error: %v", err)
				}
				if hash != "hash-f" || found != path {
					t.Fatalf("FindBySize = (%q, %q), want (hash-f, %s)", hash, found, path)
				}

				if _, _, err := idx.FindBySize(ctx, int64(len(payload))+7); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound for unknown size, got %v", err)
				}

				if err := os.Remove(path); err != nil {
					t.Fatalf("remove file: %v", err)
				}
				if _, _, err := idx.FindBySize(ctx, int64(len(payload))); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after file removal, got %v", err)
				}
			},
		},
		{
			name: "failed url lifecycle",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				failed, err := idx.IsFailed(ctx, "https://example.com/f1")
				if err != nil {
					t.Fatalf("IsFailed returned error: %v", err)
				}
				if failed {
					t.Fatal("fresh index should report no failures")
				}

				if err := idx.MarkFailed(ctx, "https://example.com/f1", "HTTP 503"); err != nil {
					t.Fatalf("MarkFailed returned error: %v", err)
				}
				if err := idx.MarkFailed(ctx, "https://example.com/f2", "timeout"); err != nil {
					t.Fatalf("MarkFailed returned error: %v", err)
				}
				if err := idx.MarkFailed(ctx, "https://example.com/f1", "HTTP 503"); err != nil {
					t.Fatalf("repeat MarkFailed returned error: %v", err)
				}

				failed, err = idx.IsFailed(ctx, "https://example.com/f1")
				if err != nil || !failed {
					t.Fatalf("IsFailed = %v, %v; want true", failed, err)
				}
				count, err := idx.FailedCount(ctx)
				if err != nil {
					t.Fatalf("FailedCount returned error: %v", err)
				}
				if count != 2 {
					t.Fatalf("FailedCount = %d, want 2 (repeat marks collapse)", count)
				}

				if err := idx.ClearFailed(ctx, "https://example.com/f1"); err != nil {
					t.Fatalf("ClearFailed returned error: %v", err)
				}
				if err := idx.ClearFailed(ctx, "https://example.com/f1"); err != nil {
					t.Fatalf("ClearFailed should be idempotent, got %v", err)
				}
				failed, err = idx.IsFailed(ctx, "https://example.com/f1")
				if err != nil || failed {
					t.Fatalf("IsFailed after clear = %v, %v; want false", failed, err)
				}
				count, err = idx.FailedCount(ctx)
				if err != nil || count != 1 {
					t.Fatalf("FailedCount after clear = %d, %v; want 1", count, err)
				}
			},
		},
		{
			name: "dump snapshots all maps",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				ctx := context.Background()
				path := writeTempFile(t, "g.jpg", "payload-g")
				rec := index.Record{
					Hash:        "hash-g",
					Path:        path,
					URL:         "https://example.com/g.jpg",
					ETag:        "etag-g",
					Fingerprint: "fp-g",
				}
				if err := idx.Record(ctx, rec); err != nil {
					t.Fatalf("Record returned error: %v", err)
				}

				dump, err := idx.Dump(ctx)
				if err != nil {
					t.Fatalf("Dump returned error: %v", err)
				}
				if dump.URLs[rec.URL] != rec.Hash {
					t.Fatalf("dump URL map missing %s", rec.URL)
				}
				if dump.ETags[rec.ETag] != rec.Hash {
					t.Fatalf("dump ETag map missing %s", rec.ETag)
				}
				if dump.Fingerprints[rec.Fingerprint] != rec.Hash {
					t.Fatalf("dump fingerprint map missing %s", rec.Fingerprint)
				}
				if paths := dump.Paths[rec.Hash]; len(paths) != 1 || paths[0] != path {
					t.Fatalf("dump paths = %v, want [%s]", paths, path)
				}
			},
		},
		{
			name: "checkpoint succeeds",
			testFn: func(t *testing.T, idx index.Index) {
				t.Helper()

				if err := idx.Checkpoint(context.Background()); err != nil {
					t.Fatalf("Checkpoint returned error: %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			idx := factory(t)
			defer func() {
				_ = idx.Close()
			}()
			tc.testFn(t, idx)
		})
	}
}

// MemoryIndexFactory returns a factory producing the in-memory reference implementation.
func MemoryIndexFactory() IndexFactory {
	return func(tb testing.TB) index.Index {
		tb.Helper()

		idx := newMemoryIndex()
		tb.Cleanup(func() {
			_ = idx.Close()
		})
		return idx
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

type memoryIndex struct {
	mu           sync.Mutex
	urls         map[string]string
	etags        map[string]string
	fingerprints map[string]string
	paths        map[string][]string
	pathOrder    []string
	failures     map[string]index.FailureRecord
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{
		urls:         make(map[string]string),
		etags:        make(map[string]string),
		fingerprints: make(map[string]string),
		paths:        make(map[string][]string),
		failures:     make(map[string]index.FailureRecord),
	}
}

func (m *memoryIndex) Close() error {
	return nil
}

func (m *memoryIndex) Checkpoint(ctx context.Context) error {
	return ctx.Err()
}

func (m *memoryIndex) HashForURL(ctx context.Context, normURL string) (string, error) {
	return m.lookup(ctx, m.urls, normURL)
}

func (m *memoryIndex) HashForETag(ctx context.Context, etag string) (string, error) {
	return m.lookup(ctx, m.etags, etag)
}

func (m *memoryIndex) HashForFingerprint(ctx context.Context, fp string) (string, error) {
	return m.lookup(ctx, m.fingerprints, fp)
}

func (m *memoryIndex) lookup(ctx context.Context, table map[string]string, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := table[key]
	if !ok {
		return "", index.ErrNotFound
	}
	return hash, nil
}

func (m *memoryIndex) PathsFor(ctx context.Context, hash string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(hash), nil
}

func (m *memoryIndex) LivePath(ctx context.Context, hash string) (string, error) {
	paths, err := m.PathsFor(ctx, hash)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", index.ErrNotFound
	}
	return paths[0], nil
}

func (m *memoryIndex) pruneLocked(hash string) []string {
	var live []string
	for _, p := range m.paths[hash] {
		if _, err := os.Stat(p); err == nil {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		delete(m.paths, hash)
	} else {
		m.paths[hash] = append([]string(nil), live...)
	}
	return live
}

func (m *memoryIndex) Record(ctx context.Context, rec index.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Hash == "" || rec.Path == "" {
		return errors.New("record hash and path must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.URL != "" {
		m.urls[rec.URL] = rec.Hash
	}
	if rec.ETag != "" {
		m.etags[rec.ETag] = rec.Hash
	}
	if rec.Fingerprint != "" {
		m.fingerprints[rec.Fingerprint] = rec.Hash
	}
	m.addPathLocked(rec.Hash, rec.Path)
	return nil
}

func (m *memoryIndex) MapURL(ctx context.Context, normURL, hash string) error {
	return m.mapIdentifier(ctx, m.urls, normURL, hash)
}

func (m *memoryIndex) MapETag(ctx context.Context, etag, hash string) error {
	return m.mapIdentifier(ctx, m.etags, etag, hash)
}

func (m *memoryIndex) MapFingerprint(ctx context.Context, fp, hash string) error {
	return m.mapIdentifier(ctx, m.fingerprints, fp, hash)
}

func (m *memoryIndex) mapIdentifier(ctx context.Context, table map[string]string, key, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" || hash == "" {
		return errors.New("key and hash must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table[key] = hash
	return nil
}

func (m *memoryIndex) AddPath(ctx context.Context, hash, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hash == "" || path == "" {
		return errors.New("hash and path must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addPathLocked(hash, path)
	return nil
}

func (m *memoryIndex) addPathLocked(hash, path string) {
	for _, p := range m.paths[hash] {
		if p == path {
			return
		}
	}
	if _, seen := m.paths[hash]; !seen {
		m.pathOrder = append(m.pathOrder, hash)
	}
	m.paths[hash] = append(m.paths[hash], path)
}

func (m *memoryIndex) FindBySize(ctx context.Context, size int64) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hash := range m.pathOrder {
		for _, p := range m.paths[hash] {
			info, err := os.Stat(p)
			if err == nil && info.Size() == size {
				return hash, p, nil
			}
		}
	}
	return "", "", index.ErrNotFound
}

func (m *memoryIndex) MarkFailed(ctx context.Context, url, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if url == "" {
		return errors.New("url must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.failures[url]
	rec.URL = url
	rec.Reason = reason
	rec.FailedAt = time.Now().UTC()
	rec.Attempts++
	m.failures[url] = rec
	return nil
}

func (m *memoryIndex) IsFailed(ctx context.Context, url string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failures[url]
	return ok, nil
}

func (m *memoryIndex) ClearFailed(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, url)
	return nil
}

func (m *memoryIndex) FailedCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures), nil
}

func (m *memoryIndex) Dump(ctx context.Context) (index.Dump, error) {
	if err := ctx.Err(); err != nil {
		return index.Dump{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dump := index.Dump{
		URLs:         make(map[string]string, len(m.urls)),
		ETags:        make(map[string]string, len(m.etags)),
		Fingerprints: make(map[string]string, len(m.fingerprints)),
		Paths:        make(map[string][]string, len(m.paths)),
	}
	for k, v := range m.urls {
		dump.URLs[k] = v
	}
	for k, v := range m.etags {
		dump.ETags[k] = v
	}
	for k, v := range m.fingerprints {
		dump.Fingerprints[k] = v
	}
	for k, v := range m.paths {
		dump.Paths[k] = append([]string(nil), v...)
	}
	return dump, nil
}
