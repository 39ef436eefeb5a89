// Package bbolt implements the dedup index on a single-file bbolt database.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/btree"
	bolt "go.etcd.io/bbolt"

	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/index"
)

const (
	currentSchemaVersion = 1

	bucketMeta         = "meta"
	bucketURLs         = "urls"
	bucketETags        = "etags"
	bucketFingerprints = "fingerprints"
	bucketPaths        = "paths"
	bucketFailed       = "failed"

	keySchemaVersion = "schema_version"
)

var errUnknownSchema = errors.New("dedup index: unknown schema version")

// Options configures Open behaviour.
type Options struct {
	// Timeout controls the bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
}

// Index implements index.Index backed by bbolt. A btree keyed by file size
// holds an in-memory hint map (size -> candidate hashes) so FindBySize does
// not scan the whole store; hints are verified against the filesystem before
// a match is reported.
type Index struct {
	db *bolt.DB

	hintMu sync.Mutex
	hints  *btree.Map[int64, map[string]struct{}]
}

// Open creates (or reopens) a bbolt-backed dedup index at path.
func Open(path string, opts Options) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	idx := &Index{db: db, hints: new(btree.Map[int64, map[string]struct{}])}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idx.hydrateSizeHints(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return idx, nil
}

// Close flushes pending state and releases the database handle.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	if err := i.db.Sync(); err != nil {
		_ = i.db.Close()
		return fmt.Errorf("sync on close: %w", err)
	}
	return i.db.Close()
}

// Checkpoint forces the database file to stable storage.
func (i *Index) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.db.Sync()
}

func (i *Index) HashForURL(ctx context.Context, normURL string) (string, error) {
	return i.lookupHash(ctx, bucketURLs, normURL)
}

func (i *Index) HashForETag(ctx context.Context, etag string) (string, error) {
	return i.lookupHash(ctx, bucketETags, etag)
}

func (i *Index) HashForFingerprint(ctx context.Context, fp string) (string, error) {
	return i.lookupHash(ctx, bucketFingerprints, fp)
}

func (i *Index) lookupHash(ctx context.Context, bucket, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("dedup index: key must not be empty")
	}

	var hash string
	err := i.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucket)
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return index.ErrNotFound
		}
		hash = string(raw)
		return nil
	})
	return hash, err
}

func (i *Index) PathsFor(ctx context.Context, hash string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, errors.New("dedup index: hash must not be empty")
	}
	return i.pruneDeadPaths(hash)
}

func (i *Index) LivePath(ctx context.Context, hash string) (string, error) {
	paths, err := i.PathsFor(ctx, hash)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", index.ErrNotFound
	}
	return paths[0], nil
}

// pruneDeadPaths returns the surviving paths for hash and removes rows whose
// file has disappeared from disk.
func (i *Index) pruneDeadPaths(hash string) ([]string, error) {
	var live []string
	err := i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPaths))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucketPaths)
		}
		key := []byte(hash)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		paths, err := decodePaths(raw)
		if err != nil {
			return err
		}
		pruned := false
		for _, p := range paths {
			if fileExists(p) {
				live = append(live, p)
			} else {
				pruned = true
			}
		}
		if !pruned {
			return nil
		}
		if len(live) == 0 {
			return b.Delete(key)
		}
		data, err := encodePaths(live)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return live, nil
}

func (i *Index) Record(ctx context.Context, rec index.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Hash == "" {
		return errors.New("dedup index: record hash must not be empty")
	}
	if rec.Path == "" {
		return errors.New("dedup index: record path must not be empty")
	}

	err := i.db.Update(func(tx *bolt.Tx) error {
		if rec.URL != "" {
			if err := putMapping(tx, bucketURLs, rec.URL, rec.Hash); err != nil {
				return err
			}
		}
		if rec.ETag != "" {
			if err := putMapping(tx, bucketETags, rec.ETag, rec.Hash); err != nil {
				return err
			}
		}
		if rec.Fingerprint != "" {
			if err := putMapping(tx, bucketFingerprints, rec.Fingerprint, rec.Hash); err != nil {
				return err
			}
		}
		return appendPath(tx, rec.Hash, rec.Path)
	})
	if err != nil {
		return err
	}
	i.addSizeHint(rec.Hash, rec.Path)
	return nil
}

func (i *Index) MapURL(ctx context.Context, normURL, hash string) error {
	return i.mapIdentifier(ctx, bucketURLs, normURL, hash)
}

func (i *Index) MapETag(ctx context.Context, etag, hash string) error {
	return i.mapIdentifier(ctx, bucketETags, etag, hash)
}

func (i *Index) MapFingerprint(ctx context.Context, fp, hash string) error {
	return i.mapIdentifier(ctx, bucketFingerprints, fp, hash)
}

func (i *Index) mapIdentifier(ctx context.Context, bucket, key, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" || hash == "" {
		return errors.New("dedup index: key and hash must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		return putMapping(tx, bucket, key, hash)
	})
}

func (i *Index) AddPath(ctx context.Context, hash, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hash == "" || path == "" {
		return errors.New("dedup index: hash and path must not be empty")
	}
	err := i.db.Update(func(tx *bolt.Tx) error {
		return appendPath(tx, hash, path)
	})
	if err != nil {
		return err
	}
	i.addSizeHint(hash, path)
	return nil
}

func (i *Index) FindBySize(ctx context.Context, size int64) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	for _, hash := range i.hintHashes(size) {
		paths, err := i.pruneDeadPaths(hash)
		if err != nil {
			return "", "", err
		}
		matched := ""
		for _, p := range paths {
			info, statErr := os.Stat(p)
			if statErr == nil && info.Size() == size {
				matched = p
				break
			}
		}
		if matched != "" {
			return hash, matched, nil
		}
		// Stale hint: no surviving file of this size for the hash.
		i.dropSizeHint(size, hash)
	}
	return "", "", index.ErrNotFound
}

func (i *Index) MarkFailed(ctx context.Context, url, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if url == "" {
		return errors.New("dedup index: url must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFailed))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucketFailed)
		}
		key := []byte(url)
		rec := index.FailureRecord{URL: url, Attempts: 1}
		if raw := b.Get(key); raw != nil {
			prev, err := decodeFailure(raw)
			if err != nil {
				return err
			}
			rec.Attempts = prev.Attempts + 1
		}
		rec.FailedAt = time.Now().UTC()
		rec.Reason = reason
		data, err := encodeFailure(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (i *Index) IsFailed(ctx context.Context, url string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if url == "" {
		return false, errors.New("dedup index: url must not be empty")
	}
	var failed bool
	err := i.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFailed))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucketFailed)
		}
		failed = b.Get([]byte(url)) != nil
		return nil
	})
	return failed, err
}

func (i *Index) ClearFailed(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if url == "" {
		return errors.New("dedup index: url must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFailed))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucketFailed)
		}
		return b.Delete([]byte(url))
	})
}

func (i *Index) FailedCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count int
	err := i.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFailed))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucketFailed)
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

func (i *Index) Dump(ctx context.Context) (index.Dump, error) {
	if err := ctx.Err(); err != nil {
		return index.Dump{}, err
	}

	dump := index.Dump{
		URLs:         make(map[string]string),
		ETags:        make(map[string]string),
		Fingerprints: make(map[string]string),
		Paths:        make(map[string][]string),
	}
	err := i.db.View(func(tx *bolt.Tx) error {
		if err := collectMappings(tx, bucketURLs, dump.URLs); err != nil {
			return err
		}
		if err := collectMappings(tx, bucketETags, dump.ETags); err != nil {
			return err
		}
		if err := collectMappings(tx, bucketFingerprints, dump.Fingerprints); err != nil {
			return err
		}
		b := tx.Bucket([]byte(bucketPaths))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucketPaths)
		}
		return b.ForEach(func(k, v []byte) error {
			paths, err := decodePaths(v)
			if err != nil {
				return err
			}
			dump.Paths[string(k)] = paths
			return nil
		})
	})
	if err != nil {
		return index.Dump{}, err
	}
	return dump, nil
}

func (i *Index) ensureSchema() error {
	return i.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketURLs, bucketETags, bucketFingerprints, bucketPaths, bucketFailed} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("ensure %s bucket: %w", name, err)
			}
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("ensure meta bucket: %w", err)
		}
		versionBytes := meta.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version == currentSchemaVersion {
			return nil
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		if err := migrate(tx, version, currentSchemaVersion); err != nil {
			return err
		}
		return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

func migrate(tx *bolt.Tx, from, to int) error {
	version := from
	for version < to {
		switch version {
		case 0:
			for _, name := range []string{bucketURLs, bucketETags, bucketFingerprints, bucketPaths, bucketFailed} {
				if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
					return fmt.Errorf("migrate v0 %s: %w", name, err)
				}
			}
			version = 1
		default:
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
	}
	return nil
}

// hydrateSizeHints seeds the size hint map from the recorded paths that still
// exist on disk.
func (i *Index) hydrateSizeHints() error {
	type entry struct {
		hash string
		path string
	}
	var entries []entry
	err := i.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPaths))
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucketPaths)
		}
		return b.ForEach(func(k, v []byte) error {
			paths, err := decodePaths(v)
			if err != nil {
				return err
			}
			for _, p := range paths {
				entries = append(entries, entry{hash: string(k), path: p})
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		i.addSizeHint(e.hash, e.path)
	}
	return nil
}

func (i *Index) addSizeHint(hash, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	size := info.Size()

	i.hintMu.Lock()
	defer i.hintMu.Unlock()
	hashes, ok := i.hints.Get(size)
	if !ok {
		hashes = make(map[string]struct{})
		i.hints.Set(size, hashes)
	}
	hashes[hash] = struct{}{}
}

func (i *Index) dropSizeHint(size int64, hash string) {
	i.hintMu.Lock()
	defer i.hintMu.Unlock()
	hashes, ok := i.hints.Get(size)
	if !ok {
		return
	}
	delete(hashes, hash)
	if len(hashes) == 0 {
		i.hints.Delete(size)
	}
}

func (i *Index) hintHashes(size int64) []string {
	i.hintMu.Lock()
	defer i.hintMu.Unlock()
	hashes, ok := i.hints.Get(size)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(hashes))
	for h := range hashes {
		out = append(out, h)
	}
	return out
}

func putMapping(tx *bolt.Tx, bucket, key, hash string) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("missing bucket %s", bucket)
	}
	return b.Put([]byte(key), []byte(hash))
}

func appendPath(tx *bolt.Tx, hash, path string) error {
	b := tx.Bucket([]byte(bucketPaths))
	if b == nil {
		return fmt.Errorf("missing bucket %s", bucketPaths)
	}
	key := []byte(hash)
	var paths []string
	if raw := b.Get(key); raw != nil {
		decoded, err := decodePaths(raw)
		if err != nil {
			return err
		}
		paths = decoded
	}
	for _, p := range paths {
		if p == path {
			return nil
		}
	}
	paths = append(paths, path)
	data, err := encodePaths(paths)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func collectMappings(tx *bolt.Tx, bucket string, into map[string]string) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("missing bucket %s", bucket)
	}
	return b.ForEach(func(k, v []byte) error {
		into[string(k)] = string(v)
		return nil
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func encodePaths(paths []string) ([]byte, error) {
	return json.Marshal(paths)
}

func decodePaths(data []byte) ([]string, error) {
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

func encodeFailure(rec index.FailureRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeFailure(data []byte) (index.FailureRecord, error) {
	var rec index.FailureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return index.FailureRecord{}, err
	}
	return rec, nil
}
