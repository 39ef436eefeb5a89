// Package fingerprint computes partial-content fingerprints: the SHA-256 of
// the leading bytes of a payload. Matching a remote prefix against local
// files lets the downloader skip a full fetch when the content is already
// present under a different URL and ETag.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultPrefixSize is the number of leading bytes hashed when no explicit
// size is configured.
const DefaultPrefixSize = 64 * 1024

// Prefix hashes the first size bytes of the file at path. Files shorter than
// size are hashed in full.
func Prefix(path string, size int64) (string, error) {
	if size <= 0 {
		return "", errors.New("fingerprint: size must be positive")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint: open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size)); err != nil {
		return "", fmt.Errorf("fingerprint: read %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Cache memoizes local prefix hashes for the lifetime of a run. Entries are
// keyed by path and never invalidated; downloaded files are content-addressed
// and do not change in place.
type Cache struct {
	size int64

	mu       sync.Mutex
	prefixes map[string]string
}

// NewCache returns a cache hashing the first size bytes of each file.
func NewCache(size int64) *Cache {
	if size <= 0 {
		size = DefaultPrefixSize
	}
	return &Cache{size: size, prefixes: make(map[string]string)}
}

// Size reports the configured prefix length.
func (c *Cache) Size() int64 {
	return c.size
}

// Get returns the prefix hash for path, computing and memoizing it on first
// use. Read errors are not memoized.
func (c *Cache) Get(path string) (string, error) {
	c.mu.Lock()
	if fp, ok := c.prefixes[path]; ok {
		c.mu.Unlock()
		return fp, nil
	}
	c.mu.Unlock()

	fp, err := Prefix(path, c.size)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.prefixes[path] = fp
	c.mu.Unlock()
	return fp, nil
}
