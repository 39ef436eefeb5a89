package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single ranged request.
const DefaultTimeout = 20 * time.Second

// Remote fetches the leading bytes of a URL with a ranged GET and hashes
// them. Servers that ignore the Range header and reply 200 are handled by
// hashing only the first Size bytes of the full body.
type Remote struct {
	// Client is the HTTP client used for ranged requests. http.DefaultClient when nil.
	Client *http.Client
	// Size is the number of leading bytes to hash. DefaultPrefixSize when zero.
	Size int64
	// Timeout bounds the request. DefaultTimeout when zero.
	Timeout time.Duration
}

// Fetch returns the prefix hash of the content behind url. The supplied
// header is copied onto the request before the Range header is set.
func (r Remote) Fetch(ctx context.Context, url string, header http.Header) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if url == "" {
		return "", errors.New("fingerprint: url must not be empty")
	}

	size := r.Size
	if size <= 0 {
		size = DefaultPrefixSize
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprint: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", size-1))

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fingerprint: ranged get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", fmt.Errorf("fingerprint: unexpected status %d", resp.StatusCode)
	}

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(resp.Body, size)); err != nil {
		return "", fmt.Errorf("fingerprint: read body: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
