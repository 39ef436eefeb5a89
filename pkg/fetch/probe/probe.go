// Package probe issues lightweight HEAD requests to learn a remote file's
// size and ETag before committing to a full download.
package probe

import (
	"context"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single HEAD request.
const DefaultTimeout = 10 * time.Second

// Result holds what a probe learned. Fields are zero when the server did not
// supply them.
type Result struct {
	// Length is the advertised Content-Length, nil when unknown.
	Length *int64
	// ETag is the raw ETag header value.
	ETag string
}

// Prober HEADs URLs. The zero value probes with http.DefaultClient and
// DefaultTimeout.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

// Probe HEADs url with the supplied headers, following redirects. Probing is
// best effort and never fails: any network or status error yields an empty
// Result and the caller falls through to the download path.
func (p Prober) Probe(ctx context.Context, url string, header http.Header) Result {
	if err := ctx.Err(); err != nil {
		return Result{}
	}
	if url == "" {
		return Result{}
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Result{}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}
	}

	var res Result
	if resp.ContentLength >= 0 {
		length := resp.ContentLength
		res.Length = &length
	}
	res.ETag = resp.Header.Get("ETag")
	return res
}
