package engine

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/download"
)

const (
	htmlSniffWindow = 2048
	htmlSampleLimit = 2000
)

var htmlMarkers = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<script"),
}

// MarkHTML scans outdir for payload files that are actually HTML pages (a
// CDN interstitial saved as media) and writes a failure sidecar for each so
// a later retry pass re-fetches them. Returns the number of files marked.
func (e *Engine) MarkHTML(outdir string) (int, error) {
	marked := 0
	err := filepath.WalkDir(outdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || download.IsSidecar(path) {
			return nil
		}

		sample, sniffErr := sniffFile(path)
		if sniffErr != nil {
			e.logger.Warnf("read %s: %v", path, sniffErr)
			return nil
		}
		if !looksLikeHTML(sample) {
			return nil
		}

		excerpt := sample
		if len(excerpt) > htmlSampleLimit {
			excerpt = excerpt[:htmlSampleLimit]
		}
		// Prefer the provenance xattr so a retry pass can re-fetch the
		// original URL. Files without one get the path as a placeholder.
		source := path
		if origin, oerr := download.OriginURL(path); oerr == nil && origin != "" {
			source = origin
		}
		if err := download.WriteSidecar(path, source, "Detected HTML content.", "---sample---", string(excerpt)); err != nil {
			e.logger.Warnf("write sidecar for %s: %v", path, err)
			return nil
		}
		marked++
		e.logger.Infof("marked HTML payload: %s", path)
		return nil
	})
	if err != nil {
		return marked, err
	}
	return marked, nil
}

func sniffFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, htmlSniffWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func looksLikeHTML(sample []byte) bool {
	lowered := bytes.ToLower(sample)
	for _, marker := range htmlMarkers {
		if bytes.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
