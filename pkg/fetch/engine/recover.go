package engine

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/download"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/index"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/normalize"
)

// RetryFailed walks outdir for failure sidecars and retries each one. A
// sidecar whose payload already exists is simply cleared. Returns the number
// of recovered files.
func (e *Engine) RetryFailed(ctx context.Context, outdir string) (int, error) {
	var sidecars []string
	err := filepath.WalkDir(outdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && download.IsSidecar(path) {
			sidecars = append(sidecars, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(sidecars) == 0 {
		e.logger.Infof("no failed downloads under %s", outdir)
		return 0, nil
	}
	e.logger.Infof("retrying %d failed downloads", len(sidecars))

	var recovered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for _, sidecar := range sidecars {
		sidecar := sidecar
		g.Go(func() error {
			target := download.TargetFromSidecar(sidecar)

			if _, err := os.Stat(target); err == nil {
				if err := download.RemoveSidecar(target); err != nil {
					e.logger.Warnf("remove sidecar %s: %v", sidecar, err)
					return nil
				}
				recovered.Add(1)
				e.stats.addRecovered()
				e.logger.Infof("already present, removed failed marker: %s", target)
				return nil
			}

			rawurl, err := download.ReadSidecarURL(sidecar)
			if err != nil || rawurl == "" {
				e.logger.Debugf("sidecar %s has no usable URL, leaving it", sidecar)
				return nil
			}

			if err := e.limiter.Acquire(gctx, 1); err != nil {
				return err
			}
			res, err := e.fetcher.Fetch(gctx, download.Request{
				URL:        rawurl,
				TargetPath: target,
				Header:     e.headersFor(rawurl),
			})
			if err != nil {
				e.logger.Warnf("[%s] still failed: %s (%v)", HostLabel(rawurl), rawurl, err)
				return nil
			}

			norm := normalize.Canonical(rawurl)
			rec := index.Record{Hash: res.MD5, Path: res.Path, URL: norm, ETag: res.ETag}
			if err := e.idx.Record(gctx, rec); err != nil {
				e.logger.Debugf("record recovered %s: %v", rawurl, err)
			}
			if err := e.idx.ClearFailed(gctx, norm); err != nil {
				e.logger.Debugf("clear failed %s: %v", rawurl, err)
			}
			recovered.Add(1)
			e.stats.addRecovered()
			e.logger.Infof("[%s] recovered %s", HostLabel(rawurl), res.Path)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(recovered.Load()), err
	}
	return int(recovered.Load()), nil
}
