package failsafe

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/disk"
)

// Usage reports filesystem capacity and free space for a path.
type Usage interface {
	Stat(path string) (total, free uint64, err error)
}

type gopsutilUsage struct{}

func (gopsutilUsage) Stat(path string) (uint64, uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	return u.Total, u.Free, nil
}

// GuardOption customises DiskGuard construction.
type GuardOption func(*DiskGuard)

// WithUsage swaps the disk usage inspector (primarily for tests).
func WithUsage(usage Usage) GuardOption {
	return func(g *DiskGuard) {
		g.disk = usage
	}
}

// WithGuardLogger overrides the default logger.
func WithGuardLogger(logger Logger) GuardOption {
	return func(g *DiskGuard) {
		g.logger = logger
	}
}

// DiskGuard refuses new full downloads when the output filesystem falls
// below a free-space floor. A zero floor disables the guard.
type DiskGuard struct {
	path    string
	minFree uint64
	disk    Usage
	logger  Logger
}

// NewDiskGuard creates a guard watching the filesystem that holds path.
func NewDiskGuard(path string, minFree uint64, opts ...GuardOption) (*DiskGuard, error) {
	if path == "" {
		return nil, errors.New("failsafe: guard path is required")
	}
	g := &DiskGuard{
		path:    path,
		minFree: minFree,
		disk:    gopsutilUsage{},
		logger:  defaultLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.disk == nil {
		g.disk = gopsutilUsage{}
	}
	if g.logger == nil {
		g.logger = defaultLogger()
	}
	return g, nil
}

// Check returns ErrLowSpace when the floor is breached. A failed probe is
// logged and treated as enough space; the guard must not block downloads on
// its own malfunction.
func (g *DiskGuard) Check() error {
	if g.minFree == 0 {
		return nil
	}
	_, free, err := g.disk.Stat(g.path)
	if err != nil {
		g.logger.Warnf("disk usage probe for %s failed: %v", g.path, err)
		return nil
	}
	if free < g.minFree {
		return fmt.Errorf("%w: %d bytes free on %s, floor is %d", ErrLowSpace, free, g.path, g.minFree)
	}
	return nil
}
