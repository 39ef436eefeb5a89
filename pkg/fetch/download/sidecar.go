package download

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SidecarSuffix marks the failure sidecar written next to a download target.
const SidecarSuffix = ".failed"

// SidecarPath returns the failure marker path for a download target.
func SidecarPath(target string) string {
	return target + SidecarSuffix
}

// TargetFromSidecar maps a failure marker path back to its download target.
func TargetFromSidecar(sidecar string) string {
	return strings.TrimSuffix(sidecar, SidecarSuffix)
}

// IsSidecar reports whether path names a failure marker.
func IsSidecar(path string) bool {
	return strings.HasSuffix(path, SidecarSuffix)
}

// WriteSidecar records why url could not be fetched. The marker holds the URL
// on the first line followed by one detail per line, so a later retry pass
// can re-derive both the source and the intended destination.
func WriteSidecar(target, url string, details ...string) error {
	if target == "" {
		return errors.New("download: sidecar target must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create sidecar dir: %w", err)
	}

	var b strings.Builder
	b.WriteString(url)
	b.WriteByte('\n')
	for _, d := range details {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(SidecarPath(target), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// RemoveSidecar deletes the failure marker for target. A missing marker is
// not an error.
func RemoveSidecar(target string) error {
	err := os.Remove(SidecarPath(target))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove sidecar: %w", err)
	}
	return nil
}

// ReadSidecarURL returns the URL stored on the first line of a failure
// marker. Markers with a blank first line yield "".
func ReadSidecarURL(sidecar string) (string, error) {
	f, err := os.Open(sidecar)
	if err != nil {
		return "", fmt.Errorf("open sidecar: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read sidecar: %w", err)
		}
		return "", nil
	}
	return strings.TrimSpace(scanner.Text()), nil
}
