package download

import "github.com/pkg/xattr"

// Extended attribute names follow the freedesktop.org download provenance
// convention so file managers can surface the source URL.
const (
	xattrOriginURL  = "user.xdg.origin.url"
	xattrOriginETag = "user.xdg.origin.etag"
)

// tagOrigin stamps provenance metadata on a downloaded file. Filesystems
// without user xattr support turn this into a no-op.
func tagOrigin(path, url, etag string) {
	if url != "" {
		_ = xattr.Set(path, xattrOriginURL, []byte(url))
	}
	if etag != "" {
		_ = xattr.Set(path, xattrOriginETag, []byte(etag))
	}
}

// OriginURL reads back the provenance URL stamped on a downloaded file.
func OriginURL(path string) (string, error) {
	data, err := xattr.Get(path, xattrOriginURL)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
