package download

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Content-Disposition filename forms, RFC 5987 extended first.
var (
	cdUTF8Name  = regexp.MustCompile(`(?i)filename\*=utf-8''([^;\n]+)`)
	cdPlainName = regexp.MustCompile(`filename="?([^";]+)"?`)
)

// Sanitize maps every character outside [A-Za-z0-9._-] to an underscore.
func Sanitize(name string) string {
	return unsafePattern.ReplaceAllString(name, "_")
}

// NameFromURL derives a local filename from the URL path basename. URLs
// without a usable basename fall back to "file".
func NameFromURL(rawURL string) string {
	base := urlBasename(rawURL)
	if base == "" {
		return "file"
	}
	name := Sanitize(base)
	if name == "" {
		return "file"
	}
	return name
}

// ExtFromURL returns the extension of the URL path basename, dot included.
func ExtFromURL(rawURL string) string {
	return path.Ext(urlBasename(rawURL))
}

func urlBasename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return base
}

// NameFromContentDisposition extracts a sanitized filename from a
// Content-Disposition header, or "" when the header carries none.
func NameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	var name string
	if m := cdUTF8Name.FindStringSubmatch(header); m != nil {
		name = m[1]
	} else if m := cdPlainName.FindStringSubmatch(header); m != nil {
		name = m[1]
	}
	if name == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return Sanitize(name)
}

// EnsureUnique returns path unchanged when nothing exists there, otherwise
// the first free variant with _1, _2, ... inserted before the extension.
func EnsureUnique(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
