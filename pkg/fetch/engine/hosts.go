package engine

import (
	"net/url"
	"strings"
)

// HostLabel returns a short display label for the URL's host, used to prefix
// per-task log lines.
func HostLabel(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Hostname() == "" {
		return "Unknown"
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case strings.Contains(host, "redgifs"):
		return "Redgifs"
	case strings.Contains(host, "reddit"), strings.Contains(host, "redd.it"):
		return "Redd.it"
	}

	labels := strings.Split(host, ".")
	if len(labels) >= 2 {
		host = labels[len(labels)-2]
	}
	if host == "" {
		return "Unknown"
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
