package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"gopkg.in/ini.v1"
)

// redditReferer is required by the reddit CDN hosts, which refuse
// direct requests.
const redditReferer = "https://www.reddit.com/"

var refererHosts = []string{"preview.redd.it", "i.redd.it"}

// Credentials builds per-host request headers: the configured User-Agent,
// a Referer for the reddit CDN hosts, and bearer tokens loaded from an
// INI credentials file keyed by host suffix.
type Credentials struct {
	UserAgent string
	tokens    map[string]string
}

// LoadCredentials parses the INI file at path. Each section names a host
// suffix and carries a token key:
//
//	[reddit.com]
//	token = abc123
//
// An empty path yields a builder with no tokens.
func LoadCredentials(path, userAgent string) (*Credentials, error) {
	creds := &Credentials{UserAgent: userAgent, tokens: make(map[string]string)}
	if path == "" {
		return creds, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", path, err)
	}
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		token := strings.TrimSpace(sec.Key("token").String())
		if token == "" {
			continue
		}
		creds.tokens[strings.ToLower(sec.Name())] = token
	}
	return creds, nil
}

// HeadersFor builds the request headers for rawurl. Tokens are attached
// only when the URL host matches a credentials rule, so a stray token can
// never leak to an unrelated CDN.
func (c *Credentials) HeadersFor(rawurl string) http.Header {
	header := make(http.Header)
	if c == nil {
		return header
	}
	if c.UserAgent != "" {
		header.Set("User-Agent", c.UserAgent)
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return header
	}
	host := strings.ToLower(u.Hostname())

	for _, suffix := range refererHosts {
		if hostMatches(host, suffix) {
			header.Set("Referer", redditReferer)
			break
		}
	}
	if token := c.tokenFor(host); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func (c *Credentials) tokenFor(host string) string {
	for suffix, token := range c.tokens {
		if hostMatches(host, suffix) {
			return token
		}
	}
	return ""
}

// hostMatches reports whether host equals suffix or is a subdomain of it.
func hostMatches(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}
