// Package normalize produces stable identity keys for media URLs. CDN links
// to the same object differ between listings only in ephemeral query
// parameters (signatures, expiry stamps, campaign tags), so the canonical
// form is what the dedup index keys on.
package normalize

import (
	"net/url"
	"strings"
)

// stripHosts serve signed, single-object URLs whose whole query string is
// ephemeral. Matched as host suffixes.
var stripHosts = []string{
	"i.redd.it",
	"media.redgifs.com",
	"redgifs.com",
	"preview.redd.it",
}

// ephemeralParams are dropped from all other hosts, along with any parameter
// whose name starts with "utm_". Names are compared lowercase.
var ephemeralParams = map[string]struct{}{
	"s":         {},
	"sig":       {},
	"signature": {},
	"token":     {},
	"expires":   {},
	"ttl":       {},
	"key":       {},
	"st":        {},
	"se":        {},
}

// Canonical returns the stable form of raw. It never fails: input that does
// not parse as a URL is returned unchanged, and applying Canonical to its own
// output is a no-op.
func Canonical(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	host := strings.ToLower(u.Host)
	for _, h := range stripHosts {
		if strings.HasSuffix(host, h) {
			u.RawQuery = ""
			u.Fragment = ""
			u.RawFragment = ""
			return u.String()
		}
	}

	u.RawQuery = filterQuery(u.RawQuery)
	return u.String()
}

// filterQuery drops ephemeral and tracking parameters while preserving the
// order of the survivors. Pairs are decoded and re-encoded, so a bare key
// renders as "key=" and the result is a fixpoint of another filter pass.
func filterQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		value := ""
		if i := strings.Index(pair, "="); i >= 0 {
			key = pair[:i]
			value = pair[i+1:]
		}
		decodedKey, err := url.QueryUnescape(key)
		if err != nil {
			decodedKey = key
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		name := strings.ToLower(decodedKey)
		if strings.HasPrefix(name, "utm_") {
			continue
		}
		if _, drop := ephemeralParams[name]; drop {
			continue
		}
		kept = append(kept, url.QueryEscape(decodedKey)+"="+url.QueryEscape(decodedValue))
	}

	return strings.Join(kept, "&")
}
