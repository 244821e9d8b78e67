package util

import (
	"net/url"
	"strings"
)

var secretParams = []string{"apikey", "apiKey", "key", "token"}

// RedactUrl masks credentials carried in the query string or userinfo of raw. Unparseable input comes back
// with its query dropped.
func RedactUrl(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	q := u.Query()
	changed := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "redacted")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
