// Package logsanitize provides helpers for making untrusted or secret values
// safe to put into structured log output.
package logsanitize

import (
	"net/url"
	"strings"
)

// Sanitize replaces control characters in a log field value with '_' to
// reduce the risk of log injection (CWE-117).
//
// Replaced ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// Redact hides all but the first four characters of a credential such as an
// authorization code, state or access token.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return "[REDACTED]"
	}
	return secret[:4] + "…[REDACTED]"
}

// sensitiveParams are query parameters that are replaced by Redact in URLs.
var sensitiveParams = []string{"code", "state", "code_challenge", "code_verifier", "access_token"}

// RedactURL returns a sanitized URL with credential-bearing query parameters
// redacted. Unparseable input is sanitized and returned without its query.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			raw = raw[:i] + "?[REDACTED]"
		}
		return Sanitize(raw)
	}

	q := u.Query()
	for _, p := range sensitiveParams {
		if v := q.Get(p); v != "" {
			q.Set(p, Redact(v))
		}
	}
	u.RawQuery = q.Encode()
	return Sanitize(u.String())
}
