package ipc

import (
	"strings"

	"github.com/winter-ide/winter-auth/internal/logsanitize"
)

// requestLogAttrs returns log attributes for a request. Client-supplied
// values are stripped of control characters; redirect URLs and states are
// redacted.
func requestLogAttrs(req *Request) []any {
	attrs := []any{"command", logsanitize.Sanitize(string(req.Command))}
	if req.URL != "" {
		attrs = append(attrs, "url", logsanitize.RedactURL(req.URL))
	}
	if req.State != "" {
		attrs = append(attrs, "state", logsanitize.Redact(req.State))
	}
	if req.SessionID != "" {
		attrs = append(attrs, "session_id", logsanitize.Sanitize(req.SessionID))
	}
	if len(req.Scopes) > 0 {
		attrs = append(attrs, "scopes", logsanitize.Sanitize(strings.Join(req.Scopes, " ")))
	}
	return attrs
}
