package logsanitize

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "winter://callback", want: "winter://callback"},
		{name: "newline", in: "a\nb", want: "a_b"},
		{name: "carriage return", in: "a\r\nfake=1", want: "a__fake=1"},
		{name: "tab kept", in: "a\tb", want: "a\tb"},
		{name: "del", in: "a\x7fb", want: "a_b"},
		{name: "c1", in: "a\u0085b", want: "a_b"},
		{name: "unicode kept", in: "名前", want: "名前"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("short"); got != "[REDACTED]" {
		t.Errorf("Redact(short) = %q", got)
	}

	got := Redact("abcdefghijklmnop")
	if !strings.HasPrefix(got, "abcd") {
		t.Errorf("Redact should keep a 4-char prefix, got %q", got)
	}
	if strings.Contains(got, "efgh") {
		t.Errorf("Redact leaked secret material: %q", got)
	}
}

func TestRedactURL(t *testing.T) {
	raw := "winter://winter.winter-authentication/callback?code=SECRETCODE123&state=0123456789abcdef&foo=bar"
	got := RedactURL(raw)

	if strings.Contains(got, "SECRETCODE123") {
		t.Errorf("code leaked: %s", got)
	}
	if strings.Contains(got, "0123456789abcdef") {
		t.Errorf("state leaked: %s", got)
	}
	if !strings.Contains(got, "foo=bar") {
		t.Errorf("non-sensitive params should be kept: %s", got)
	}

	bad := RedactURL("%zz?code=abc\n")
	if strings.Contains(bad, "code=abc") || strings.Contains(bad, "\n") {
		t.Errorf("unparseable URL not redacted: %q", bad)
	}
}
