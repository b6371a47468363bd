// Package urihandler implements the URL-handler mode: the operating system
// launches the binary with the winter:// redirect URL, which is validated
// and forwarded to the running daemon.
package urihandler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/winter-ide/winter-auth/internal/ipc"
	"github.com/winter-ide/winter-auth/internal/logsanitize"
)

// Exit codes for the URL handler
const (
	ExitSuccess  = 0 // Redirect delivered to a waiting sign-in
	ExitFailure  = 1 // Invalid URL, daemon unreachable or internal error
	ExitRejected = 4 // Daemon rejected the redirect (unknown, expired or malformed)
)

// Handler forwards redirect URLs to the daemon
type Handler struct {
	socketPath  string
	redirectURI string
	stderr      io.Writer
}

// NewHandler creates a handler that accepts URLs matching redirectURI
func NewHandler(socketPath, redirectURI string) *Handler {
	return &Handler{
		socketPath:  socketPath,
		redirectURI: redirectURI,
		stderr:      os.Stderr,
	}
}

// SetOutput sets where user-facing messages are written
func (h *Handler) SetOutput(w io.Writer) {
	h.stderr = w
}

// Run validates rawURL, delivers it to the daemon and returns the exit code
func (h *Handler) Run(ctx context.Context, rawURL string) int {
	rawURL = strings.Trim(strings.TrimSpace(rawURL), `"'`)

	if err := validateRedirect(rawURL, h.redirectURI); err != nil {
		slog.Error("rejecting URL", "url", logsanitize.RedactURL(rawURL), "error", err)
		fmt.Fprintf(h.stderr, "Error: %v\n", err)
		return ExitFailure
	}

	slog.Info("forwarding redirect", "url", logsanitize.RedactURL(rawURL))

	client := ipc.NewClient(h.socketPath)
	resp, err := client.Do(ctx, &ipc.Request{
		Command: ipc.CommandRedirect,
		URL:     rawURL,
	})
	if err != nil {
		slog.Error("failed to communicate with daemon", "error", err)
		fmt.Fprintf(h.stderr, "Error: daemon communication failed: %v\n", err)
		fmt.Fprintf(h.stderr, "Is the daemon running? Start it with: winter-auth serve\n")
		return ExitFailure
	}

	if err := resp.Err(); err != nil {
		var remote *ipc.RemoteError
		errors.As(err, &remote)

		slog.Error("daemon rejected redirect", "error_kind", remote.Kind, "error", remote.Message)
		fmt.Fprintf(h.stderr, "Error: %s\n", remote.Message)

		switch remote.Kind {
		case ipc.KindInvalidAttempt, ipc.KindMalformedCallback:
			return ExitRejected
		default:
			return ExitFailure
		}
	}

	slog.Info("redirect delivered")
	return ExitSuccess
}

// validateRedirect checks that raw targets the configured redirect URI.
// Scheme and host compare case-insensitively; a trailing slash on the path
// is ignored.
func validateRedirect(raw, expected string) error {
	if raw == "" {
		return errors.New("no URL given")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	want, err := url.Parse(expected)
	if err != nil {
		return fmt.Errorf("invalid redirect URI in configuration: %w", err)
	}

	if !strings.EqualFold(u.Scheme, want.Scheme) ||
		!strings.EqualFold(u.Host, want.Host) ||
		strings.TrimSuffix(u.Path, "/") != strings.TrimSuffix(want.Path, "/") {
		return fmt.Errorf("URL does not match the redirect URI %s", expected)
	}

	if u.RawQuery == "" {
		return errors.New("URL has no query parameters")
	}

	return nil
}
