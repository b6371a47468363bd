// Package browser opens authorization URLs for the user.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	pkgbrowser "github.com/pkg/browser"

	"github.com/winter-ide/winter-auth/internal/logsanitize"
)

// openURL is the platform opener. Tests replace it.
var openURL = pkgbrowser.OpenURL

func init() {
	// the opener's own output must not end up on the daemon's stdout
	pkgbrowser.Stdout = io.Discard
	pkgbrowser.Stderr = io.Discard
}

// Launcher opens a URL outside the process.
type Launcher interface {
	Open(ctx context.Context, url string) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, url string) error

// Open calls f(ctx, url).
func (f LauncherFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// System opens URLs in the user's default browser.
type System struct{}

// Open hands url to the platform opener (xdg-open, open, rundll32).
func (System) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Debug("opening browser", "url", logsanitize.RedactURL(url))

	if err := openURL(url); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

// Printer writes the URL for the user to open manually. Used when the
// daemon runs without a desktop session.
func Printer(w io.Writer) Launcher {
	return LauncherFunc(func(ctx context.Context, url string) error {
		_, err := fmt.Fprintf(w, "Open this URL to sign in:\n\n  %s\n\n", url)
		return err
	})
}

// New returns System when open is true and a Printer on w otherwise.
func New(open bool, w io.Writer) Launcher {
	if open {
		return System{}
	}
	return Printer(w)
}
