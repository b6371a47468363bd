package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/winter-ide/winter-auth/internal/authenticator"
	"github.com/winter-ide/winter-auth/internal/logsanitize"
)

// handleCallback receives the authorization server's redirect on loopback
// redirect URIs and hands it to the waiting sign-in. The code exchange
// happens in the sign-in itself; this page only confirms delivery.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	slog.Info("callback received",
		"code_present", q.Get("code") != "",
		"state_present", q.Get("state") != "",
		"error_present", q.Get("error") != "",
	)

	if s.auth == nil {
		s.renderError(w, "Sign-in is not available.")
		return
	}

	err := s.auth.DeliverRedirect(r.Context(), callbackURL(r))

	var authErr *authenticator.AuthorizationError
	switch {
	case err == nil:
		s.renderSuccess(w, "You are signed in to Winter. You may close this window.")

	case errors.As(err, &authErr):
		slog.Warn("authorization denied",
			"error", logsanitize.Sanitize(authErr.Code),
			"description", logsanitize.Sanitize(authErr.Description),
		)
		msg := authErr.Description
		if msg == "" {
			msg = authErr.Code
		}
		s.renderError(w, fmt.Sprintf("Authentication failed: %s", msg))

	case errors.Is(err, authenticator.ErrMalformedCallback):
		s.renderError(w, "Invalid callback parameters")

	case errors.Is(err, authenticator.ErrInvalidAttempt):
		s.renderError(w, "Sign-in attempt not found or expired. Please try signing in again.")

	default:
		slog.Error("failed to deliver redirect",
			"url", logsanitize.RedactURL(r.URL.String()),
			"error", err,
		)
		s.renderError(w, "Authentication failed. Please try again.")
	}
}

// callbackURL rebuilds the absolute redirect URL the browser requested.
func callbackURL(r *http.Request) string {
	u := url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	if r.TLS != nil {
		u.Scheme = "https"
	}
	return u.String()
}
