// Package authenticator drives Winter sign-ins: it runs the OAuth
// authorization-code flow with PKCE, correlates redirects with waiting
// attempts and hands finished sessions to the session store.
package authenticator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/winter-ide/winter-auth/internal/browser"
	"github.com/winter-ide/winter-auth/internal/logsanitize"
	"github.com/winter-ide/winter-auth/internal/oauth"
	"github.com/winter-ide/winter-auth/internal/pending"
	"github.com/winter-ide/winter-auth/internal/session"
)

// Provider is the authorization server as seen by a sign-in attempt.
// *oauth.Client implements it.
type Provider interface {
	AuthCodeURL(state, challenge string, scopes []string) string
	Exchange(ctx context.Context, code, codeVerifier string) (string, error)
	FetchProfile(ctx context.Context, accessToken string) (*oauth.Profile, error)
}

// Options configures an Authenticator.
type Options struct {
	// DefaultScopes are requested when a sign-in names no scopes.
	DefaultScopes []string
}

// Authenticator owns the pending-attempt registry for one daemon and is the
// single entry point for sign-ins, redirects and session queries.
type Authenticator struct {
	provider      Provider
	launcher      browser.Launcher
	store         *session.Store
	registry      *pending.Registry
	defaultScopes []string
}

// New creates an Authenticator from its collaborators.
func New(provider Provider, launcher browser.Launcher, store *session.Store, registry *pending.Registry, opts Options) *Authenticator {
	return &Authenticator{
		provider:      provider,
		launcher:      launcher,
		store:         store,
		registry:      registry,
		defaultScopes: slices.Clone(opts.DefaultScopes),
	}
}

// StartSignIn runs one sign-in attempt and blocks until it finishes. The
// attempt ends with a stored session, or with ErrSignInCancelled,
// ErrSignInTimeout, *AuthorizationError, *LaunchError,
// *oauth.TokenExchangeError, *oauth.ProfileFetchError or ctx.Err().
func (a *Authenticator) StartSignIn(ctx context.Context, scopes []string) (*session.Record, error) {
	if len(scopes) == 0 {
		scopes = a.defaultScopes
	}
	scopes = slices.Clone(scopes)

	state, err := oauth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	verifier := oauth.GenerateCodeVerifier()
	challenge := oauth.CodeChallenge(verifier)

	handle, err := a.registry.Begin(state)
	if err != nil {
		if errors.Is(err, pending.ErrClosed) {
			return nil, ErrSignInCancelled
		}
		return nil, fmt.Errorf("failed to register sign-in attempt: %w", err)
	}

	logger := slog.With("state", logsanitize.Redact(state))
	logger.Info("sign-in started",
		"scopes", scopes,
		"expires_at", handle.ExpiresAt.Format(time.RFC3339),
	)

	authURL := a.provider.AuthCodeURL(state, challenge, scopes)
	if err := a.launcher.Open(ctx, authURL); err != nil {
		_ = a.registry.Cancel(state)
		logger.Error("failed to launch authorization URL", "error", err)
		return nil, &LaunchError{Err: err}
	}

	code, err := handle.Wait(ctx)
	if err != nil {
		err = a.waitError(ctx, state, err)
		logger.Warn("sign-in did not complete", "error", err)
		return nil, err
	}

	logger.Debug("authorization code received, exchanging", "code", logsanitize.Redact(code))

	token, err := a.provider.Exchange(ctx, code, verifier)
	if err != nil {
		logger.Error("token exchange failed", "error", err)
		return nil, err
	}

	profile, err := a.provider.FetchProfile(ctx, token)
	if err != nil {
		logger.Error("profile fetch failed", "error", err)
		return nil, err
	}

	rec := session.NewRecord(session.Profile{
		ID:     profile.ID,
		Name:   profile.Name,
		Email:  profile.Email,
		Avatar: profile.Avatar,
	}, scopes, token)

	if err := a.store.Add(ctx, rec); err != nil {
		logger.Error("failed to store session", "error", err)
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	logger.Info("sign-in completed",
		"session_id", rec.ID,
		"account_id", rec.Account.ID,
		"account", logsanitize.Sanitize(rec.Account.Label),
	)

	return rec, nil
}

// waitError maps the outcome of a failed wait to the error returned by
// StartSignIn. An attempt abandoned by its caller is removed from the
// registry.
func (a *Authenticator) waitError(ctx context.Context, state string, err error) error {
	switch {
	case errors.Is(err, pending.ErrCancelled):
		return ErrSignInCancelled
	case errors.Is(err, pending.ErrTimeout):
		return ErrSignInTimeout
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		_ = a.registry.Cancel(state)
		return err
	default:
		return err
	}
}

// DeliverRedirect hands a redirect URL to the attempt waiting for its state.
// A redirect missing code or state fails with ErrMalformedCallback; an
// unknown, finished or expired state fails with ErrInvalidAttempt. An error
// redirect fails the waiting attempt and is also returned as
// *AuthorizationError.
func (a *Authenticator) DeliverRedirect(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}

	q := u.Query()
	state := q.Get("state")
	code := q.Get("code")

	if errCode := q.Get("error"); errCode != "" && state != "" {
		authErr := &AuthorizationError{
			Code:        errCode,
			Description: q.Get("error_description"),
		}
		if err := a.registry.Reject(state, authErr); err != nil {
			return a.deliveryError(err)
		}

		slog.Warn("authorization server returned an error",
			"state", logsanitize.Redact(state),
			"error_code", logsanitize.Sanitize(errCode),
		)
		return authErr
	}

	if state == "" || code == "" {
		slog.Warn("malformed callback", "url", logsanitize.Sanitize(logsanitize.RedactURL(rawURL)))
		return ErrMalformedCallback
	}

	if err := a.registry.Resolve(state, code); err != nil {
		return a.deliveryError(err)
	}

	slog.Debug("redirect delivered", "state", logsanitize.Redact(state))
	return nil
}

func (a *Authenticator) deliveryError(err error) error {
	if errors.Is(err, pending.ErrUnknownState) {
		slog.Warn("redirect for unknown or expired sign-in attempt")
		return fmt.Errorf("%w: %w", ErrInvalidAttempt, err)
	}
	return err
}

// Cancel aborts the pending attempt with the given state. The waiting
// StartSignIn returns ErrSignInCancelled.
func (a *Authenticator) Cancel(state string) error {
	if err := a.registry.Cancel(state); err != nil {
		return err
	}
	slog.Info("sign-in cancelled", "state", logsanitize.Redact(state))
	return nil
}

// Pending lists the attempts waiting for a redirect.
func (a *Authenticator) Pending() []pending.Info {
	return a.registry.Pending()
}

// PendingCount returns the number of attempts waiting for a redirect.
func (a *Authenticator) PendingCount() int {
	return a.registry.Count()
}

// Sessions returns the stored sessions granting every requested scope.
func (a *Authenticator) Sessions(ctx context.Context, scopes []string) ([]session.Record, error) {
	records, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]session.Record, 0, len(records))
	for i := range records {
		if session.MatchesScopes(&records[i], scopes) {
			matched = append(matched, records[i])
		}
	}
	return matched, nil
}

// GetSession returns the first stored session granting scopes. When none
// exists and createIfNone is set, a sign-in is started; otherwise
// ErrNoSession is returned.
func (a *Authenticator) GetSession(ctx context.Context, scopes []string, createIfNone bool) (*session.Record, error) {
	matched, err := a.Sessions(ctx, scopes)
	if err != nil {
		return nil, err
	}
	if len(matched) > 0 {
		return &matched[0], nil
	}

	if !createIfNone {
		return nil, ErrNoSession
	}
	return a.StartSignIn(ctx, scopes)
}

// Session returns the stored session with the given id, or the first stored
// session when id is empty.
func (a *Authenticator) Session(ctx context.Context, id string) (*session.Record, error) {
	if id == "" {
		return a.GetSession(ctx, nil, false)
	}

	rec, ok, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	return rec, nil
}

// RemoveSession deletes a stored session. Removing an unknown id reports
// false.
func (a *Authenticator) RemoveSession(ctx context.Context, id string) (bool, error) {
	return a.store.Remove(ctx, id)
}

// Subscribe registers a session change subscriber. See session.Feed.
func (a *Authenticator) Subscribe(buffer int) (<-chan session.ChangeEvent, func()) {
	return a.store.Subscribe(buffer)
}

// Profile fetches a fresh profile for a stored session. An empty id selects
// the first stored session.
func (a *Authenticator) Profile(ctx context.Context, sessionID string) (*oauth.Profile, error) {
	rec, err := a.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return a.provider.FetchProfile(ctx, rec.AccessToken)
}

// Close cancels every in-flight sign-in. Sign-ins started afterwards fail
// with ErrSignInCancelled.
func (a *Authenticator) Close() {
	a.registry.Close()
}
