package authenticator

import (
	"errors"
	"fmt"
)

var (
	// ErrSignInCancelled is returned by StartSignIn when the attempt was
	// cancelled before a redirect arrived.
	ErrSignInCancelled = errors.New("sign-in cancelled")

	// ErrSignInTimeout is returned by StartSignIn when no redirect arrived
	// within the sign-in timeout.
	ErrSignInTimeout = errors.New("sign-in timed out")

	// ErrMalformedCallback is returned by DeliverRedirect when the redirect
	// lacks a code or state.
	ErrMalformedCallback = errors.New("malformed callback: missing code or state")

	// ErrInvalidAttempt is returned by DeliverRedirect when the state does
	// not match a pending attempt. It is always joined with
	// pending.ErrUnknownState.
	ErrInvalidAttempt = errors.New("invalid or expired sign-in attempt")

	// ErrNoSession is returned when no stored session matches a request.
	ErrNoSession = errors.New("no matching session")
)

// LaunchError reports that the authorization URL could not be opened.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch authorization URL: %v", e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// AuthorizationError is an error redirect from the authorization server,
// for example a user denying consent.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization failed: %s", e.Code)
}
