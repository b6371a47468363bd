package oauth

import "fmt"

// TokenExchangeError reports a failed authorization-code exchange.
// StatusCode is zero when no HTTP response was received.
type TokenExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token exchange failed: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// ProfileFetchError reports a failed userinfo request.
type ProfileFetchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ProfileFetchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("profile fetch failed: status %d: %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("profile fetch failed: %v", e.Err)
	default:
		return fmt.Sprintf("profile fetch failed: status %d: %s", e.StatusCode, e.Body)
	}
}

func (e *ProfileFetchError) Unwrap() error {
	return e.Err
}
