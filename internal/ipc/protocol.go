package ipc

import (
	"fmt"
	"time"
)

// Command names an operation requested from the daemon
type Command string

const (
	// CommandSignIn starts a sign-in and waits for it to finish
	CommandSignIn Command = "sign_in"
	// CommandRedirect delivers an authorization redirect URL
	CommandRedirect Command = "redirect"
	// CommandCancel cancels a pending sign-in by state
	CommandCancel Command = "cancel"
	// CommandPending lists sign-ins waiting for a redirect
	CommandPending Command = "pending"
	// CommandSessions lists stored sessions matching scopes
	CommandSessions Command = "sessions"
	// CommandSession returns one session matching scopes, optionally signing in
	CommandSession Command = "session"
	// CommandRemoveSession deletes a stored session
	CommandRemoveSession Command = "remove_session"
	// CommandProfile fetches a fresh profile for a session
	CommandProfile Command = "profile"
	// CommandCredits fetches the credit balance for a session
	CommandCredits Command = "credits"
	// CommandChat sends a chat message for a session
	CommandChat Command = "chat"
	// CommandStatus reports daemon status
	CommandStatus Command = "status"
)

// Request is sent from a client (CLI, URL handler) to the daemon.
// Only the fields relevant to Command are set.
type Request struct {
	Command      Command  `json:"command"`
	Scopes       []string `json:"scopes,omitempty"`
	URL          string   `json:"url,omitempty"`
	State        string   `json:"state,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	CreateIfNone bool     `json:"create_if_none,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Response is sent from the daemon back to the client
type Response struct {
	Status    string `json:"status"` // "ok" or "error"
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	Session  *SessionInfo   `json:"session,omitempty"`
	Sessions []SessionInfo  `json:"sessions,omitempty"`
	Pending  []PendingInfo  `json:"pending,omitempty"`
	Profile  *ProfileInfo   `json:"profile,omitempty"`
	Credits  map[string]any `json:"credits,omitempty"`
	Reply    string         `json:"reply,omitempty"`
	Removed  bool           `json:"removed,omitempty"`
	Daemon   *DaemonStatus  `json:"daemon,omitempty"`
}

// SessionInfo describes a stored session. The access token never leaves
// the daemon.
type SessionInfo struct {
	ID           string   `json:"id"`
	AccountID    string   `json:"account_id"`
	AccountLabel string   `json:"account_label"`
	Email        string   `json:"email,omitempty"`
	Scopes       []string `json:"scopes"`
}

// PendingInfo describes a sign-in waiting for its redirect
type PendingInfo struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProfileInfo is the profile of a session's account
type ProfileInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// DaemonStatus summarizes the running daemon
type DaemonStatus struct {
	Version       string `json:"version"`
	Pending       int    `json:"pending"`
	Sessions      int    `json:"sessions"`
	AccountPolicy string `json:"account_policy"`
	Storage       string `json:"storage"`
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error kinds classify failed responses so clients can react without
// parsing messages
const (
	KindCancelled           = "cancelled"
	KindTimeout             = "timeout"
	KindInvalidAttempt      = "invalid_attempt"
	KindMalformedCallback   = "malformed_callback"
	KindLaunch              = "launch"
	KindTokenExchange       = "token_exchange"
	KindProfileFetch        = "profile_fetch"
	KindAuthorizationDenied = "authorization_denied"
	KindNoSession           = "no_session"
	KindBadRequest          = "bad_request"
	KindUpstream            = "upstream"
	KindInternal            = "internal"
)

// RemoteError is a failed response surfaced as a Go error
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// OK creates a successful response
func OK() *Response {
	return &Response{Status: StatusOK}
}

// Failure creates an error response
func Failure(kind, msg string) *Response {
	return &Response{Status: StatusError, ErrorKind: kind, Error: msg}
}

// Err returns the response's failure as *RemoteError, or nil on success
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "daemon returned status " + r.Status
	}
	return &RemoteError{Kind: r.ErrorKind, Message: msg}
}
