// Package session persists authenticated Winter account sessions in secret
// storage and publishes changes to subscribers.
package session

import (
	"github.com/google/uuid"
)

// Account identifies the signed-in user.
type Account struct {
	// Label is the display name shown by the host
	Label string `json:"label"`

	// ID is the stable account identifier from the profile endpoint
	ID string `json:"id"`
}

// Profile is the user profile cached when the session was created.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

// Record represents one authenticated identity.
// The JSON layout is the one stored under the "winter.sessions" secret.
type Record struct {
	// ID is a generated UUID, immutable for the lifetime of the record
	ID string `json:"id"`

	Account Account `json:"account"`

	// Scopes are the granted permissions in the order they were requested
	Scopes []string `json:"scopes"`

	// AccessToken is the bearer credential; treat as secret
	AccessToken string `json:"accessToken"`

	Profile Profile `json:"userInfo"`
}

// NewRecord assembles a record for a freshly signed-in profile.
func NewRecord(profile Profile, scopes []string, accessToken string) *Record {
	s := make([]string, len(scopes))
	copy(s, scopes)

	return &Record{
		ID: uuid.NewString(),
		Account: Account{
			Label: profile.Name,
			ID:    profile.ID,
		},
		Scopes:      s,
		AccessToken: accessToken,
		Profile:     profile,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.Scopes != nil {
		c.Scopes = make([]string, len(r.Scopes))
		copy(c.Scopes, r.Scopes)
	}
	return &c
}

// Equal reports whether r and o match in every field. Scopes are compared
// as sets.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID &&
		r.Account == o.Account &&
		r.AccessToken == o.AccessToken &&
		r.Profile == o.Profile &&
		len(r.Scopes) == len(o.Scopes) &&
		MatchesScopes(r, o.Scopes)
}

// MatchesScopes reports whether every requested scope was granted to r.
// Order is irrelevant and an empty request matches any record.
func MatchesScopes(r *Record, requested []string) bool {
	if len(requested) == 0 {
		return true
	}

	granted := make(map[string]bool, len(r.Scopes))
	for _, s := range r.Scopes {
		granted[s] = true
	}
	for _, s := range requested {
		if !granted[s] {
			return false
		}
	}
	return true
}

// ChangeEvent is one batch on the session change feed.
type ChangeEvent struct {
	Added   []Record `json:"added"`
	Removed []Record `json:"removed"`
	Changed []Record `json:"changed"`
}

// Empty reports whether the event carries no changes.
func (e ChangeEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Removed) == 0 && len(e.Changed) == 0
}
