package authenticator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/winter-ide/winter-auth/internal/browser"
	"github.com/winter-ide/winter-auth/internal/config"
	"github.com/winter-ide/winter-auth/internal/oauth"
	"github.com/winter-ide/winter-auth/internal/pending"
	"github.com/winter-ide/winter-auth/internal/secrets"
	"github.com/winter-ide/winter-auth/internal/session"
)

const redirectURI = "winter://winter.winter-authentication/callback"

type fixtureOptions struct {
	timeout     time.Duration
	policy      string
	launchErr   error
	tokenStatus int
	userStatus  int
}

type fixture struct {
	auth     *Authenticator
	store    *session.Store
	launched chan string

	mu         sync.Mutex
	tokenCalls int
}

// newFixture wires an Authenticator to an httptest authorization server.
// Code "ABC" exchanges to token "T1" owned by account 42 (Ada); any other
// code C exchanges to token "T-C" owned by account C.
func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	f := &fixture{launched: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()

		if opts.tokenStatus != 0 {
			w.WriteHeader(opts.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		token := "T-" + r.PostForm.Get("code")
		if r.PostForm.Get("code") == "ABC" {
			token = "T1"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": token, "token_type": "bearer"})
	})
	mux.HandleFunc("/api/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if opts.userStatus != 0 {
			w.WriteHeader(opts.userStatus)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		w.Header().Set("Content-Type", "application/json")
		if token == "T1" {
			_, _ = w.Write([]byte(`{"id":"42","nickname":"Ada","email":"a@x.com","avatar":"https://cdn/ada.png"}`))
			return
		}
		id := strings.TrimPrefix(token, "T-")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "nickname": "user-" + id})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	provider, err := oauth.NewClient(context.Background(), &config.OAuthConfig{
		AuthorizeURL: srv.URL + "/oauth/authorize",
		TokenURL:     srv.URL + "/oauth/token",
		UserInfoURL:  srv.URL + "/api/userinfo",
		ClientID:     "winter-vscode-extension",
		RedirectURI:  redirectURI,
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	launcher := browser.LauncherFunc(func(ctx context.Context, u string) error {
		if opts.launchErr != nil {
			return opts.launchErr
		}
		f.launched <- u
		return nil
	})

	f.store = session.NewStore(secrets.NewMemory(), session.StoreOptions{Policy: opts.policy})
	f.auth = New(provider, launcher, f.store, pending.NewRegistry(opts.timeout), Options{
		DefaultScopes: []string{"user:email"},
	})
	t.Cleanup(f.auth.Close)

	return f
}

func (f *fixture) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

type outcome struct {
	rec *session.Record
	err error
}

func (f *fixture) startSignIn(ctx context.Context, scopes []string) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		rec, err := f.auth.StartSignIn(ctx, scopes)
		done <- outcome{rec, err}
	}()
	return done
}

// launchedState waits for the authorization URL and returns it with its state.
func (f *fixture) launchedState(t *testing.T) (*url.URL, string) {
	t.Helper()
	select {
	case raw := <-f.launched:
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("invalid authorization URL: %v", err)
		}
		return u, u.Query().Get("state")
	case <-time.After(2 * time.Second):
		t.Fatal("browser was never launched")
		return nil, ""
	}
}

func wait(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("sign-in did not finish")
		return outcome{}
	}
}

func callback(code, state string) string {
	q := url.Values{}
	if code != "" {
		q.Set("code", code)
	}
	if state != "" {
		q.Set("state", state)
	}
	return redirectURI + "?" + q.Encode()
}

func expectNoEvent(t *testing.T, events <-chan session.ChangeEvent) {
	t.Helper()
	select {
	case e := <-events:
		t.Errorf("unexpected change event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignInScenarioA(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	events, unsubscribe := f.auth.Subscribe(4)
	defer unsubscribe()

	done := f.startSignIn(ctx, []string{"user:email"})
	authURL, state := f.launchedState(t)

	if got := authURL.Query().Get("scope"); got != "user:email" {
		t.Errorf("scope = %q", got)
	}
	if got := authURL.Query().Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q", got)
	}
	if f.auth.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", f.auth.PendingCount())
	}

	if err := f.auth.DeliverRedirect(ctx, callback("ABC", state)); err != nil {
		t.Fatalf("DeliverRedirect failed: %v", err)
	}

	o := wait(t, done)
	if o.err != nil {
		t.Fatalf("StartSignIn failed: %v", o.err)
	}
	if o.rec.Account.ID != "42" || o.rec.Account.Label != "Ada" || o.rec.AccessToken != "T1" {
		t.Errorf("record = %+v", o.rec)
	}
	if o.rec.Profile.Email != "a@x.com" {
		t.Errorf("profile = %+v", o.rec.Profile)
	}

	select {
	case e := <-events:
		if len(e.Added) != 1 || e.Added[0].ID != o.rec.ID {
			t.Errorf("event = %+v, want added %s", e, o.rec.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no added event")
	}

	stored, err := f.auth.Sessions(ctx, nil)
	if err != nil || len(stored) != 1 || !stored[0].Equal(o.rec) {
		t.Errorf("Sessions = %+v, %v", stored, err)
	}
	if f.auth.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after completion", f.auth.PendingCount())
	}
}

func TestSignInScenarioB(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	events, unsubscribe := f.auth.Subscribe(4)
	defer unsubscribe()

	done := f.startSignIn(ctx, nil)
	_, state := f.launchedState(t)

	err := f.auth.DeliverRedirect(ctx, callback("ABC", "never-issued"))
	if !errors.Is(err, ErrInvalidAttempt) || !errors.Is(err, pending.ErrUnknownState) {
		t.Fatalf("error = %v, want ErrInvalidAttempt and ErrUnknownState", err)
	}

	// the real attempt is untouched
	if f.auth.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", f.auth.PendingCount())
	}
	if err := f.auth.Cancel(state); err != nil {
		t.Fatal(err)
	}
	if o := wait(t, done); !errors.Is(o.err, ErrSignInCancelled) {
		t.Errorf("error = %v", o.err)
	}

	records, _ := f.store.List(ctx)
	if len(records) != 0 {
		t.Errorf("sessions created: %+v", records)
	}
	expectNoEvent(t, events)
	if calls := f.calls(); calls != 0 {
		t.Errorf("token endpoint called %d times", calls)
	}
}

func TestSignInScenarioC(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	events, unsubscribe := f.auth.Subscribe(4)
	defer unsubscribe()

	done := f.startSignIn(ctx, []string{"user:email"})
	_, state := f.launchedState(t)

	if err := f.auth.Cancel(state); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	o := wait(t, done)
	if !errors.Is(o.err, ErrSignInCancelled) {
		t.Fatalf("error = %v, want ErrSignInCancelled", o.err)
	}

	err := f.auth.DeliverRedirect(ctx, callback("ABC", state))
	if !errors.Is(err, pending.ErrUnknownState) {
		t.Errorf("late redirect error = %v, want ErrUnknownState", err)
	}
	if err := f.auth.Cancel(state); !errors.Is(err, pending.ErrUnknownState) {
		t.Errorf("second Cancel = %v, want ErrUnknownState", err)
	}
	expectNoEvent(t, events)
}

func TestSignInTimeout(t *testing.T) {
	f := newFixture(t, fixtureOptions{timeout: 50 * time.Millisecond})
	ctx := context.Background()

	done := f.startSignIn(ctx, nil)
	_, state := f.launchedState(t)

	o := wait(t, done)
	if !errors.Is(o.err, ErrSignInTimeout) {
		t.Fatalf("error = %v, want ErrSignInTimeout", o.err)
	}

	err := f.auth.DeliverRedirect(ctx, callback("ABC", state))
	if !errors.Is(err, ErrInvalidAttempt) {
		t.Errorf("redirect after timeout = %v, want ErrInvalidAttempt", err)
	}
}

func TestSignInLaunchError(t *testing.T) {
	f := newFixture(t, fixtureOptions{launchErr: errors.New("no display")})

	_, err := f.auth.StartSignIn(context.Background(), nil)

	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *LaunchError", err)
	}
	if f.auth.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after launch failure", f.auth.PendingCount())
	}
}

func TestSignInTokenExchangeError(t *testing.T) {
	f := newFixture(t, fixtureOptions{tokenStatus: http.StatusBadRequest})
	ctx := context.Background()

	events, unsubscribe := f.auth.Subscribe(4)
	defer unsubscribe()

	done := f.startSignIn(ctx, nil)
	_, state := f.launchedState(t)
	if err := f.auth.DeliverRedirect(ctx, callback("ABC", state)); err != nil {
		t.Fatal(err)
	}

	o := wait(t, done)
	var te *oauth.TokenExchangeError
	if !errors.As(o.err, &te) {
		t.Fatalf("error = %v, want *oauth.TokenExchangeError", o.err)
	}
	if te.StatusCode != http.StatusBadRequest || !strings.Contains(te.Body, "invalid_grant") {
		t.Errorf("TokenExchangeError = %+v", te)
	}

	if calls := f.calls(); calls != 1 {
		t.Errorf("token endpoint called %d times, want exactly 1", calls)
	}
	expectNoEvent(t, events)
}

func TestSignInProfileFetchError(t *testing.T) {
	f := newFixture(t, fixtureOptions{userStatus: http.StatusInternalServerError})
	ctx := context.Background()

	done := f.startSignIn(ctx, nil)
	_, state := f.launchedState(t)
	if err := f.auth.DeliverRedirect(ctx, callback("ABC", state)); err != nil {
		t.Fatal(err)
	}

	o := wait(t, done)
	var pe *oauth.ProfileFetchError
	if !errors.As(o.err, &pe) {
		t.Fatalf("error = %v, want *oauth.ProfileFetchError", o.err)
	}
	if pe.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", pe.StatusCode)
	}

	records, _ := f.store.List(ctx)
	if len(records) != 0 {
		t.Errorf("sessions created: %+v", records)
	}
}

func TestSignInAuthorizationDenied(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	done := f.startSignIn(ctx, nil)
	_, state := f.launchedState(t)

	q := url.Values{"error": {"access_denied"}, "error_description": {"user said no"}, "state": {state}}
	err := f.auth.DeliverRedirect(ctx, redirectURI+"?"+q.Encode())

	var ae *AuthorizationError
	if !errors.As(err, &ae) || ae.Code != "access_denied" {
		t.Errorf("DeliverRedirect error = %v, want *AuthorizationError", err)
	}

	o := wait(t, done)
	if !errors.As(o.err, &ae) || ae.Description != "user said no" {
		t.Errorf("StartSignIn error = %v, want *AuthorizationError", o.err)
	}
}

func TestDeliverRedirectMalformed(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
	}{
		{name: "no query", url: redirectURI},
		{name: "missing state", url: callback("ABC", "")},
		{name: "missing code", url: callback("", "S1")},
		{name: "error without state", url: redirectURI + "?error=access_denied"},
		{name: "unparseable", url: "::not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.auth.DeliverRedirect(ctx, tt.url); !errors.Is(err, ErrMalformedCallback) {
				t.Errorf("error = %v, want ErrMalformedCallback", err)
			}
		})
	}
}

func TestSignInCallerContextCancelled(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	done := f.startSignIn(ctx, nil)
	_, state := f.launchedState(t)
	cancel()

	o := wait(t, done)
	if !errors.Is(o.err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", o.err)
	}
	if f.auth.PendingCount() != 0 {
		t.Errorf("abandoned attempt still pending")
	}
	if err := f.auth.DeliverRedirect(context.Background(), callback("ABC", state)); !errors.Is(err, ErrInvalidAttempt) {
		t.Errorf("redirect after abandon = %v", err)
	}
}

func TestConcurrentSignIns(t *testing.T) {
	f := newFixture(t, fixtureOptions{policy: config.PolicyAccumulate})
	ctx := context.Background()

	first := f.startSignIn(ctx, nil)
	_, s1 := f.launchedState(t)
	second := f.startSignIn(ctx, nil)
	_, s2 := f.launchedState(t)

	if s1 == s2 {
		t.Fatal("concurrent attempts share a state")
	}
	if len(f.auth.Pending()) != 2 {
		t.Fatalf("Pending = %+v", f.auth.Pending())
	}

	// resolve out of order
	if err := f.auth.DeliverRedirect(ctx, callback("2", s2)); err != nil {
		t.Fatal(err)
	}
	if err := f.auth.DeliverRedirect(ctx, callback("1", s1)); err != nil {
		t.Fatal(err)
	}

	o1, o2 := wait(t, first), wait(t, second)
	if o1.err != nil || o2.err != nil {
		t.Fatalf("errors: %v, %v", o1.err, o2.err)
	}
	if o1.rec.Account.ID != "1" || o2.rec.Account.ID != "2" {
		t.Errorf("accounts = %s, %s", o1.rec.Account.ID, o2.rec.Account.ID)
	}

	records, _ := f.store.List(ctx)
	if len(records) != 2 {
		t.Errorf("stored %d sessions, want 2", len(records))
	}
}

func TestGetSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	if _, err := f.auth.GetSession(ctx, nil, false); !errors.Is(err, ErrNoSession) {
		t.Fatalf("error = %v, want ErrNoSession", err)
	}

	rec := session.NewRecord(session.Profile{ID: "42", Name: "Ada"}, []string{"user:email", "chat"}, "T1")
	if err := f.store.Add(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := f.auth.GetSession(ctx, []string{"chat", "user:email"}, false)
	if err != nil || got.ID != rec.ID {
		t.Errorf("GetSession = %+v, %v", got, err)
	}

	if _, err := f.auth.GetSession(ctx, []string{"admin"}, false); !errors.Is(err, ErrNoSession) {
		t.Errorf("unmatched scopes error = %v", err)
	}

	got, err = f.auth.Session(ctx, "")
	if err != nil || got.ID != rec.ID {
		t.Errorf("Session(\"\") = %+v, %v", got, err)
	}
	if _, err := f.auth.Session(ctx, "missing"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Session(missing) error = %v", err)
	}
}

func TestGetSessionCreatesWhenMissing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	done := make(chan outcome, 1)
	go func() {
		rec, err := f.auth.GetSession(ctx, []string{"user:email"}, true)
		done <- outcome{rec, err}
	}()

	_, state := f.launchedState(t)
	if err := f.auth.DeliverRedirect(ctx, callback("ABC", state)); err != nil {
		t.Fatal(err)
	}

	o := wait(t, done)
	if o.err != nil || o.rec.Account.ID != "42" {
		t.Errorf("GetSession = %+v, %v", o.rec, o.err)
	}
}

func TestRemoveSessionAndProfile(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	rec := session.NewRecord(session.Profile{ID: "42", Name: "Ada"}, []string{"user:email"}, "T1")
	if err := f.store.Add(ctx, rec); err != nil {
		t.Fatal(err)
	}

	p, err := f.auth.Profile(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if p.Name != "Ada" || p.Email != "a@x.com" {
		t.Errorf("profile = %+v", p)
	}

	removed, err := f.auth.RemoveSession(ctx, rec.ID)
	if err != nil || !removed {
		t.Fatalf("RemoveSession = %v, %v", removed, err)
	}
	removed, err = f.auth.RemoveSession(ctx, rec.ID)
	if err != nil || removed {
		t.Errorf("second RemoveSession = %v, %v", removed, err)
	}

	if _, err := f.auth.Profile(ctx, rec.ID); !errors.Is(err, ErrNoSession) {
		t.Errorf("Profile after remove = %v", err)
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	done := f.startSignIn(context.Background(), nil)
	f.launchedState(t)

	f.auth.Close()

	if o := wait(t, done); !errors.Is(o.err, ErrSignInCancelled) {
		t.Errorf("error = %v, want ErrSignInCancelled", o.err)
	}
	if _, err := f.auth.StartSignIn(context.Background(), nil); !errors.Is(err, ErrSignInCancelled) {
		t.Errorf("StartSignIn after Close = %v", err)
	}
}
