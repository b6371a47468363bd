// Package oauth implements the client side of the Winter OAuth 2.0
// authorization-code flow with PKCE: authorization URLs, code exchange and
// profile lookup.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/winter-ide/winter-auth/internal/config"
)

// maxProfileBody bounds how much of a userinfo response is read.
const maxProfileBody = 1 << 20

// Profile is the user information returned by the userinfo endpoint.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

// Client talks to the authorization server on behalf of a public client.
type Client struct {
	oauth2Config *oauth2.Config
	userInfoURL  string
	httpClient   *http.Client
}

// NewClient creates a client from the OAuth configuration. When an issuer is
// configured, endpoints left blank are filled in from its discovery document.
// A nil httpClient selects a client with a 30 second timeout.
func NewClient(ctx context.Context, cfg *config.OAuthConfig, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.AuthorizeURL,
		TokenURL: cfg.TokenURL,
		// Public client: client_id travels in the form body, no secret
		AuthStyle: oauth2.AuthStyleInParams,
	}
	userInfoURL := cfg.UserInfoURL

	if cfg.Issuer != "" {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OAuth endpoints: %w", err)
		}

		discovered := provider.Endpoint()
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}
		if userInfoURL == "" {
			userInfoURL = provider.UserInfoEndpoint()
		}
	}

	if endpoint.AuthURL == "" || endpoint.TokenURL == "" || userInfoURL == "" {
		return nil, fmt.Errorf("authorization, token and userinfo endpoints must all be known")
	}

	return &Client{
		oauth2Config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Endpoint:    endpoint,
			Scopes:      cfg.Scopes,
		},
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
	}, nil
}

// AuthCodeURL builds the authorization URL for one sign-in attempt:
// client_id, redirect_uri, response_type=code, scope, state,
// code_challenge and code_challenge_method=S256.
func (c *Client) AuthCodeURL(state, challenge string, scopes []string) string {
	cfg := *c.oauth2Config
	cfg.Scopes = scopes

	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code and its PKCE verifier for an access
// token. Codes are single-use, so nothing is retried.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauth2Config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", &TokenExchangeError{
				StatusCode: re.Response.StatusCode,
				Body:       string(re.Body),
				Err:        err,
			}
		}
		return "", &TokenExchangeError{Err: err}
	}

	return token.AccessToken, nil
}

// userInfoResponse is the wire shape of the userinfo endpoint. The id may
// be a JSON string or number.
type userInfoResponse struct {
	ID       json.RawMessage `json:"id"`
	Nickname string          `json:"nickname"`
	Name     string          `json:"name"`
	Email    string          `json:"email"`
	Avatar   string          `json:"avatar"`
}

// FetchProfile loads the profile of the token's owner.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, &ProfileFetchError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProfileFetchError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBody))
	if err != nil {
		return nil, &ProfileFetchError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProfileFetchError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &ProfileFetchError{StatusCode: resp.StatusCode, Body: string(body), Err: err}
	}

	id, err := normalizeID(info.ID)
	if err != nil {
		return nil, &ProfileFetchError{StatusCode: resp.StatusCode, Body: string(body), Err: err}
	}

	name := info.Nickname
	if name == "" {
		name = info.Name
	}
	if name == "" {
		name = info.Email
	}

	return &Profile{
		ID:     id,
		Name:   name,
		Email:  info.Email,
		Avatar: info.Avatar,
	}, nil
}

// normalizeID renders a string or numeric JSON id as a string.
func normalizeID(raw json.RawMessage) (string, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "", errors.New("profile response has no id")
	}

	if strings.HasPrefix(s, `"`) {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("invalid profile id: %w", err)
		}
		if id == "" {
			return "", errors.New("profile response has an empty id")
		}
		return id, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid profile id: %w", err)
	}
	return n.String(), nil
}
