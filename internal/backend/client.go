// Package backend calls the Winter API on behalf of a signed-in session:
// the credit balance and streamed chat completions.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	creditsPath = "/api/chat/credits/balance"
	chatPath    = "/api/chat/completions"

	// DefaultModel is the chat model used when none is configured.
	DefaultModel = "deepseek-chat"

	maxErrorBody = 4096
)

// APIError reports a non-2xx response from the Winter API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("winter api returned status %d: %s", e.StatusCode, e.Body)
}

// Client is a Winter API client. Every call authenticates with the access
// token of the session it is made for.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient selects one with
// a 70 second timeout, long enough for a streamed completion.
func NewClient(baseURL, model string, httpClient *http.Client) *Client {
	if model == "" {
		model = DefaultModel
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 70 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

// Model returns the chat model requests are sent with.
func (c *Client) Model() string {
	return c.model
}

// bearer returns an HTTP client that attaches accessToken to every request.
func (c *Client) bearer(ctx context.Context, accessToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = c.httpClient.Timeout
	return client
}

// Credits returns the credit balance document for the session. The document
// is passed through unchanged.
func (c *Client) Credits(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+creditsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.bearer(ctx, accessToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("credits request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var balance map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&balance); err != nil {
		return nil, fmt.Errorf("failed to parse credits response: %w", err)
	}
	return balance, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatChunk covers both the Winter chunk shape ({"content": …}) and the
// OpenAI-compatible one ({"choices":[{"delta":{"content": …}}]}).
type chatChunk struct {
	Content string `json:"content"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c chatChunk) text() string {
	if c.Content != "" {
		return c.Content
	}
	var b strings.Builder
	for _, ch := range c.Choices {
		b.WriteString(ch.Delta.Content)
	}
	return b.String()
}

// Chat sends message as a single user turn and streams the reply. onDelta,
// if non-nil, is called with each content fragment as it arrives. The full
// reply is returned once the stream ends.
func (c *Client) Chat(ctx context.Context, accessToken, message string, onDelta func(string)) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: message}},
		Stream:   true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.bearer(ctx, accessToken).Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	return readStream(resp.Body, onDelta)
}

// readStream accumulates the content of an SSE stream until [DONE] or EOF.
// Lines that are not data lines or do not decode are skipped.
func readStream(r io.Reader, onDelta func(string)) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var full strings.Builder
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			skipped++
			continue
		}

		if text := chunk.text(); text != "" {
			full.WriteString(text)
			if onDelta != nil {
				onDelta(text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("failed to read chat stream: %w", err)
	}

	if skipped > 0 {
		slog.Debug("skipped undecodable chat stream lines", "count", skipped)
	}
	return full.String(), nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
