package asana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is a typed Asana API client over net/http. Every method issues a
// single request; transient failures surface as errors without retries.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
}

// New creates a new Asana client authenticated with a personal access token.
// Use WithBaseURL to override the API URL (useful for testing).
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		httpClient: http.DefaultClient,
		baseURL:    "https://app.asana.com/api/1.0",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// envelope is the {"data": ...} wrapper Asana uses on requests and responses.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// apiError is the error body Asana returns on non-2xx responses.
type apiError struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (e apiError) detail() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Message
	}
	return strings.Join(msgs, "; ")
}

// do issues one request. A non-nil in is wrapped in the data envelope; a
// non-nil out receives the unwrapped data payload.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(map[string]any{"data": in})
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && len(apiErr.Errors) > 0 {
			return fmt.Errorf("asana API returned HTTP %d: %s", resp.StatusCode, apiErr.detail())
		}
		return fmt.Errorf("asana API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	if out != nil {
		var env envelope
		if err := json.Unmarshal(respBody, &env); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
