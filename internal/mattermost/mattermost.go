package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrChannelNotFound is returned when a channel lookup yields no channel.
var ErrChannelNotFound = errors.New("channel not found")

// Channel is a Mattermost channel.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Post is a message posted to a channel.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
}

// Client is a minimal Mattermost v4 REST client covering channel lookup and
// post creation.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new Mattermost client for the given server URL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// ChannelByName looks up a channel by name within a team.
func (c *Client) ChannelByName(ctx context.Context, teamID, name string) (Channel, error) {
	path := fmt.Sprintf("/api/v4/teams/%s/channels/name/%s", url.PathEscape(teamID), url.PathEscape(name))
	var ch Channel
	if err := c.do(ctx, http.MethodGet, path, nil, &ch); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
			return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
		}
		return Channel{}, fmt.Errorf("looking up channel %s: %w", name, err)
	}
	if ch.ID == "" {
		return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	return ch, nil
}

// CreatePost posts a message to a channel.
func (c *Client) CreatePost(ctx context.Context, channelID, message string) (Post, error) {
	body := map[string]any{"channel_id": channelID, "message": message}
	var post Post
	if err := c.do(ctx, http.MethodPost, "/api/v4/posts", body, &post); err != nil {
		return Post{}, fmt.Errorf("creating post in channel %s: %w", channelID, err)
	}
	return post, nil
}

// apiError carries the HTTP status of a failed Mattermost call.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("mattermost API returned HTTP %d: %s", e.status, e.message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
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
		var mmErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &mmErr)
		return &apiError{status: resp.StatusCode, message: mmErr.Message}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
