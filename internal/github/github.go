package github

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"
)

// PR is the subset of pull-request fields the handlers read.
type PR struct {
	Number  int
	Title   string
	Body    string
	HTMLURL string
	State   string
}

// Review represents a submitted pull-request review.
type Review struct {
	ID    int64
	State string
	User  string
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh *gh.Client
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL string
	app     *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, the token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a new GitHub API client. When WithAppAuth is provided, the
// client authenticates as a GitHub App installation; otherwise it uses the
// given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		ec, err := client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base URL %s: %w", cfg.baseURL, err)
		}
		client = ec
	}

	return &Client{gh: client}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses the Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused; the signer overrides the issuer claim
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}

	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// LatestReleaseTag returns the tag name of the repository's latest release.
func (c *Client) LatestReleaseTag(ctx context.Context, owner, repo string) (string, error) {
	release, _, err := c.gh.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("fetching latest release of %s/%s: %w", owner, repo, err)
	}
	return release.GetTagName(), nil
}

// FetchPR fetches a single pull request by number.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, number int) (PR, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return PR{}, fmt.Errorf("fetching pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return PR{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		HTMLURL: pr.GetHTMLURL(),
		State:   pr.GetState(),
	}, nil
}

// UpdatePRBody replaces the body of a pull request.
func (c *Client) UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.gh.PullRequests.Edit(ctx, owner, repo, number, &gh.PullRequest{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("updating pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// ListReviews returns all reviews on the given pull request.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	var all []Review
	opts := &gh.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reviews of %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, r := range reviews {
			all = append(all, Review{
				ID:    r.GetID(),
				State: r.GetState(),
				User:  r.GetUser().GetLogin(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// FileContent fetches the decoded content of a file in a repository.
func (c *Client) FileContent(ctx context.Context, owner, repo, path string) ([]byte, error) {
	file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s from %s/%s: %w", path, owner, repo, err)
	}
	if file == nil {
		return nil, fmt.Errorf("fetching %s from %s/%s: not a file", path, owner, repo)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s from %s/%s: %w", path, owner, repo, err)
	}
	return []byte(content), nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
