// Package github implements capability.ReleaseManager on the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/petrijr/shipit/pkg/capability"
)

const (
	DefaultBaseURL = "https://api.github.com"
	APIVersion     = "2022-11-28"

	providerName = "github"
)

// Client is a minimal GitHub releases client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ capability.ReleaseManager = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root, e.g. a GitHub
// Enterprise server or a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client authenticating with token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createReleaseRequest struct {
	TagName         string `json:"tag_name"`
	TargetCommitish string `json:"target_commitish,omitempty"`
	Name            string `json:"name"`
	Draft           bool   `json:"draft"`
}

type updateReleaseRequest struct {
	Draft bool `json:"draft"`
}

func (c *Client) GetLatestRelease(ctx context.Context, owner, repo string) (*capability.Release, error) {
	var rel capability.Release
	if err := c.do(ctx, "getLatestRelease", http.MethodGet, releasesPath(owner, repo)+"/latest", nil, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (c *Client) CreateRelease(ctx context.Context, in capability.CreateReleaseInput) (*capability.Release, error) {
	body := createReleaseRequest{
		TagName:         in.TagName,
		TargetCommitish: in.Branch,
		Name:            in.ReleaseName,
		Draft:           in.IsDraft,
	}
	var rel capability.Release
	if err := c.do(ctx, "createRelease", http.MethodPost, releasesPath(in.Owner, in.Repo), body, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (c *Client) PublishRelease(ctx context.Context, owner, repo string, id int64) (*capability.Release, error) {
	path := releasesPath(owner, repo) + "/" + strconv.FormatInt(id, 10)
	var rel capability.Release
	if err := c.do(ctx, "publishRelease", http.MethodPatch, path, updateReleaseRequest{Draft: false}, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func releasesPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/releases"
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", APIVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &capability.ProviderError{Provider: providerName, Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &capability.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	c.logger.DebugContext(ctx, "github api call",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		cause := errors.New(msg)
		if resp.StatusCode == http.StatusNotFound {
			cause = fmt.Errorf("%w: %s", capability.ErrNotFound, msg)
		}
		return &capability.ProviderError{
			Provider:   providerName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  capability.RetryableStatus(resp.StatusCode),
			Err:        cause,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &capability.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}
