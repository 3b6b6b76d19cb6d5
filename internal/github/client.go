// Package github is a minimal GitHub REST v3 client covering what
// delegation needs: listing issues, fetching single issues, labeling,
// and commenting.
package github

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
	"time"
)

var (
	// ErrRateLimited means GitHub throttled us; callers should back
	// off instead of retrying immediately.
	ErrRateLimited = errors.New("github rate limited")

	// ErrIssueNotFound means the issue does not exist in the repository.
	ErrIssueNotFound = errors.New("github issue not found")
)

const perPage = 100

// Issue is the subset of the GitHub issue payload delegation cares
// about. PullRequest is only used to filter PRs out of issue listings.
type Issue struct {
	Number      int      `json:"number"`
	Title       string   `json:"title"`
	HTMLURL     string   `json:"html_url"`
	State       string   `json:"state"`
	Labels      []Label  `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

type Label struct {
	Name string `json:"name"`
}

// IsPullRequest reports whether the item is a PR. The issues listing
// endpoint returns PRs too; they are never delegated.
func (i Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}

func (i Issue) LabelNames() []string {
	out := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		out = append(out, l.Name)
	}
	return out
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	if err := checkRateLimit(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// checkRateLimit turns GitHub's two throttling shapes into
// ErrRateLimited: a plain 429, or a 403 with the remaining quota at 0.
func checkRateLimit(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status 429", ErrRateLimited)
	}
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		reset := resp.Header.Get("X-RateLimit-Reset")
		return fmt.Errorf("%w: quota exhausted, resets at %s", ErrRateLimited, reset)
	}
	return nil
}

func decodeError(resp *http.Response, context string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: github returned %d: %s", context, resp.StatusCode, strings.TrimSpace(string(raw)))
}

// ListIssuesOptions narrows ListIssues. State defaults to "open".
type ListIssuesOptions struct {
	Labels []string
	State  string
}

// ListIssues pages through the repository's issues with the given
// labels and state. Pull requests are filtered out.
func (c *Client) ListIssues(ctx context.Context, owner, repo string, opts ListIssuesOptions) ([]Issue, error) {
	state := opts.State
	if state == "" {
		state = "open"
	}

	var out []Issue
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("state", state)
		q.Set("per_page", fmt.Sprint(perPage))
		q.Set("page", fmt.Sprint(page))
		if len(opts.Labels) > 0 {
			q.Set("labels", strings.Join(opts.Labels, ","))
		}
		path := fmt.Sprintf("/repos/%s/%s/issues?%s", owner, repo, q.Encode())

		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, decodeError(resp, "list issues")
		}

		var batch []Issue
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode issues page %d: %w", page, err)
		}

		for _, issue := range batch {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, issue)
		}
		if len(batch) < perPage {
			return out, nil
		}
	}
}

// GetIssue fetches a single issue by number. PRs surface as
// ErrIssueNotFound since they are not delegatable.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s/%s#%d", ErrIssueNotFound, owner, repo, number)
	default:
		return nil, decodeError(resp, "get issue")
	}

	var issue Issue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	if issue.IsPullRequest() {
		return nil, fmt.Errorf("%w: %s/%s#%d is a pull request", ErrIssueNotFound, owner, repo, number)
	}
	return &issue, nil
}

// AddLabels adds labels to an issue without removing existing ones.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
	resp, err := c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp, "add labels")
	}
	return nil
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	resp, err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return decodeError(resp, "add comment")
	}
	return nil
}

// SplitRepository splits "owner/repo" into its parts.
func SplitRepository(repository string) (owner, repo string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/repo, got %q", repository)
	}
	return parts[0], parts[1], nil
}
