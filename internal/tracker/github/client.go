// Package github implements the tracker.Provider interface for GitHub
// Issues using the REST v3 API.
//
// Hierarchy is modeled the way GitHub users do it by hand: a child
// issue's body ends with a "Part of #<parent>" back-reference, so the
// link is folded into issue creation and LinkParentChild only patches
// the body for items created before their parent was known.
//
// The implementation registers itself with the tracker selector on
// import.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/codeswell/epicsync/internal/tracker"
)

// defaultBaseURL is the public GitHub API endpoint.
const defaultBaseURL = "https://api.github.com"

// Issue is the subset of the GitHub issue payload epicsync reads.
type Issue struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	HTMLURL string  `json:"html_url"`
	Labels  []Label `json:"labels"`
}

// Label is a GitHub issue label.
type Label struct {
	Name string `json:"name"`
}

// issueRequest is the create/update payload. Pointer fields are omitted
// when nil so PATCH requests only touch the fields being changed.
type issueRequest struct {
	Title  *string   `json:"title,omitempty"`
	Body   *string   `json:"body,omitempty"`
	Labels *[]string `json:"labels,omitempty"`
}

// Client performs raw HTTP calls against the GitHub Issues API.
//
// A client-side rate limiter keeps bursts under GitHub's secondary rate
// limits; retries on 429/5xx are the batch scheduler's job, not ours.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a GitHub API client. baseURL may be empty for the
// public endpoint. The token is sent as a bearer credential and must
// come from the environment, never from source or config files.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		// GitHub's secondary limits tolerate short bursts but punish
		// sustained concurrent writes; 5 req/s with a small burst
		// stays well inside them.
		limiter: rate.NewLimiter(rate.Limit(5), 2),
	}
}

// CreateIssue opens a new issue in owner/repo.
func (c *Client) CreateIssue(ctx context.Context, owner, repo string, title, body string, labels []string) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	req := issueRequest{Title: &title, Body: &body, Labels: &labels}

	var issue Issue
	if err := c.do(ctx, http.MethodPost, path, req, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetIssue fetches an issue's current state.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)

	var issue Issue
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateIssue patches an issue. Nil pointer fields are left untouched.
func (c *Client) UpdateIssue(ctx context.Context, owner, repo string, number int, title, body *string, labels *[]string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	req := issueRequest{Title: title, Body: body, Labels: labels}
	return c.do(ctx, http.MethodPatch, path, req, nil)
}

// do executes one API call: rate-limit wait, request, status
// classification, response decode.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &tracker.TransientError{Err: fmt.Errorf("github request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("github %s %s: %s", method, path, bytes.TrimSpace(data))
		return tracker.ClassifyStatus(resp.StatusCode, retryAfter(resp), apiErr)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode github response: %w", err)
		}
	}
	return nil
}

// retryAfter parses the Retry-After header, returning 0 when absent or
// malformed.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
