// Package azure implements the tracker.Provider interface for Azure
// DevOps work items using the JSON-Patch work item API.
//
// Hierarchy is an explicit relation on Azure DevOps: a child work item
// gets a System.LinkTypes.Hierarchy-Reverse relation pointing at its
// parent, added by LinkParentChild as a separate call after creation.
//
// The implementation registers itself with the tracker selector on
// import.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/codeswell/epicsync/internal/tracker"
)

// defaultBaseURL is the Azure DevOps services endpoint.
const defaultBaseURL = "https://dev.azure.com"

// apiVersion pins the work item tracking API revision.
const apiVersion = "7.1"

// patchOp is one JSON-Patch operation.
type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// WorkItem is the subset of the Azure DevOps work item payload epicsync
// reads. Fields is the raw System.* field map.
type WorkItem struct {
	ID     int            `json:"id"`
	URL    string         `json:"url"`
	Fields map[string]any `json:"fields"`
	Links  struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"_links"`
}

// Client performs raw HTTP calls against the Azure DevOps work item API.
type Client struct {
	baseURL string
	org     string
	project string
	auth    string // precomputed Basic header value
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an Azure DevOps API client. The personal access
// token is sent Basic-encoded, per the Azure DevOps REST convention,
// and must come from the environment.
func NewClient(baseURL, org, project, pat string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		org:     org,
		project: project,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+pat)),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 2),
	}
}

// CreateWorkItem creates a work item of the given type ("Epic",
// "User Story", "Task") from JSON-Patch field operations.
func (c *Client) CreateWorkItem(ctx context.Context, itemType string, ops []patchOp) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/%s/_apis/wit/workitems/$%s?api-version=%s",
		url.PathEscape(c.org), url.PathEscape(c.project), url.PathEscape(itemType), apiVersion)

	var item WorkItem
	if err := c.do(ctx, http.MethodPost, path, ops, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateWorkItem applies JSON-Patch operations to an existing work item.
func (c *Client) UpdateWorkItem(ctx context.Context, id int, ops []patchOp) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/%s/_apis/wit/workitems/%d?api-version=%s",
		url.PathEscape(c.org), url.PathEscape(c.project), id, apiVersion)

	var item WorkItem
	if err := c.do(ctx, http.MethodPatch, path, ops, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetWorkItem fetches a work item's current fields.
func (c *Client) GetWorkItem(ctx context.Context, id int) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/%s/_apis/wit/workitems/%d?api-version=%s",
		url.PathEscape(c.org), url.PathEscape(c.project), id, apiVersion)

	var item WorkItem
	if err := c.do(ctx, http.MethodGet, path, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// do executes one API call. JSON-Patch payloads use the
// application/json-patch+json content type the work item API requires.
func (c *Client) do(ctx context.Context, method, path string, ops []patchOp, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	var body io.Reader
	if ops != nil {
		data, err := json.Marshal(ops)
		if err != nil {
			return fmt.Errorf("failed to encode patch document: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	if ops != nil {
		req.Header.Set("Content-Type", "application/json-patch+json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &tracker.TransientError{Err: fmt.Errorf("azure devops request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("azure devops %s %s: %s", method, path, bytes.TrimSpace(data))
		return tracker.ClassifyStatus(resp.StatusCode, retryAfter(resp), apiErr)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode azure devops response: %w", err)
		}
	}
	return nil
}

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
