package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/codeswell/epicsync/internal/config"
	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/tracker"
)

func testNode() *hierarchy.Node {
	return &hierarchy.Node{
		LocalID:    "01-login/01-form",
		Kind:       hierarchy.KindTask,
		Title:      "Login form",
		Body:       "Build the form.\n",
		Acceptance: []string{"renders email field", "rejects bad input"},
		Labels:     []string{"auth", "frontend"},
	}
}

func testProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	t.Setenv(config.EnvGitHubToken, "test-token")
	cfg := &config.Config{
		Provider: "github",
		GitHub:   config.GitHub{Owner: "acme", Repo: "webapp", BaseURL: server.URL},
	}
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p
}

// TestRenderBody_ParseBody_RoundTrip verifies that a rendered issue body
// parses back into the exact fields it was built from.
func TestRenderBody_ParseBody_RoundTrip(t *testing.T) {
	node := testNode()
	parent := tracker.WorkItemRef{RemoteID: "42"}

	rendered := renderBody(node.Body, node.Acceptance, parent)
	body, acceptance, parentNum := parseBody(rendered)

	if body != strings.TrimRight(node.Body, "\n") {
		t.Errorf("body = %q", body)
	}
	if !reflect.DeepEqual(acceptance, node.Acceptance) {
		t.Errorf("acceptance = %v, want %v", acceptance, node.Acceptance)
	}
	if parentNum != 42 {
		t.Errorf("parent = %d, want 42", parentNum)
	}
}

// TestParseBody_CheckedItems verifies that ticked checklist entries
// still count as acceptance criteria.
func TestParseBody_CheckedItems(t *testing.T) {
	body := "Text.\n\n## Acceptance Criteria\n- [x] done already\n- [ ] still open\n"
	_, acceptance, _ := parseBody(body)
	want := []string{"done already", "still open"}
	if !reflect.DeepEqual(acceptance, want) {
		t.Errorf("acceptance = %v, want %v", acceptance, want)
	}
}

// TestCreateItem_FoldsParentRef verifies that the create payload carries
// the kind label and the parent back-reference in the body.
func TestCreateItem_FoldsParentRef(t *testing.T) {
	var got issueRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/webapp/issues" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload failed: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{Number: 101, HTMLURL: "https://github.com/acme/webapp/issues/101"})
	})

	p := testProvider(t, handler)
	node := testNode()
	parent := tracker.WorkItemRef{Provider: "github", RemoteID: "42"}

	ref, err := p.CreateItem(context.Background(), node, parent)
	if err != nil {
		t.Fatalf("CreateItem() failed: %v", err)
	}

	if ref.RemoteID != "101" || ref.ItemType != "task" {
		t.Errorf("ref = %+v", ref)
	}
	if got.Title == nil || *got.Title != "Login form" {
		t.Errorf("payload title = %v", got.Title)
	}
	if got.Body == nil || !strings.Contains(*got.Body, "Part of #42") {
		t.Errorf("payload body missing parent back-reference: %v", got.Body)
	}
	if got.Labels == nil || !reflect.DeepEqual(*got.Labels, []string{"auth", "frontend", "task"}) {
		t.Errorf("payload labels = %v", got.Labels)
	}
}

// TestGetItem_FingerprintParity verifies the core idempotency property:
// an issue rendered from a node fingerprints identically to the node.
func TestGetItem_FingerprintParity(t *testing.T) {
	node := testNode()
	issue := Issue{
		Number: 101,
		Title:  node.Title,
		Body:   renderBody(node.Body, node.Acceptance, tracker.WorkItemRef{RemoteID: "42"}),
		Labels: []Label{{Name: "task"}, {Name: "frontend"}, {Name: "auth"}},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/webapp/issues/101" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(issue)
	})

	p := testProvider(t, handler)
	item, err := p.GetItem(context.Background(), tracker.WorkItemRef{RemoteID: "101", ItemType: "task"})
	if err != nil {
		t.Fatalf("GetItem() failed: %v", err)
	}

	if item.Fingerprint != node.Fingerprint() {
		t.Errorf("remote fingerprint %q differs from local %q", item.Fingerprint, node.Fingerprint())
	}
	if !reflect.DeepEqual(item.Labels, []string{"auth", "frontend"}) {
		t.Errorf("labels = %v (kind label must be stripped)", item.Labels)
	}
}

// TestCreateItem_RateLimited verifies that a 429 classifies as transient
// and carries the Retry-After hint.
func TestCreateItem_RateLimited(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	p := testProvider(t, handler)
	_, err := p.CreateItem(context.Background(), testNode(), tracker.WorkItemRef{})

	var te *tracker.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want transient", err)
	}
	if te.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %s, want 7s", te.RetryAfter)
	}
}

// TestCreateItem_Validation verifies that a 422 classifies as permanent
// and is not an auth failure.
func TestCreateItem_Validation(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Validation Failed"}`, http.StatusUnprocessableEntity)
	})

	p := testProvider(t, handler)
	_, err := p.CreateItem(context.Background(), testNode(), tracker.WorkItemRef{})
	if !tracker.IsPermanent(err) {
		t.Fatalf("error = %v, want permanent", err)
	}
	if tracker.IsAuth(err) {
		t.Error("validation failure classified as auth")
	}
}

// TestUpdateItem_PreservesParentRef verifies that updates re-render the
// body with the existing back-reference intact.
func TestUpdateItem_PreservesParentRef(t *testing.T) {
	current := Issue{
		Number: 101,
		Title:  "Login form",
		Body:   renderBody("Old body.", nil, tracker.WorkItemRef{RemoteID: "42"}),
	}
	var patched issueRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(current)
		case http.MethodPatch:
			if err := json.NewDecoder(r.Body).Decode(&patched); err != nil {
				t.Errorf("decoding patch failed: %v", err)
			}
			_ = json.NewEncoder(w).Encode(current)
		}
	})

	p := testProvider(t, handler)
	err := p.UpdateItem(context.Background(),
		tracker.WorkItemRef{RemoteID: "101", ItemType: "task"},
		tracker.Fields{Title: "Login form", Body: "New body.\n"})
	if err != nil {
		t.Fatalf("UpdateItem() failed: %v", err)
	}

	if patched.Body == nil || !strings.Contains(*patched.Body, "Part of #42") {
		t.Errorf("patched body lost the parent back-reference: %v", patched.Body)
	}
	if !strings.Contains(*patched.Body, "New body.") {
		t.Errorf("patched body = %q", *patched.Body)
	}
}
