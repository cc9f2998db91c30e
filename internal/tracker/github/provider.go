package github

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/codeswell/epicsync/internal/config"
	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/tracker"
)

// init registers the GitHub provider with the selector.
func init() {
	tracker.Register("github", func(cfg *config.Config, logger tracker.Logger) (tracker.Provider, error) {
		return New(cfg, logger)
	})
}

// kindLabels is the field-mapping table from node kind to the type label
// attached to the issue. Data, not control flow: changing how kinds map
// to GitHub is an edit here, not in the sync logic.
var kindLabels = map[hierarchy.Kind]string{
	hierarchy.KindEpic:  "epic",
	hierarchy.KindStory: "story",
	hierarchy.KindTask:  "task",
}

// Body section markers. parseBody depends on renderBody emitting exactly
// these, so remote fingerprints stay comparable with local ones.
const (
	acceptanceHeading = "## Acceptance Criteria"
	partOfPrefix      = "Part of #"
)

// Provider translates engine operations into GitHub Issues calls.
type Provider struct {
	client *Client
	owner  string
	repo   string
	logger tracker.Logger
}

// New creates the GitHub provider from project configuration. The token
// comes from EPICSYNC_GITHUB_TOKEN (or GITHUB_TOKEN).
func New(cfg *config.Config, logger tracker.Logger) (*Provider, error) {
	token := cfg.GitHubToken()
	if token == "" {
		return nil, fmt.Errorf("%w: %s is not set", tracker.ErrAuth, config.EnvGitHubToken)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[github] ", log.LstdFlags)
	}
	return &Provider{
		client: NewClient(cfg.GitHub.BaseURL, token),
		owner:  cfg.GitHub.Owner,
		repo:   cfg.GitHub.Repo,
		logger: logger,
	}, nil
}

// Name implements tracker.Provider.
func (p *Provider) Name() string {
	return "github"
}

// CreateItem implements tracker.Provider. The parent back-reference is
// folded into the issue body, so a successful create already carries the
// hierarchy link.
func (p *Provider) CreateItem(ctx context.Context, node *hierarchy.Node, parent tracker.WorkItemRef) (tracker.WorkItemRef, error) {
	body := renderBody(node.Body, node.Acceptance, parent)
	labels := issueLabels(node)

	issue, err := p.client.CreateIssue(ctx, p.owner, p.repo, node.Title, body, labels)
	if err != nil {
		return tracker.WorkItemRef{}, err
	}

	p.logger.Printf("created issue #%d for %s", issue.Number, node.LocalID)
	return tracker.WorkItemRef{
		Provider: "github",
		RemoteID: strconv.Itoa(issue.Number),
		URL:      issue.HTMLURL,
		ItemType: kindLabels[node.Kind],
	}, nil
}

// UpdateItem implements tracker.Provider.
func (p *Provider) UpdateItem(ctx context.Context, ref tracker.WorkItemRef, fields tracker.Fields) error {
	number, err := issueNumber(ref)
	if err != nil {
		return err
	}

	// Preserve the existing parent back-reference: the update payload
	// carries content fields only, not hierarchy.
	current, err := p.client.GetIssue(ctx, p.owner, p.repo, number)
	if err != nil {
		return err
	}
	_, _, parentNum := parseBody(current.Body)

	parent := tracker.WorkItemRef{}
	if parentNum > 0 {
		parent.RemoteID = strconv.Itoa(parentNum)
	}
	body := renderBody(fields.Body, fields.Acceptance, parent)

	labels := append([]string{}, fields.Labels...)
	if ref.ItemType != "" {
		labels = append(labels, ref.ItemType)
	}

	if err := p.client.UpdateIssue(ctx, p.owner, p.repo, number, &fields.Title, &body, &labels); err != nil {
		return err
	}
	p.logger.Printf("updated issue #%d", number)
	return nil
}

// GetItem implements tracker.Provider. The remote fingerprint is computed
// over the same fields as the local one, with the rendered body parsed
// back into body text and acceptance criteria.
func (p *Provider) GetItem(ctx context.Context, ref tracker.WorkItemRef) (tracker.RemoteItem, error) {
	number, err := issueNumber(ref)
	if err != nil {
		return tracker.RemoteItem{}, err
	}

	issue, err := p.client.GetIssue(ctx, p.owner, p.repo, number)
	if err != nil {
		return tracker.RemoteItem{}, err
	}

	body, acceptance, _ := parseBody(issue.Body)
	labels := contentLabels(issue.Labels)
	kind := kindFromItemType(ref.ItemType)

	return tracker.RemoteItem{
		Ref:         ref,
		Title:       issue.Title,
		Body:        body,
		Labels:      labels,
		Fingerprint: hierarchy.FingerprintFields(kind, issue.Title, body, acceptance, labels),
	}, nil
}

// LinkParentChild implements tracker.Provider. Normally a no-op because
// CreateItem already embedded the back-reference; it patches the body
// for children created before their parent's ref was known.
func (p *Provider) LinkParentChild(ctx context.Context, parent, child tracker.WorkItemRef) error {
	number, err := issueNumber(child)
	if err != nil {
		return err
	}

	issue, err := p.client.GetIssue(ctx, p.owner, p.repo, number)
	if err != nil {
		return err
	}
	if _, _, existing := parseBody(issue.Body); existing > 0 {
		return nil
	}

	body, acceptance, _ := parseBody(issue.Body)
	patched := renderBody(body, acceptance, parent)
	return p.client.UpdateIssue(ctx, p.owner, p.repo, number, nil, &patched, nil)
}

// issueLabels combines the node's own labels with its kind label.
func issueLabels(node *hierarchy.Node) []string {
	labels := append([]string{}, node.Labels...)
	labels = append(labels, kindLabels[node.Kind])
	return labels
}

// contentLabels strips kind labels from a remote label set and sorts the
// rest, mirroring what issueLabels added.
func contentLabels(remote []Label) []string {
	kinds := make(map[string]bool, len(kindLabels))
	for _, l := range kindLabels {
		kinds[l] = true
	}
	var out []string
	for _, l := range remote {
		if !kinds[l.Name] {
			out = append(out, l.Name)
		}
	}
	sort.Strings(out)
	return out
}

// kindFromItemType reverses the kindLabels table; unknown types fall back
// to the raw item type string.
func kindFromItemType(itemType string) string {
	for k, label := range kindLabels {
		if label == itemType {
			return string(k)
		}
	}
	return itemType
}

// renderBody assembles the issue body: body text, an acceptance-criteria
// checklist, and the parent back-reference.
func renderBody(body string, acceptance []string, parent tracker.WorkItemRef) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))

	if len(acceptance) > 0 {
		b.WriteString("\n\n")
		b.WriteString(acceptanceHeading)
		b.WriteString("\n")
		for _, a := range acceptance {
			b.WriteString("- [ ] ")
			b.WriteString(a)
			b.WriteString("\n")
		}
	}

	if !parent.IsZero() {
		b.WriteString("\n")
		b.WriteString(partOfPrefix)
		b.WriteString(parent.RemoteID)
		b.WriteString("\n")
	}
	return b.String()
}

// parseBody is the inverse of renderBody: it splits an issue body back
// into body text, acceptance criteria, and the parent issue number
// (0 when no back-reference is present).
func parseBody(full string) (body string, acceptance []string, parent int) {
	lines := strings.Split(full, "\n")

	var bodyLines []string
	inAcceptance := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == acceptanceHeading:
			inAcceptance = true
		case strings.HasPrefix(trimmed, partOfPrefix):
			if n, err := strconv.Atoi(strings.TrimPrefix(trimmed, partOfPrefix)); err == nil {
				parent = n
			}
			inAcceptance = false
		case inAcceptance && (strings.HasPrefix(trimmed, "- [ ] ") || strings.HasPrefix(trimmed, "- [x] ")):
			acceptance = append(acceptance, trimmed[len("- [ ] "):])
		case inAcceptance && trimmed == "":
			// blank lines inside the checklist are ignored
		default:
			inAcceptance = false
			bodyLines = append(bodyLines, line)
		}
	}

	body = strings.TrimRight(strings.Join(bodyLines, "\n"), "\n")
	return body, acceptance, parent
}

func issueNumber(ref tracker.WorkItemRef) (int, error) {
	n, err := strconv.Atoi(ref.RemoteID)
	if err != nil {
		return 0, &tracker.PermanentError{Err: fmt.Errorf("invalid github issue number %q", ref.RemoteID)}
	}
	return n, nil
}
