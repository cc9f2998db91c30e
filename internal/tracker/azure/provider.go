package azure

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

// init registers the Azure DevOps provider with the selector.
func init() {
	tracker.Register("azure", func(cfg *config.Config, logger tracker.Logger) (tracker.Provider, error) {
		return New(cfg, logger)
	})
}

// itemTypes is the field-mapping table from node kind to the Azure
// DevOps work item type created for it.
var itemTypes = map[hierarchy.Kind]string{
	hierarchy.KindEpic:  "Epic",
	hierarchy.KindStory: "User Story",
	hierarchy.KindTask:  "Task",
}

// Work item field reference names used by the provider.
const (
	fieldTitle      = "/fields/System.Title"
	fieldDesc       = "/fields/System.Description"
	fieldTags       = "/fields/System.Tags"
	fieldAcceptance = "/fields/Microsoft.VSTS.Common.AcceptanceCriteria"

	hierarchyReverse = "System.LinkTypes.Hierarchy-Reverse"
)

// Provider translates engine operations into Azure DevOps work item
// calls.
type Provider struct {
	client *Client
	logger tracker.Logger
}

// New creates the Azure DevOps provider from project configuration. The
// PAT comes from EPICSYNC_AZURE_TOKEN (or AZURE_DEVOPS_PAT).
func New(cfg *config.Config, logger tracker.Logger) (*Provider, error) {
	token := cfg.AzureToken()
	if token == "" {
		return nil, fmt.Errorf("%w: %s is not set", tracker.ErrAuth, config.EnvAzureToken)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[azure] ", log.LstdFlags)
	}
	return &Provider{
		client: NewClient(cfg.Azure.BaseURL, cfg.Azure.Organization, cfg.Azure.Project, token),
		logger: logger,
	}, nil
}

// Name implements tracker.Provider.
func (p *Provider) Name() string {
	return "azure"
}

// CreateItem implements tracker.Provider. The parent relation is NOT
// part of the creation document; the scheduler follows up with
// LinkParentChild, which is a separate call on this backend.
func (p *Provider) CreateItem(ctx context.Context, node *hierarchy.Node, parent tracker.WorkItemRef) (tracker.WorkItemRef, error) {
	itemType, ok := itemTypes[node.Kind]
	if !ok {
		return tracker.WorkItemRef{}, &tracker.PermanentError{Err: fmt.Errorf("no work item type for kind %s", node.Kind)}
	}

	ops := fieldOps(tracker.FieldsFromNode(node))
	item, err := p.client.CreateWorkItem(ctx, itemType, ops)
	if err != nil {
		return tracker.WorkItemRef{}, err
	}

	ref := tracker.WorkItemRef{
		Provider: "azure",
		RemoteID: strconv.Itoa(item.ID),
		URL:      itemURL(item),
		ItemType: itemType,
	}
	p.logger.Printf("created %s %d for %s", itemType, item.ID, node.LocalID)

	if !parent.IsZero() {
		if err := p.LinkParentChild(ctx, parent, ref); err != nil {
			// The item exists; losing the link is recoverable on the
			// next run, losing the ref is not. Report but keep the ref.
			return ref, err
		}
	}
	return ref, nil
}

// UpdateItem implements tracker.Provider.
func (p *Provider) UpdateItem(ctx context.Context, ref tracker.WorkItemRef, fields tracker.Fields) error {
	id, err := workItemID(ref)
	if err != nil {
		return err
	}
	if _, err := p.client.UpdateWorkItem(ctx, id, fieldOps(fields)); err != nil {
		return err
	}
	p.logger.Printf("updated work item %d", id)
	return nil
}

// GetItem implements tracker.Provider.
func (p *Provider) GetItem(ctx context.Context, ref tracker.WorkItemRef) (tracker.RemoteItem, error) {
	id, err := workItemID(ref)
	if err != nil {
		return tracker.RemoteItem{}, err
	}

	item, err := p.client.GetWorkItem(ctx, id)
	if err != nil {
		return tracker.RemoteItem{}, err
	}

	title := stringField(item, "System.Title")
	body := stringField(item, "System.Description")
	acceptance := splitLines(stringField(item, "Microsoft.VSTS.Common.AcceptanceCriteria"))
	labels := splitTags(stringField(item, "System.Tags"))
	kind := kindFromItemType(ref.ItemType)

	return tracker.RemoteItem{
		Ref:         ref,
		Title:       title,
		Body:        body,
		Labels:      labels,
		Fingerprint: hierarchy.FingerprintFields(kind, title, body, acceptance, labels),
	}, nil
}

// LinkParentChild implements tracker.Provider: a /relations/- patch on
// the child adding a Hierarchy-Reverse relation to the parent.
func (p *Provider) LinkParentChild(ctx context.Context, parent, child tracker.WorkItemRef) error {
	childID, err := workItemID(child)
	if err != nil {
		return err
	}
	if parent.URL == "" {
		return &tracker.PermanentError{Err: fmt.Errorf("parent ref %s has no url", parent.RemoteID)}
	}

	ops := []patchOp{{
		Op:   "add",
		Path: "/relations/-",
		Value: map[string]any{
			"rel": hierarchyReverse,
			"url": parent.URL,
		},
	}}
	if _, err := p.client.UpdateWorkItem(ctx, childID, ops); err != nil {
		return err
	}
	p.logger.Printf("linked work item %s under %s", child.RemoteID, parent.RemoteID)
	return nil
}

// fieldOps builds the JSON-Patch document for content fields.
func fieldOps(fields tracker.Fields) []patchOp {
	ops := []patchOp{
		{Op: "add", Path: fieldTitle, Value: fields.Title},
		{Op: "add", Path: fieldDesc, Value: fields.Body},
	}
	if len(fields.Acceptance) > 0 {
		ops = append(ops, patchOp{Op: "add", Path: fieldAcceptance, Value: strings.Join(fields.Acceptance, "\n")})
	}
	if len(fields.Labels) > 0 {
		ops = append(ops, patchOp{Op: "add", Path: fieldTags, Value: strings.Join(fields.Labels, "; ")})
	}
	return ops
}

// itemURL prefers the HTML link for humans, falling back to the API URL.
func itemURL(item *WorkItem) string {
	if item.Links.HTML.Href != "" {
		return item.Links.HTML.Href
	}
	return item.URL
}

func stringField(item *WorkItem, name string) string {
	v, _ := item.Fields[name].(string)
	return v
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitTags parses the semicolon-separated System.Tags value, sorted to
// match the canonical fingerprint ordering.
func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, tag := range strings.Split(s, ";") {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	sort.Strings(out)
	return out
}

func kindFromItemType(itemType string) string {
	for k, t := range itemTypes {
		if t == itemType {
			return string(k)
		}
	}
	return itemType
}

func workItemID(ref tracker.WorkItemRef) (int, error) {
	id, err := strconv.Atoi(ref.RemoteID)
	if err != nil {
		return 0, &tracker.PermanentError{Err: fmt.Errorf("invalid work item id %q", ref.RemoteID)}
	}
	return id, nil
}
