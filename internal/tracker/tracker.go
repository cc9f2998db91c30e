// Package tracker defines the provider abstraction over external item
// trackers.
//
// A Provider translates engine-level operations (create item, update
// item, link parent/child, fetch current state) into calls against one
// concrete tracker API. Providers are stateless translators: all durable
// state lives in the mapping store and the snapshot cache.
//
// # Implementations
//
//   - internal/tracker/github: GitHub Issues (REST v3)
//   - internal/tracker/azure:  Azure DevOps work items (JSON-Patch)
//
// Implementations register themselves with the selector on import:
//
//	import _ "github.com/codeswell/epicsync/internal/tracker/github"
//	import _ "github.com/codeswell/epicsync/internal/tracker/azure"
//
//	provider, err := tracker.New(cfg, logger)
package tracker

import (
	"context"
	"log"

	"github.com/codeswell/epicsync/internal/hierarchy"
)

// WorkItemRef is the remote projection of a local node: enough identity
// to address the item on the tracker without further lookups.
type WorkItemRef struct {
	Provider string `json:"provider"`
	RemoteID string `json:"remote_id"`
	URL      string `json:"url"`
	ItemType string `json:"item_type"`
}

// IsZero reports whether the ref is unset.
func (r WorkItemRef) IsZero() bool {
	return r.RemoteID == ""
}

// RemoteItem is the current remote state of a work item, reduced to the
// fields that participate in fingerprinting plus the fingerprint itself.
type RemoteItem struct {
	Ref         WorkItemRef
	Title       string
	Body        string
	Labels      []string
	Fingerprint string
}

// Fields carries the updatable attributes of a node for UpdateItem.
// Nil slices mean "leave unchanged" where the tracker supports partial
// updates.
type Fields struct {
	Title      string
	Body       string
	Acceptance []string
	Labels     []string
}

// FieldsFromNode builds the update payload from a local node.
func FieldsFromNode(n *hierarchy.Node) Fields {
	return Fields{
		Title:      n.Title,
		Body:       n.Body,
		Acceptance: n.Acceptance,
		Labels:     n.Labels,
	}
}

// Provider is the capability set every tracker backend implements.
//
// CreateItem receives the parent's ref (zero for the epic) so backends
// that express hierarchy in the item body can fold the link into the
// creation call. Backends with an explicit relation API may ignore the
// parent here and rely on LinkParentChild instead; either way the
// guarantee is the same: after a successful create-and-link, the tracker
// can identify the child's parent.
type Provider interface {
	// Name returns the provider's registered name ("github", "azure").
	Name() string

	// CreateItem creates a remote work item for the node and returns
	// its reference. Fails with *TransientError on retriable statuses
	// (429, 5xx) and *PermanentError on validation/auth failures.
	CreateItem(ctx context.Context, node *hierarchy.Node, parent WorkItemRef) (WorkItemRef, error)

	// UpdateItem applies resolved fields to an existing remote item.
	UpdateItem(ctx context.Context, ref WorkItemRef, fields Fields) error

	// GetItem fetches the item's current remote state. Used only by
	// the conflict resolver.
	GetItem(ctx context.Context, ref WorkItemRef) (RemoteItem, error)

	// LinkParentChild establishes the parent relation for backends
	// that model it as a separate call. Backends that folded the link
	// into CreateItem return nil.
	LinkParentChild(ctx context.Context, parent, child WorkItemRef) error
}

// Logger is the minimal logging surface providers need. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// ensure *log.Logger keeps satisfying Logger.
var _ Logger = (*log.Logger)(nil)
