// Package hierarchy provides the local Epic/Story/Task tree model for epicsync.
//
// A hierarchy is authored as markdown files under an epic root directory:
//
//	<root>/epic.md
//	<root>/01-login/story.md
//	<root>/01-login/01-form.md
//	<root>/01-login/02-validation.md
//
// Each file carries YAML front matter (title, labels, acceptance) followed
// by the body text. Local identifiers are derived from file paths relative
// to the epic root, so they are stable across runs on the same tree.
package hierarchy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a node's level in the hierarchy.
type Kind string

const (
	// KindEpic is the single root node of a tree.
	KindEpic Kind = "epic"

	// KindStory is a direct child of the epic.
	KindStory Kind = "story"

	// KindTask is a leaf node under a story.
	KindTask Kind = "task"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEpic, KindStory, KindTask:
		return true
	}
	return false
}

// Node is one Epic, Story, or Task in the local hierarchy.
//
// LocalID is the file path relative to the epic root with the .md suffix
// removed (e.g. "epic", "01-login/story", "01-login/01-form"). It is the
// key under which the node is tracked in the mapping store.
type Node struct {
	LocalID    string
	Kind       Kind
	Title      string
	Body       string
	Acceptance []string
	Labels     []string

	// ParentID is empty for the epic; every other node has exactly one.
	ParentID string

	// ChildIDs preserves authoring order (directory sort order).
	ChildIDs []string

	// Path is the absolute path of the source file, used for shadow
	// writes during conflict resolution.
	Path string
}

// Validate checks that the node's required fields are set.
func (n *Node) Validate() error {
	if n.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", n.Kind)
	}
	if n.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(n.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(n.Title))
	}
	if n.Kind != KindEpic && n.ParentID == "" {
		return fmt.Errorf("%s node requires a parent", n.Kind)
	}
	if n.Kind == KindEpic && n.ParentID != "" {
		return fmt.Errorf("epic node must not have a parent")
	}
	return nil
}

// Fingerprint returns the content hash used for change detection.
//
// The hash covers kind, title, body, acceptance criteria, and labels in a
// canonical encoding, so two nodes with identical synced content always
// produce identical fingerprints regardless of load order.
func (n *Node) Fingerprint() string {
	return FingerprintFields(string(n.Kind), n.Title, n.Body, n.Acceptance, n.Labels)
}

// FingerprintFields computes the canonical content hash from raw fields.
//
// Providers use this to compute a remote item's fingerprint on the same
// basis as the local one, so the conflict resolver compares like with like.
// Labels are sorted before hashing because trackers do not preserve label
// order; acceptance criteria keep their authored order.
func FingerprintFields(kind, title, body string, acceptance, labels []string) string {
	sortedLabels := append([]string(nil), labels...)
	sort.Strings(sortedLabels)

	h := sha256.New()
	// NUL separators prevent field-boundary collisions.
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimRight(body, "\n")))
	h.Write([]byte{0})
	for _, a := range acceptance {
		h.Write([]byte(a))
		h.Write([]byte{1})
	}
	h.Write([]byte{0})
	for _, l := range sortedLabels {
		h.Write([]byte(l))
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Tree is an in-memory snapshot of one epic's hierarchy for a single run.
//
// Nodes maps LocalID to node; Order lists LocalIDs in deterministic
// load order (epic first, then stories and their tasks in path order).
type Tree struct {
	Root  *Node
	Nodes map[string]*Node
	Order []string
}

// Get returns the node with the given local id, or nil.
func (t *Tree) Get(localID string) *Node {
	return t.Nodes[localID]
}

// Len returns the total number of nodes in the tree.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Validate checks tree-level invariants: a single epic root, unique IDs,
// and every non-epic node pointing at a parent that exists in the tree.
func (t *Tree) Validate() error {
	if t.Root == nil {
		return fmt.Errorf("tree has no epic root")
	}
	if t.Root.Kind != KindEpic {
		return fmt.Errorf("root node %s has kind %s, want epic", t.Root.LocalID, t.Root.Kind)
	}
	for _, id := range t.Order {
		n := t.Nodes[id]
		if n == nil {
			return fmt.Errorf("order references unknown node %s", id)
		}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("invalid node %s: %w", id, err)
		}
		if n.Kind == KindEpic && n != t.Root {
			return fmt.Errorf("multiple epic nodes: %s and %s", t.Root.LocalID, id)
		}
		if n.ParentID != "" {
			if _, ok := t.Nodes[n.ParentID]; !ok {
				return fmt.Errorf("node %s references missing parent %s", id, n.ParentID)
			}
		}
	}
	return nil
}
