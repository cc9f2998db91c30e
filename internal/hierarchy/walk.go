package hierarchy

// SyncState answers "what fingerprint did we last sync for this node?".
// The mapping store implements it; the walker uses it to skip nodes that
// are already remote and unchanged.
type SyncState interface {
	// LastFingerprint returns the fingerprint recorded at the node's
	// last successful sync, and whether the node is mapped at all.
	LastFingerprint(localID string) (string, bool)
}

// PendingKind distinguishes why a node appears in the pending walk.
type PendingKind int

const (
	// PendingCreate means the node has no mapping entry yet.
	PendingCreate PendingKind = iota
	// PendingUpdate means the node is mapped but its content changed.
	PendingUpdate
)

// PendingUnit is one unit of work yielded by the walker: a node that must
// be created or updated remotely, plus its parent's local id so the
// scheduler can resolve the parent's WorkItemRef at dispatch time.
type PendingUnit struct {
	Node     *Node
	ParentID string
	Kind     PendingKind
}

// Level is all pending units at one hierarchy depth. Levels are executed
// strictly in order; units within a level may run concurrently.
type Level struct {
	Depth int
	Units []PendingUnit
}

// Walk traverses the tree breadth-first by depth and returns the pending
// work levels: depth 0 holds the epic, depth 1 the stories, depth 2 the
// tasks. A node whose mapping entry exists with an unchanged fingerprint
// is skipped; its children are still visited because a child can change
// independently of its parent.
//
// The returned levels contain only non-empty depths, in ascending depth
// order, which preserves the parents-before-children guarantee.
func Walk(t *Tree, state SyncState) []Level {
	byDepth := make(map[int][]PendingUnit)
	maxDepth := 0

	var visit func(id string, depth int)
	visit = func(id string, depth int) {
		n := t.Nodes[id]
		if n == nil {
			return
		}
		if depth > maxDepth {
			maxDepth = depth
		}

		last, mapped := state.LastFingerprint(n.LocalID)
		switch {
		case !mapped:
			byDepth[depth] = append(byDepth[depth], PendingUnit{
				Node:     n,
				ParentID: n.ParentID,
				Kind:     PendingCreate,
			})
		case last != n.Fingerprint():
			byDepth[depth] = append(byDepth[depth], PendingUnit{
				Node:     n,
				ParentID: n.ParentID,
				Kind:     PendingUpdate,
			})
		}

		for _, child := range n.ChildIDs {
			visit(child, depth+1)
		}
	}
	visit(t.Root.LocalID, 0)

	levels := make([]Level, 0, maxDepth+1)
	for d := 0; d <= maxDepth; d++ {
		if units := byDepth[d]; len(units) > 0 {
			levels = append(levels, Level{Depth: d, Units: units})
		}
	}
	return levels
}
