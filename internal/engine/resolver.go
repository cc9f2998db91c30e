package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/mapstore"
	"github.com/codeswell/epicsync/internal/snapshot"
	"github.com/codeswell/epicsync/internal/tracker"
)

// ConflictPolicy decides the outcome when both sides changed since the
// last sync.
type ConflictPolicy string

const (
	PolicyLocalWins  ConflictPolicy = "local-wins"
	PolicyRemoteWins ConflictPolicy = "remote-wins"
	PolicyManual     ConflictPolicy = "manual"
)

// ParsePolicy validates a policy string from flags or config.
func ParsePolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case PolicyLocalWins, PolicyRemoteWins, PolicyManual:
		return ConflictPolicy(s), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want local-wins, remote-wins, or manual)", s)
}

// ChangeState classifies a mapped node during re-sync from the
// (local, remote, last-synced) fingerprint triple.
type ChangeState int

const (
	// StateUnchanged: neither side moved since the last sync.
	StateUnchanged ChangeState = iota
	// StateLocalOnly: the local file changed, the tracker did not.
	StateLocalOnly
	// StateRemoteOnly: the tracker changed, the local file did not.
	StateRemoteOnly
	// StateBothChanged: both sides diverged; policy decides.
	StateBothChanged
)

// String returns a human-readable representation of the state.
func (s ChangeState) String() string {
	switch s {
	case StateUnchanged:
		return "unchanged"
	case StateLocalOnly:
		return "local-only-change"
	case StateRemoteOnly:
		return "remote-only-change"
	case StateBothChanged:
		return "both-changed"
	default:
		return "unknown"
	}
}

// Classify is the pure state function: identical triples always yield
// identical states.
func Classify(local, remote, lastSynced string) ChangeState {
	localChanged := local != lastSynced
	remoteChanged := remote != lastSynced
	switch {
	case !localChanged && !remoteChanged:
		return StateUnchanged
	case localChanged && !remoteChanged:
		return StateLocalOnly
	case !localChanged && remoteChanged:
		return StateRemoteOnly
	default:
		return StateBothChanged
	}
}

// Outcome is a conflict's resolution result.
type Outcome string

const (
	OutcomeLocalWins  Outcome = "local-wins"
	OutcomeRemoteWins Outcome = "remote-wins"
	OutcomeUnresolved Outcome = "unresolved"
)

// ConflictRecord captures one genuine conflict for reporting and, for
// unresolved ones, human follow-up.
type ConflictRecord struct {
	LocalID           string
	LocalFingerprint  string
	RemoteFingerprint string
	LastFingerprint   string
	Outcome           Outcome
	ShadowPath        string // set when remote content was pulled for review
}

// Resolution is the resolver's verdict for one mapped node.
type Resolution struct {
	State  ChangeState
	Status Status
	Detail string

	// NewFingerprint is non-empty when the orchestrator must update the
	// node's mapping entry (a push happened, or remote content was
	// accepted as the new synced state).
	NewFingerprint string

	// Conflict is set for StateBothChanged.
	Conflict *ConflictRecord
}

// Resolver reconciles mapped nodes against the tracker's current state.
//
// In dry-run mode the resolver never calls the provider; remote
// fingerprints come from the snapshot cache, and a node with no cached
// snapshot is assumed remotely unchanged (the safest reproducible
// reading without a network call).
type Resolver struct {
	provider tracker.Provider
	cache    *snapshot.DB
	policy   ConflictPolicy
	dryRun   bool
	logger   tracker.Logger
}

// NewResolver creates a Resolver. cache may be nil, in which case every
// live resolution fetches from the tracker and dry-run resolutions see
// no remote drift.
func NewResolver(provider tracker.Provider, cache *snapshot.DB, policy ConflictPolicy, dryRun bool, logger tracker.Logger) *Resolver {
	return &Resolver{
		provider: provider,
		cache:    cache,
		policy:   policy,
		dryRun:   dryRun,
		logger:   logger,
	}
}

// Resolve classifies one mapped node and applies the resulting action.
//
// Terminal states: Unchanged (no action), resolved pushes/pulls, and
// unresolved (reported, nothing mutated on either side).
func (r *Resolver) Resolve(ctx context.Context, node *hierarchy.Node, entry mapstore.Entry) (Resolution, error) {
	local := node.Fingerprint()

	remote, err := r.remoteFingerprint(ctx, node, entry)
	if err != nil {
		return Resolution{}, err
	}

	state := Classify(local, remote, entry.LastFingerprint)
	switch state {
	case StateUnchanged:
		return Resolution{State: state, Status: StatusUnchanged}, nil

	case StateLocalOnly:
		if err := r.push(ctx, node, entry); err != nil {
			return Resolution{}, err
		}
		return Resolution{State: state, Status: StatusUpdated, NewFingerprint: local}, nil

	case StateRemoteOnly:
		shadow, err := r.pullShadow(ctx, node, entry)
		if err != nil {
			return Resolution{}, err
		}
		// The authored file is never overwritten; the mapping keeps the
		// old fingerprint until the user reviews the shadow copy.
		return Resolution{
			State:  state,
			Status: StatusConflict,
			Detail: string(OutcomeRemoteWins),
			Conflict: &ConflictRecord{
				LocalID:           node.LocalID,
				LocalFingerprint:  local,
				RemoteFingerprint: remote,
				LastFingerprint:   entry.LastFingerprint,
				Outcome:           OutcomeRemoteWins,
				ShadowPath:        shadow,
			},
		}, nil

	default: // StateBothChanged
		return r.resolveBothChanged(ctx, node, entry, local, remote)
	}
}

func (r *Resolver) resolveBothChanged(ctx context.Context, node *hierarchy.Node, entry mapstore.Entry, local, remote string) (Resolution, error) {
	record := &ConflictRecord{
		LocalID:           node.LocalID,
		LocalFingerprint:  local,
		RemoteFingerprint: remote,
		LastFingerprint:   entry.LastFingerprint,
	}

	switch r.policy {
	case PolicyLocalWins:
		if err := r.push(ctx, node, entry); err != nil {
			return Resolution{}, err
		}
		record.Outcome = OutcomeLocalWins
		return Resolution{
			State:          StateBothChanged,
			Status:         StatusConflict,
			Detail:         string(OutcomeLocalWins),
			NewFingerprint: local,
			Conflict:       record,
		}, nil

	case PolicyRemoteWins:
		shadow, err := r.pullShadow(ctx, node, entry)
		if err != nil {
			return Resolution{}, err
		}
		record.Outcome = OutcomeRemoteWins
		record.ShadowPath = shadow
		// Accept remote as the new synced state so the next run treats
		// only further local edits as changes.
		return Resolution{
			State:          StateBothChanged,
			Status:         StatusConflict,
			Detail:         string(OutcomeRemoteWins),
			NewFingerprint: remote,
			Conflict:       record,
		}, nil

	default: // PolicyManual
		record.Outcome = OutcomeUnresolved
		return Resolution{
			State:    StateBothChanged,
			Status:   StatusConflict,
			Detail:   string(OutcomeUnresolved),
			Conflict: record,
		}, nil
	}
}

// remoteFingerprint obtains the tracker-side fingerprint, live or cached
// depending on dry-run mode. Live fetches refresh the snapshot cache.
func (r *Resolver) remoteFingerprint(ctx context.Context, node *hierarchy.Node, entry mapstore.Entry) (string, error) {
	if r.dryRun {
		if r.cache != nil {
			item, err := r.cache.GetContext(ctx, node.LocalID)
			if err != nil {
				r.logger.Printf("WARNING: snapshot lookup failed for %s: %v", node.LocalID, err)
			} else if item != nil {
				return item.Fingerprint, nil
			}
		}
		return entry.LastFingerprint, nil
	}

	item, err := r.provider.GetItem(ctx, entry.Ref())
	if err != nil {
		return "", fmt.Errorf("failed to fetch remote state for %s: %w", node.LocalID, err)
	}

	if r.cache != nil {
		snap := &snapshot.Item{
			LocalID:     node.LocalID,
			Provider:    entry.Provider,
			RemoteID:    entry.RemoteID,
			Title:       item.Title,
			Fingerprint: item.Fingerprint,
		}
		if err := r.cache.UpsertContext(ctx, snap); err != nil {
			r.logger.Printf("WARNING: snapshot upsert failed for %s: %v", node.LocalID, err)
		}
	}
	return item.Fingerprint, nil
}

// push applies local content to the remote item. No-op in dry-run.
func (r *Resolver) push(ctx context.Context, node *hierarchy.Node, entry mapstore.Entry) error {
	if r.dryRun {
		return nil
	}
	if err := r.provider.UpdateItem(ctx, entry.Ref(), tracker.FieldsFromNode(node)); err != nil {
		return fmt.Errorf("failed to push %s: %w", node.LocalID, err)
	}
	r.logger.Printf("pushed local changes for %s", node.LocalID)

	if r.cache != nil {
		snap := &snapshot.Item{
			LocalID:     node.LocalID,
			Provider:    entry.Provider,
			RemoteID:    entry.RemoteID,
			Title:       node.Title,
			Fingerprint: node.Fingerprint(),
		}
		if err := r.cache.UpsertContext(ctx, snap); err != nil {
			r.logger.Printf("WARNING: snapshot upsert failed for %s: %v", node.LocalID, err)
		}
	}
	return nil
}

// pullShadow writes the remote item's content next to the authored file
// as <name>.remote.md for the user to review. The authored file itself is
// never touched. Returns the shadow path, empty in dry-run.
func (r *Resolver) pullShadow(ctx context.Context, node *hierarchy.Node, entry mapstore.Entry) (string, error) {
	if r.dryRun {
		return "", nil
	}

	item, err := r.provider.GetItem(ctx, entry.Ref())
	if err != nil {
		return "", fmt.Errorf("failed to fetch remote content for %s: %w", node.LocalID, err)
	}

	shadow := shadowPath(node.Path)
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString(fmt.Sprintf("title: %q\n", item.Title))
	if len(item.Labels) > 0 {
		b.WriteString("labels:\n")
		for _, l := range item.Labels {
			b.WriteString(fmt.Sprintf("  - %q\n", l))
		}
	}
	b.WriteString("---\n\n")
	b.WriteString(item.Body)
	b.WriteString("\n")

	if err := os.WriteFile(shadow, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write shadow copy %s: %w", shadow, err)
	}
	r.logger.Printf("pulled remote changes for %s into %s", node.LocalID, shadow)
	return shadow, nil
}

// shadowPath maps a node file path to its review copy:
// 01-form.md -> 01-form.remote.md.
func shadowPath(path string) string {
	if strings.HasSuffix(path, ".md") {
		return strings.TrimSuffix(path, ".md") + ".remote.md"
	}
	return path + ".remote"
}
