package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/codeswell/epicsync/internal/config"
	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/mapstore"
	"github.com/codeswell/epicsync/internal/snapshot"
	"github.com/codeswell/epicsync/internal/tracker"
)

// Options are the per-run settings of the orchestrator.
type Options struct {
	// DryRun walks the hierarchy and detects conflicts but makes zero
	// remote calls and persists nothing.
	DryRun bool

	// Concurrency caps in-flight provider calls. Zero means the
	// configured or default value.
	Concurrency int

	// MaxAttempts is the per-node attempt budget for transient errors.
	MaxAttempts int

	// Policy decides both-changed conflicts.
	Policy ConflictPolicy
}

// Orchestrator is the single externally invoked entry point of the sync
// engine. It owns the in-memory hierarchy snapshot for one run and is
// the only component that writes the mapping store.
type Orchestrator struct {
	cfg      *config.Config
	provider tracker.Provider
	cache    *snapshot.DB
	logger   tracker.Logger
	opts     Options
}

// New creates an Orchestrator.
//
// provider may be nil for dry runs, which never call it. cache may be
// nil; status queries and dry-run conflict detection then degrade to
// refetching.
func New(cfg *config.Config, provider tracker.Provider, cache *snapshot.DB, logger tracker.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = cfg.Defaults.Concurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = cfg.Defaults.MaxAttempts
	}
	if opts.Policy == "" {
		opts.Policy = ConflictPolicy(cfg.Defaults.ConflictPolicy)
	}
	return &Orchestrator{
		cfg:      cfg,
		provider: provider,
		cache:    cache,
		logger:   logger,
		opts:     opts,
	}
}

// Sync projects the epic rooted at root onto the configured tracker.
//
// Sequence: acquire the run lock, load the mapping store (corruption is
// fatal before any remote call), load and walk the hierarchy, reconcile
// mapped nodes through the conflict resolver, create pending nodes
// through the batch scheduler level by level, and return a report with
// exactly one row per walked node. Node-level failures are reported, not
// raised; only store corruption and credential failure abort the run.
func (o *Orchestrator) Sync(ctx context.Context, root string) (*Report, error) {
	start := time.Now()

	if !o.opts.DryRun {
		lock, err := mapstore.AcquireLock(o.cfg.LockPath())
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				o.logger.Printf("WARNING: %v", err)
			}
		}()
	}

	store, err := mapstore.Load(o.cfg.MappingStorePath())
	if err != nil {
		return nil, err
	}

	tree, err := hierarchy.Load(root)
	if err != nil {
		return nil, err
	}
	o.logger.Printf("loaded hierarchy: %d nodes, %d already mapped", tree.Len(), store.Len())

	levels := hierarchy.Walk(tree, store)

	report := &Report{
		Provider: o.cfg.Provider,
		DryRun:   o.opts.DryRun,
	}
	rows := make(map[string]Row, tree.Len())

	if err := o.resolveMapped(ctx, tree, store, rows, report); err != nil {
		return nil, err
	}
	if err := o.createPending(ctx, tree, store, levels, rows); err != nil {
		return nil, err
	}

	// Emit rows in hierarchy order: every walked node exactly once.
	for _, id := range tree.Order {
		row, ok := rows[id]
		if !ok {
			// Mapped, unchanged, and untouched by either phase.
			row = Row{LocalID: id, Kind: string(tree.Nodes[id].Kind), Status: StatusUnchanged}
		}
		if entry, ok := store.Lookup(id); ok && row.RemoteURL == "" {
			row.RemoteURL = entry.RemoteURL
		}
		report.Add(row)
	}

	report.Duration = time.Since(start)
	o.logger.Printf("sync complete in %s: %s", report.Duration.Round(time.Millisecond), report.Summary())
	return report, nil
}

// resolveMapped runs the conflict resolver over every node that already
// has a mapping entry.
func (o *Orchestrator) resolveMapped(ctx context.Context, tree *hierarchy.Tree, store *mapstore.Store, rows map[string]Row, report *Report) error {
	resolver := NewResolver(o.provider, o.cache, o.opts.Policy, o.opts.DryRun, o.logger)

	for _, id := range tree.Order {
		entry, ok := store.Lookup(id)
		if !ok {
			continue
		}
		node := tree.Nodes[id]

		res, err := resolver.Resolve(ctx, node, entry)
		if err != nil {
			if tracker.IsAuth(err) {
				return fmt.Errorf("aborting run: %w", err)
			}
			rows[id] = Row{LocalID: id, Kind: string(node.Kind), Status: StatusFailed, Detail: err.Error()}
			continue
		}

		if res.NewFingerprint != "" && !o.opts.DryRun {
			if err := store.Record(id, entry.Ref(), res.NewFingerprint); err != nil {
				return fmt.Errorf("failed to record mapping for %s: %w", id, err)
			}
		}
		if res.Conflict != nil {
			report.Conflicts = append(report.Conflicts, *res.Conflict)
		}
		rows[id] = Row{LocalID: id, Kind: string(node.Kind), Status: res.Status, Detail: res.Detail}
	}
	return nil
}

// createPending drives the batch scheduler level by level over the
// walker's pending creation units. Children of a node that failed (or
// was itself skipped) are reported skipped-parent-failed and never
// dispatched; they are retried on the next full run.
func (o *Orchestrator) createPending(ctx context.Context, tree *hierarchy.Tree, store *mapstore.Store, levels []hierarchy.Level, rows map[string]Row) error {
	failed := make(map[string]bool)
	markFailed := func(id string) { failed[id] = true }

	scheduler := NewScheduler(o.provider, o.opts.Concurrency, o.opts.MaxAttempts, o.logger)

	for _, level := range levels {
		var dispatch []hierarchy.PendingUnit
		for _, unit := range level.Units {
			if unit.Kind != hierarchy.PendingCreate {
				// Mapped-but-changed nodes were handled by the resolver.
				continue
			}
			id := unit.Node.LocalID
			if unit.ParentID != "" && failed[unit.ParentID] {
				rows[id] = Row{LocalID: id, Kind: string(unit.Node.Kind), Status: StatusSkippedParent}
				markFailed(id) // propagate to grandchildren
				continue
			}
			dispatch = append(dispatch, unit)
		}
		if len(dispatch) == 0 {
			continue
		}

		if o.opts.DryRun {
			for _, unit := range dispatch {
				id := unit.Node.LocalID
				rows[id] = Row{LocalID: id, Kind: string(unit.Node.Kind), Status: StatusCreated, Detail: "dry-run"}
			}
			continue
		}

		record := func(res CreateResult) error {
			id := res.Unit.Node.LocalID
			if res.Err != nil {
				rows[id] = Row{LocalID: id, Kind: string(res.Unit.Node.Kind), Status: StatusFailed, Detail: res.Err.Error()}
				markFailed(id)
				return nil
			}
			if err := store.Record(id, res.Ref, res.Unit.Node.Fingerprint()); err != nil {
				return fmt.Errorf("failed to record mapping for %s: %w", id, err)
			}
			if o.cache != nil {
				snap := &snapshot.Item{
					LocalID:     id,
					Provider:    res.Ref.Provider,
					RemoteID:    res.Ref.RemoteID,
					Title:       res.Unit.Node.Title,
					Fingerprint: res.Unit.Node.Fingerprint(),
				}
				if err := o.cache.UpsertContext(ctx, snap); err != nil {
					o.logger.Printf("WARNING: snapshot upsert failed for %s: %v", id, err)
				}
			}
			rows[id] = Row{
				LocalID:   id,
				Kind:      string(res.Unit.Node.Kind),
				Status:    StatusCreated,
				RemoteURL: res.Ref.URL,
			}
			return nil
		}

		resolveParent := func(parentID string) (tracker.WorkItemRef, bool) {
			if parentID == "" {
				return tracker.WorkItemRef{}, false
			}
			entry, ok := store.Lookup(parentID)
			if !ok {
				return tracker.WorkItemRef{}, false
			}
			return entry.Ref(), true
		}

		if err := scheduler.RunLevel(ctx, dispatch, resolveParent, record); err != nil {
			if tracker.IsAuth(err) {
				return fmt.Errorf("aborting run: %w", err)
			}
			return err
		}
	}
	return nil
}
