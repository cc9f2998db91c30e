package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/tracker"
)

// DefaultConcurrency bounds in-flight provider calls per batch.
const DefaultConcurrency = 4

// DefaultMaxAttempts is the total attempt budget per node, including the
// first try.
const DefaultMaxAttempts = 4

// defaultBaseBackoff is the first retry delay; each retry doubles it.
const defaultBaseBackoff = 500 * time.Millisecond

// CreateResult is one node's creation outcome, delivered to the
// orchestrator goroutine as workers finish.
type CreateResult struct {
	Unit hierarchy.PendingUnit
	Ref  tracker.WorkItemRef
	Err  error
}

// Scheduler executes pending creation units against a provider with a
// concurrency ceiling.
//
// Invariants it preserves:
//   - no child batch starts until every creation in the parent's level
//     has been committed or failed (the orchestrator drives levels in
//     order and records refs between them);
//   - at most maxConcurrency provider calls are in flight at once;
//   - batch count is exactly ceil(pending/maxConcurrency), the last
//     batch may be short.
type Scheduler struct {
	provider       tracker.Provider
	maxConcurrency int
	maxAttempts    int
	baseBackoff    time.Duration
	logger         tracker.Logger

	// sleep is swappable for tests; defaults to a context-aware timer.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a Scheduler. Zero values fall back to the package
// defaults.
func NewScheduler(provider tracker.Provider, maxConcurrency, maxAttempts int, logger tracker.Logger) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultConcurrency
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Scheduler{
		provider:       provider,
		maxConcurrency: maxConcurrency,
		maxAttempts:    maxAttempts,
		baseBackoff:    defaultBaseBackoff,
		logger:         logger,
		sleep:          sleepCtx,
	}
}

// Batches partitions n pending units into batch bounds of size at most
// maxConcurrency. Exported because exact batch math is a correctness
// property the tests pin down.
func Batches(n, maxConcurrency int) [][2]int {
	if n <= 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultConcurrency
	}
	var bounds [][2]int
	for start := 0; start < n; start += maxConcurrency {
		end := start + maxConcurrency
		if end > n {
			end = n
		}
		bounds = append(bounds, [2]int{start, end})
	}
	return bounds
}

// RunLevel executes one depth level's creation units.
//
// resolveParent maps a parent local id to its recorded ref; record is
// called on the orchestrator goroutine for each success as soon as its
// result arrives, so a mid-batch crash loses at most the in-flight
// items, never already-returned ones. Workers never write shared state;
// they deliver results over a channel.
func (s *Scheduler) RunLevel(
	ctx context.Context,
	units []hierarchy.PendingUnit,
	resolveParent func(localID string) (tracker.WorkItemRef, bool),
	record func(res CreateResult) error,
) error {
	for _, bound := range Batches(len(units), s.maxConcurrency) {
		batch := units[bound[0]:bound[1]]
		results := make(chan CreateResult, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.maxConcurrency)
		for _, unit := range batch {
			unit := unit
			g.Go(func() error {
				parentRef, _ := resolveParent(unit.ParentID)
				ref, err := s.createWithRetry(gctx, unit.Node, parentRef)
				results <- CreateResult{Unit: unit, Ref: ref, Err: err}
				// Auth failures poison the whole run; everything else
				// is isolated to the node.
				if tracker.IsAuth(err) {
					return err
				}
				return nil
			})
		}

		// Drain on the orchestrator goroutine, committing each success
		// immediately. Single-writer discipline: only this goroutine
		// touches the mapping store. record also observes failures so
		// the orchestrator can mark descendants; it persists successes
		// only.
		var drainErr error
		for i := 0; i < len(batch); i++ {
			res := <-results
			if err := record(res); err != nil && drainErr == nil {
				drainErr = err
			}
		}

		if err := g.Wait(); err != nil {
			return err
		}
		if drainErr != nil {
			return drainErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// createWithRetry calls CreateItem, retrying transient failures with
// exponential backoff until the attempt budget runs out, at which point
// the last transient error is escalated to permanent.
func (s *Scheduler) createWithRetry(ctx context.Context, node *hierarchy.Node, parent tracker.WorkItemRef) (tracker.WorkItemRef, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ref, err := s.provider.CreateItem(ctx, node, parent)
		if err == nil {
			return ref, nil
		}
		lastErr = err

		if !tracker.IsTransient(err) {
			return tracker.WorkItemRef{}, err
		}
		if attempt == s.maxAttempts {
			break
		}

		delay := s.backoff(attempt, err)
		s.logger.Printf("transient failure for %s (attempt %d/%d), retrying in %s: %v",
			node.LocalID, attempt, s.maxAttempts, delay, err)
		if err := s.sleep(ctx, delay); err != nil {
			return tracker.WorkItemRef{}, err
		}
	}

	return tracker.WorkItemRef{}, &tracker.PermanentError{
		Err: fmt.Errorf("retries exhausted after %d attempts: %w", s.maxAttempts, lastErr),
	}
}

// backoff computes the delay before the next attempt: exponential with
// ±20% jitter, floored at the tracker's Retry-After hint when present.
func (s *Scheduler) backoff(attempt int, err error) time.Duration {
	delay := s.baseBackoff << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter

	var te *tracker.TransientError
	if errors.As(err, &te) && te.RetryAfter > delay {
		delay = te.RetryAfter
	}
	return delay
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
