package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"testing"
	"time"

	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/tracker"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// noSleep replaces the backoff timer so retry tests run instantly.
func noSleep(s *Scheduler) *[]time.Duration {
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func makeUnits(n int) []hierarchy.PendingUnit {
	units := make([]hierarchy.PendingUnit, n)
	for i := range units {
		units[i] = hierarchy.PendingUnit{
			Node: &hierarchy.Node{
				LocalID: fmt.Sprintf("s/%02d", i),
				Kind:    hierarchy.KindTask,
				Title:   fmt.Sprintf("task %d", i),
			},
			Kind: hierarchy.PendingCreate,
		}
	}
	return units
}

func noParent(string) (tracker.WorkItemRef, bool) {
	return tracker.WorkItemRef{}, false
}

// TestBatches verifies the exact ceil partitioning, including the short
// tail batch.
func TestBatches(t *testing.T) {
	tests := []struct {
		n, max int
		want   [][2]int
	}{
		{0, 4, nil},
		{1, 4, [][2]int{{0, 1}}},
		{4, 4, [][2]int{{0, 4}}},
		{5, 4, [][2]int{{0, 4}, {4, 5}}},
		{13, 4, [][2]int{{0, 4}, {4, 8}, {8, 12}, {12, 13}}},
		{6, 2, [][2]int{{0, 2}, {2, 4}, {4, 6}}},
	}
	for _, tt := range tests {
		got := Batches(tt.n, tt.max)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Batches(%d, %d) = %v, want %v", tt.n, tt.max, got, tt.want)
		}
	}
}

// TestRunLevel_RecordsEveryResult verifies that record fires exactly
// once per unit, successes carrying their assigned refs.
func TestRunLevel_RecordsEveryResult(t *testing.T) {
	provider := newFakeProvider()
	s := NewScheduler(provider, 4, 1, quietLogger())

	// record runs on the calling goroutine, so no locking is needed here.
	units := makeUnits(6)
	got := make(map[string]tracker.WorkItemRef)
	record := func(res CreateResult) error {
		if res.Err != nil {
			t.Errorf("unexpected failure for %s: %v", res.Unit.Node.LocalID, res.Err)
		}
		if _, dup := got[res.Unit.Node.LocalID]; dup {
			t.Errorf("record called twice for %s", res.Unit.Node.LocalID)
		}
		got[res.Unit.Node.LocalID] = res.Ref
		return nil
	}

	if err := s.RunLevel(context.Background(), units, noParent, record); err != nil {
		t.Fatalf("RunLevel() failed: %v", err)
	}
	if len(got) != 6 {
		t.Errorf("recorded %d results, want 6", len(got))
	}
	for id, ref := range got {
		if ref.IsZero() {
			t.Errorf("zero ref recorded for %s", id)
		}
	}
}

// TestRunLevel_ConcurrencyCeiling verifies that in-flight provider calls
// never exceed the configured limit.
func TestRunLevel_ConcurrencyCeiling(t *testing.T) {
	provider := newFakeProvider()
	provider.createDelay = 10 * time.Millisecond
	s := NewScheduler(provider, 3, 1, quietLogger())

	record := func(res CreateResult) error { return nil }
	if err := s.RunLevel(context.Background(), makeUnits(9), noParent, record); err != nil {
		t.Fatalf("RunLevel() failed: %v", err)
	}

	if provider.maxInFlight > 3 {
		t.Errorf("maxInFlight = %d, want <= 3", provider.maxInFlight)
	}
	if provider.createCalls != 9 {
		t.Errorf("createCalls = %d, want 9", provider.createCalls)
	}
}

// TestCreateWithRetry_TransientRecovers verifies that transient failures
// retry with backoff and the delay honors a Retry-After hint.
func TestCreateWithRetry_TransientRecovers(t *testing.T) {
	provider := newFakeProvider()
	s := NewScheduler(provider, 1, 4, quietLogger())
	slept := noSleep(s)

	node := makeUnits(1)[0].Node
	provider.failCreate(node.LocalID,
		&tracker.TransientError{Status: 429, RetryAfter: 2 * time.Second},
		&tracker.TransientError{Status: 503},
	)

	ref, err := s.createWithRetry(context.Background(), node, tracker.WorkItemRef{})
	if err != nil {
		t.Fatalf("createWithRetry() failed: %v", err)
	}
	if ref.IsZero() {
		t.Error("createWithRetry() returned a zero ref")
	}
	if provider.createCalls != 3 {
		t.Errorf("createCalls = %d, want 3", provider.createCalls)
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}
	if (*slept)[0] < 2*time.Second {
		t.Errorf("first delay %s shorter than the Retry-After hint", (*slept)[0])
	}
}

// TestCreateWithRetry_Exhaustion verifies that the attempt budget caps
// retries and the final error escalates to permanent.
func TestCreateWithRetry_Exhaustion(t *testing.T) {
	provider := newFakeProvider()
	s := NewScheduler(provider, 1, 3, quietLogger())
	noSleep(s)

	node := makeUnits(1)[0].Node
	provider.failCreate(node.LocalID,
		&tracker.TransientError{Status: 503},
		&tracker.TransientError{Status: 503},
		&tracker.TransientError{Status: 503},
		&tracker.TransientError{Status: 503},
	)

	_, err := s.createWithRetry(context.Background(), node, tracker.WorkItemRef{})
	if !tracker.IsPermanent(err) {
		t.Fatalf("error = %v, want escalation to PermanentError", err)
	}
	if provider.createCalls != 3 {
		t.Errorf("createCalls = %d, want 3 (the attempt budget)", provider.createCalls)
	}
}

// TestCreateWithRetry_PermanentFailsFast verifies that permanent errors
// are never retried.
func TestCreateWithRetry_PermanentFailsFast(t *testing.T) {
	provider := newFakeProvider()
	s := NewScheduler(provider, 1, 4, quietLogger())
	noSleep(s)

	node := makeUnits(1)[0].Node
	provider.failCreate(node.LocalID, &tracker.PermanentError{Status: 422, Err: errors.New("bad title")})

	_, err := s.createWithRetry(context.Background(), node, tracker.WorkItemRef{})
	if !tracker.IsPermanent(err) {
		t.Fatalf("error = %v, want PermanentError", err)
	}
	if provider.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", provider.createCalls)
	}
}

// TestRunLevel_AuthPoisonsRun verifies that a credential failure fails
// RunLevel itself, not just the one node.
func TestRunLevel_AuthPoisonsRun(t *testing.T) {
	provider := newFakeProvider()
	s := NewScheduler(provider, 2, 1, quietLogger())

	units := makeUnits(2)
	provider.failCreate(units[0].Node.LocalID,
		&tracker.PermanentError{Status: 401, Err: fmt.Errorf("%w: bad token", tracker.ErrAuth)})

	record := func(res CreateResult) error { return nil }
	err := s.RunLevel(context.Background(), units, noParent, record)
	if !tracker.IsAuth(err) {
		t.Fatalf("RunLevel() error = %v, want auth failure", err)
	}
}
