package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/tracker"
)

// fakeProvider is an in-memory tracker for engine tests. All state is
// mutex-guarded so it can sit behind the scheduler's worker pool, and it
// tracks call counts plus the peak number of concurrent CreateItem calls.
type fakeProvider struct {
	mu sync.Mutex

	nextID      int
	createCalls int
	updateCalls int
	getCalls    int
	linkCalls   int

	inFlight    int
	maxInFlight int

	// createErrs queues per-node errors, consumed one per attempt.
	createErrs map[string][]error

	created map[string]tracker.WorkItemRef // local id -> assigned ref
	parents map[string]string              // child local id -> parent remote id
	items   map[string]tracker.RemoteItem  // remote id -> current remote state

	// createDelay stretches each CreateItem call, for concurrency tests.
	createDelay time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		createErrs: make(map[string][]error),
		created:    make(map[string]tracker.WorkItemRef),
		parents:    make(map[string]string),
		items:      make(map[string]tracker.RemoteItem),
	}
}

// failCreate queues errors for a node; each CreateItem attempt consumes
// one until the queue is empty, after which creation succeeds.
func (f *fakeProvider) failCreate(localID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrs[localID] = append(f.createErrs[localID], errs...)
}

// setItem overwrites the remote state for a ref, simulating drift made
// by someone editing the item on the tracker.
func (f *fakeProvider) setItem(remoteID string, item tracker.RemoteItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[remoteID] = item
}

func (f *fakeProvider) refFor(localID string) (tracker.WorkItemRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.created[localID]
	return ref, ok
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateItem(ctx context.Context, node *hierarchy.Node, parent tracker.WorkItemRef) (tracker.WorkItemRef, error) {
	f.mu.Lock()
	f.createCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.createDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--

	if errs := f.createErrs[node.LocalID]; len(errs) > 0 {
		err := errs[0]
		f.createErrs[node.LocalID] = errs[1:]
		return tracker.WorkItemRef{}, err
	}

	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	ref := tracker.WorkItemRef{
		Provider: "fake",
		RemoteID: id,
		URL:      "https://fake.example/items/" + id,
		ItemType: string(node.Kind),
	}
	f.created[node.LocalID] = ref
	if !parent.IsZero() {
		f.parents[node.LocalID] = parent.RemoteID
	}
	f.items[id] = tracker.RemoteItem{
		Ref:         ref,
		Title:       node.Title,
		Body:        node.Body,
		Labels:      node.Labels,
		Fingerprint: node.Fingerprint(),
	}
	return ref, nil
}

func (f *fakeProvider) UpdateItem(ctx context.Context, ref tracker.WorkItemRef, fields tracker.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++

	item, ok := f.items[ref.RemoteID]
	if !ok {
		return &tracker.PermanentError{Status: 404, Err: fmt.Errorf("no item %s", ref.RemoteID)}
	}
	item.Title = fields.Title
	item.Body = fields.Body
	item.Labels = fields.Labels
	item.Fingerprint = hierarchy.FingerprintFields(ref.ItemType, fields.Title, fields.Body, fields.Acceptance, fields.Labels)
	f.items[ref.RemoteID] = item
	return nil
}

func (f *fakeProvider) GetItem(ctx context.Context, ref tracker.WorkItemRef) (tracker.RemoteItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++

	item, ok := f.items[ref.RemoteID]
	if !ok {
		return tracker.RemoteItem{}, &tracker.PermanentError{Status: 404, Err: fmt.Errorf("no item %s", ref.RemoteID)}
	}
	return item, nil
}

func (f *fakeProvider) LinkParentChild(ctx context.Context, parent, child tracker.WorkItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	return nil
}
