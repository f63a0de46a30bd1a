package feed

import (
	"context"
	"sync"

	"github.com/solentix/feedmux/errs"
)

// sessionEntry is the registry slot for one dataset. It doubles as the
// sentinel that serializes concurrent creators: the first caller inserts
// the entry and connects, later callers wait on ready.
type sessionEntry struct {
	ready chan struct{}
	sup   *SessionSupervisor
	err   error
}

// DatasetRegistry owns at most one SessionSupervisor per dataset, created
// lazily on first use. A dataset whose authentication failed stays failed
// for the life of the registry; transient connect failures are not cached.
type DatasetRegistry struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	build   func(dataset string) *SessionSupervisor
}

// NewDatasetRegistry builds a registry that constructs supervisors with
// build.
func NewDatasetRegistry(build func(dataset string) *SessionSupervisor) *DatasetRegistry {
	return &DatasetRegistry{
		entries: make(map[string]*sessionEntry),
		build:   build,
	}
}

// GetOrCreate returns the supervisor for dataset, creating and connecting
// it when absent. The second return is true when this call created the
// session. Two concurrent callers for the same dataset never race on
// authentication: the loser waits for the winner's outcome.
func (r *DatasetRegistry) GetOrCreate(ctx context.Context, dataset string) (*SessionSupervisor, bool, error) {
	r.mu.Lock()
	if entry, ok := r.entries[dataset]; ok {
		r.mu.Unlock()
		select {
		case <-entry.ready:
			return entry.sup, false, entry.err
		case <-ctx.Done():
			return nil, false, errs.New("feed/registry", errs.CodeCancelled,
				errs.WithDataset(dataset), errs.WithCause(ctx.Err()))
		}
	}
	entry := &sessionEntry{ready: make(chan struct{})}
	r.entries[dataset] = entry
	r.mu.Unlock()

	sup := r.build(dataset)
	err := sup.Connect(ctx)
	entry.sup = sup
	entry.err = err
	if err != nil && !errs.Is(err, errs.CodeAuth) {
		// transient connect failures are not cached; the next
		// subscriber dials fresh
		r.evict(dataset, entry)
	}
	close(entry.ready)
	return sup, err == nil, err
}

// Evict removes the dataset's entry when it still belongs to sup, so a
// later subscriber builds a fresh session.
func (r *DatasetRegistry) Evict(dataset string, sup *SessionSupervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[dataset]; ok && entry.sup == sup {
		delete(r.entries, dataset)
	}
}

func (r *DatasetRegistry) evict(dataset string, entry *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[dataset] == entry {
		delete(r.entries, dataset)
	}
}

// BroadcastClose closes every connected supervisor.
func (r *DatasetRegistry) BroadcastClose() {
	for _, sup := range r.snapshot() {
		sup.Close()
	}
}

// Drain waits for every supervisor's tasks to exit and empties the
// registry.
func (r *DatasetRegistry) Drain() {
	for _, sup := range r.snapshot() {
		sup.Wait()
	}
	r.mu.Lock()
	r.entries = make(map[string]*sessionEntry)
	r.mu.Unlock()
}

// Sessions returns the connected supervisors.
func (r *DatasetRegistry) Sessions() []*SessionSupervisor {
	return r.snapshot()
}

func (r *DatasetRegistry) snapshot() []*SessionSupervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SessionSupervisor, 0, len(r.entries))
	for _, entry := range r.entries {
		select {
		case <-entry.ready:
			if entry.sup != nil && entry.err == nil {
				out = append(out, entry.sup)
			}
		default:
		}
	}
	return out
}
