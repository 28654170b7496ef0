// Package registry implements the Agent Registry (C2): a process-wide
// mapping of live worker ids to metadata, used only for observability and
// leak detection, never consulted for scheduling decisions.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sce.dev/auto/common/id"
)

// Metadata is recorded for one live worker.
type Metadata struct {
	WorkerID     string
	SpecName     string
	RegisteredAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Metadata)}
}

// Register allocates a fresh opaque workerId and records its metadata.
func (r *Registry) Register(specName string) string {
	workerID := id.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[workerID] = Metadata{
		WorkerID:     workerID,
		SpecName:     specName,
		RegisteredAt: time.Now(),
	}
	return workerID
}

// Deregister removes the entry for workerID. Idempotent: deregistering an
// id that is not present (or already removed) is a no-op, never an error.
func (r *Registry) Deregister(ctx context.Context, workerID string) {
	r.mu.Lock()
	_, existed := r.entries[workerID]
	delete(r.entries, workerID)
	r.mu.Unlock()

	if !existed {
		slog.DebugContext(ctx, "deregister of unknown or already-removed worker", "worker_id", workerID)
	}
}

// Get returns the metadata for a live worker, if any.
func (r *Registry) Get(workerID string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[workerID]
	return m, ok
}

// Live returns a snapshot of every currently registered worker, for leak
// detection and observability.
func (r *Registry) Live() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.entries))
	for _, m := range r.entries {
		out = append(out, m)
	}
	return out
}

// Len reports the number of currently registered (live) workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
