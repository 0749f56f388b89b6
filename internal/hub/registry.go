package hub

import (
	"context"
	"sync"

	"docsync-server/internal/repository"
	"docsync-server/internal/service"
)

// Registry is the sole authority over the documentID to hub mapping.
// Exactly one live hub exists per document at any instant.
type Registry struct {
	auth  service.AuthGateway
	store repository.SnapshotRepository
	cfg   Config

	mu   sync.Mutex
	hubs map[string]*Hub
}

func NewRegistry(auth service.AuthGateway, store repository.SnapshotRepository, cfg Config) *Registry {
	return &Registry{
		auth:  auth,
		store: store,
		cfg:   cfg,
		hubs:  make(map[string]*Hub),
	}
}

// GetOrCreate returns the live hub for a document, constructing one
// atomically on first connection. A hub caught mid-teardown is
// replaced rather than returned.
func (r *Registry) GetOrCreate(documentID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hubs[documentID]; ok && !h.isClosed() {
		return h
	}

	h := newHub(documentID, r.auth, r.store, r.cfg, r.releaseIfEmpty)
	r.hubs[documentID] = h
	return h
}

// Get returns the live hub for a document, or nil when none is
// active. Used by the internal API to avoid resurrecting idle hubs.
func (r *Registry) Get(documentID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hubs[documentID]; ok && !h.isClosed() {
		return h
	}
	return nil
}

// releaseIfEmpty removes a hub's mapping at teardown. The emptiness
// recheck guards the race with a connection admitted after the grace
// timer fired; a replaced mapping is left alone.
func (r *Registry) releaseIfEmpty(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.hubs[h.documentID]; ok && cur == h && cur.SessionCount() == 0 {
		delete(r.hubs, h.documentID)
	}
}

// Shutdown force-checkpoints every active hub. Called on process
// exit after the listener stops.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.hubs = make(map[string]*Hub)
	r.mu.Unlock()

	for _, h := range hubs {
		_ = h.Shutdown(ctx)
	}
}
