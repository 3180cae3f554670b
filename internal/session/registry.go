package session

import (
	"sync"
	"sync/atomic"

	"orpheus/internal/streaming"
)

// CleanupGuard prevents re-entrant teardown of a connection. The first
// trigger to acquire it runs the close sequence; later triggers are no-ops
// until the resources are fully released.
type CleanupGuard struct {
	flag atomic.Bool
}

// TryAcquire claims the guard. Returns false if teardown is already running.
func (g *CleanupGuard) TryAcquire() bool {
	return g.flag.CompareAndSwap(false, true)
}

// Active reports whether teardown is in flight.
func (g *CleanupGuard) Active() bool {
	return g.flag.Load()
}

// Release clears the guard once the connection's resources are released.
func (g *CleanupGuard) Release() {
	g.flag.Store(false)
}

// Entry is the per-connection record: session state, the owning streaming
// client, last-known contextual metadata and the cleanup guard.
type Entry struct {
	ConnID string
	Guard  CleanupGuard

	mu            sync.RWMutex
	state         State
	client        *streaming.Client
	streamID      string
	context       map[string]string
	ownerToken    string
	promptStarted bool
	sink          Sink
}

// State returns the current session state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Client returns the streaming client bound to this connection, if any.
func (e *Entry) Client() *streaming.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

// Context returns the last-known contextual metadata.
func (e *Entry) Context() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.context
}

// Registry is the process-wide map of connection → session entry. All
// mutation of shared session state goes through it; per-event handlers and
// the background sweepers both read it, so access is mutex-guarded.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	clientsBuilt atomic.Int64
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// GetOrCreate returns the entry for a connection, creating it on first use.
func (r *Registry) GetOrCreate(connID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[connID]; ok {
		return e
	}
	e := &Entry{ConnID: connID}
	r.entries[connID] = e
	return e
}

// Get returns the entry for a connection.
func (r *Registry) Get(connID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connID]
	return e, ok
}

// Remove drops a connection's entry entirely.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, connID)
}

// Snapshot returns a consistent view of all entries. Sweep iterations work
// from this snapshot rather than holding the registry lock while closing
// streams.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// LiveConnections returns the number of registered connections.
func (r *Registry) LiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LiveStreams returns the number of live streams across all clients.
func (r *Registry) LiveStreams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, e := range r.entries {
		if c := e.Client(); c != nil {
			total += c.LiveStreams()
		}
	}
	return total
}

// ClientsBuilt returns how many streaming clients have been constructed over
// the process lifetime.
func (r *Registry) ClientsBuilt() int64 {
	return r.clientsBuilt.Load()
}

func (r *Registry) countClientBuilt() {
	r.clientsBuilt.Add(1)
}
