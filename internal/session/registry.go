package session

import (
	"sort"
	"sync"
)

// Registry tracks the open tabs. It only maps handles to sessions; closing a
// session is the caller's job.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Handle]*Live
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Handle]*Live)}
}

// Register adds l under its handle.
func (r *Registry) Register(l *Live) {
	r.mu.Lock()
	r.sessions[l.ID()] = l
	r.mu.Unlock()
}

// Get returns the session for h.
func (r *Registry) Get(h Handle) (*Live, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.sessions[h]
	return l, ok
}

// Unregister removes h and returns the session it mapped to.
// It does NOT close the session.
func (r *Registry) Unregister(h Handle) (*Live, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.sessions[h]
	if ok {
		delete(r.sessions, h)
	}
	return l, ok
}

// List returns all sessions ordered by open time.
func (r *Registry) List() []*Live {
	r.mu.RLock()
	out := make([]*Live, 0, len(r.sessions))
	for _, l := range r.sessions {
		out = append(out, l)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of registered tabs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
