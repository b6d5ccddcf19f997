package wml

import "sync"

// Registry accounts for live documents. The orchestrator owns one and
// passes it wherever documents are created, so allocation stats are
// available without ambient global state.
type Registry struct {
	mu   sync.Mutex
	docs map[*Document]struct{}
}

// Stats is a point-in-time snapshot of document accounting.
type Stats struct {
	Documents int
	Bytes     int
}

// NewRegistry creates an empty document registry.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[*Document]struct{})}
}

func (r *Registry) attach(d *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[d] = struct{}{}
}

func (r *Registry) detach(d *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, d)
}

// Stats reports the number of live documents and their approximate
// combined size.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Documents: len(r.docs)}
	for d := range r.docs {
		s.Bytes += d.Size()
	}
	return s
}
