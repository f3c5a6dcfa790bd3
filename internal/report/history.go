package report

import "sync"

// Ring keeps the most recent cycles in memory when no database is
// configured.
type Ring struct {
	mu     sync.Mutex
	cycles []Cycle
	size   int
}

// NewRing creates a ring holding at most size cycles.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{size: size}
}

// Add records a cycle, evicting the oldest when full.
func (r *Ring) Add(c Cycle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cycles = append(r.cycles, c)
	if len(r.cycles) > r.size {
		r.cycles = append([]Cycle(nil), r.cycles[len(r.cycles)-r.size:]...)
	}
}

// Cycles returns the stored cycles, newest first.
func (r *Ring) Cycles() []Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Cycle, len(r.cycles))
	for i, c := range r.cycles {
		out[len(r.cycles)-1-i] = c
	}
	return out
}
