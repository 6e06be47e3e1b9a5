package popbox

import (
	"sort"
	"sync"
)

// PendingDeletions stages deletions for one access session. They are committed
// against the remote mailbox when the access closes and discarded afterwards.
type PendingDeletions struct {
	mu    sync.Mutex
	uidls map[string]struct{}
}

// NewPendingDeletions creates an empty set
func NewPendingDeletions() *PendingDeletions {
	return &PendingDeletions{uidls: make(map[string]struct{})}
}

// Add stages identifiers for deletion
func (p *PendingDeletions) Add(uidls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, uidl := range uidls {
		if uidl != "" {
			p.uidls[uidl] = struct{}{}
		}
	}
}

// Contains reports whether uidl is staged
func (p *PendingDeletions) Contains(uidl string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.uidls[uidl]
	return ok
}

// Len returns the number of staged identifiers
func (p *PendingDeletions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.uidls)
}

// Drain empties the set and returns its sorted content. Only the first call
// after a batch of Adds sees those identifiers.
func (p *PendingDeletions) Drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	uidls := make([]string, 0, len(p.uidls))
	for uidl := range p.uidls {
		uidls = append(uidls, uidl)
	}
	p.uidls = make(map[string]struct{})
	sort.Strings(uidls)

	return uidls
}
