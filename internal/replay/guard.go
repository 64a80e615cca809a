// Package replay: per-(sender, module) sequence guard and control-message dedupe.
package replay

import (
	"sync"

	"dev.c0redev.peerrpc/internal/peer"
)

type key struct {
	sender peer.ID
	module uint32
}

// Guard admits strictly increasing sequences per (sender, module).
type Guard struct {
	mu     sync.Mutex
	last   map[key]uint64
	exempt map[uint32]bool
}

// NewGuard; modules in exempt bypass checking.
func NewGuard(exempt ...uint32) *Guard {
	g := &Guard{last: make(map[key]uint64), exempt: make(map[uint32]bool)}
	for _, m := range exempt {
		g.exempt[m] = true
	}
	return g
}

// Exempt reports whether module skips sequence checks.
func (g *Guard) Exempt(module uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exempt[module]
}

// Admit records seq if greater than the last admitted value.
func (g *Guard) Admit(sender peer.ID, module uint32, seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exempt[module] {
		return true
	}
	k := key{sender, module}
	if last, ok := g.last[k]; ok && seq <= last {
		return false
	}
	g.last[k] = seq
	return true
}

// Last admitted sequence for (sender, module).
func (g *Guard) Last(sender peer.ID, module uint32) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.last[key{sender, module}]
	return v, ok
}

// Forget clears every module for sender.
func (g *Guard) Forget(sender peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.last {
		if k.sender == sender {
			delete(g.last, k)
		}
	}
}
