package replay

import (
	"sync"

	"dev.c0redev.peerrpc/internal/peer"
)

// DefaultWindow message IDs remembered per sender.
const DefaultWindow = 1024

type seenSet struct {
	ids  map[uint64]struct{}
	ring []uint64
	next int
}

// Window remembers recently processed message IDs per sender (FIFO-bounded).
// Control messages are idempotent by message_id; this keeps retransmits from re-applying.
type Window struct {
	mu   sync.Mutex
	size int
	seen map[peer.ID]*seenSet
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{size: size, seen: make(map[peer.ID]*seenSet)}
}

// First records msgID; false if it was already seen from sender.
func (w *Window) First(sender peer.ID, msgID uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.seen[sender]
	if !ok {
		s = &seenSet{ids: make(map[uint64]struct{}), ring: make([]uint64, 0, w.size)}
		w.seen[sender] = s
	}
	if _, dup := s.ids[msgID]; dup {
		return false
	}
	if len(s.ring) < w.size {
		s.ring = append(s.ring, msgID)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = msgID
		s.next = (s.next + 1) % w.size
	}
	s.ids[msgID] = struct{}{}
	return true
}

// Seen reports whether msgID from sender is remembered, without recording it.
func (w *Window) Seen(sender peer.ID, msgID uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.seen[sender]
	if !ok {
		return false
	}
	_, dup := s.ids[msgID]
	return dup
}

func (w *Window) Forget(sender peer.ID) {
	w.mu.Lock()
	delete(w.seen, sender)
	w.mu.Unlock()
}
