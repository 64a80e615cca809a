package transport

import (
	"math/rand"
	"sync"

	"dev.c0redev.peerrpc/internal/peer"
)

// Hub in-process switch for MemTransport endpoints (tests, local demos).
type Hub struct {
	mu    sync.Mutex
	nodes map[peer.ID]*MemTransport
	// LossRate drops unreliable sends with this probability.
	LossRate float64
	rng      *rand.Rand
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[peer.ID]*MemTransport), rng: rand.New(rand.NewSource(1))}
}

// Join adds an endpoint with id.
func (h *Hub) Join(id peer.ID) *MemTransport {
	t := &MemTransport{hub: h, id: id, maxSize: DefaultMaxMessageSize}
	h.mu.Lock()
	h.nodes[id] = t
	h.mu.Unlock()
	return t
}

// Leave removes id; later sends to it fail.
func (h *Hub) Leave(id peer.ID) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

// Peers currently joined.
func (h *Hub) Peers() []peer.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]peer.ID, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	return out
}

// MemTransport endpoint; a Tap sees every outgoing packet before delivery and may drop it.
type MemTransport struct {
	hub     *Hub
	id      peer.ID
	maxSize int

	mu    sync.Mutex
	inbox []Packet
	tap   func(to peer.ID, data []byte, kind Reliability) bool
}

// SetTap installs f; returning false drops the packet.
func (t *MemTransport) SetTap(f func(to peer.ID, data []byte, kind Reliability) bool) {
	t.mu.Lock()
	t.tap = f
	t.mu.Unlock()
}

// SetMaxMessageSize overrides DefaultMaxMessageSize.
func (t *MemTransport) SetMaxMessageSize(n int) { t.maxSize = n }

func (t *MemTransport) LocalID() peer.ID    { return t.id }
func (t *MemTransport) MaxMessageSize() int { return t.maxSize }

func (t *MemTransport) Send(to peer.ID, data []byte, kind Reliability) error {
	if len(data) > t.maxSize {
		return ErrTooLarge
	}
	t.mu.Lock()
	tap := t.tap
	t.mu.Unlock()
	if tap != nil && !tap(to, data, kind) {
		return nil
	}
	h := t.hub
	h.mu.Lock()
	dst, ok := h.nodes[to]
	lost := kind != Reliable && h.LossRate > 0 && h.rng.Float64() < h.LossRate
	h.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	if lost {
		return nil
	}
	dst.Deliver(t.id, data)
	return nil
}

// Deliver queues data as if received from 'from'.
func (t *MemTransport) Deliver(from peer.ID, data []byte) {
	cp := append([]byte(nil), data...)
	t.mu.Lock()
	t.inbox = append(t.inbox, Packet{From: from, Data: cp})
	t.mu.Unlock()
}

func (t *MemTransport) ReceiveBatch(max int) ([]Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.inbox)
	if max > 0 && n > max {
		n = max
	}
	out := make([]Packet, n)
	copy(out, t.inbox[:n])
	t.inbox = t.inbox[n:]
	return out, nil
}
