// Package membership tracks which peers belong to the session and who hosts it.
package membership

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/peer"
)

// Membership view consumed by the node.
type Membership interface {
	// Peers remote members, local peer excluded.
	Peers() []peer.ID
	IsLocal(id peer.ID) bool
	// Host the session host, if one is known.
	Host() (peer.ID, bool)
}

// EventKind membership change.
type EventKind uint8

const (
	PeerJoined EventKind = iota + 1
	PeerLeft
)

func (k EventKind) String() string {
	if k == PeerLeft {
		return "left"
	}
	return "joined"
}

// Event one membership change. Addr is empty when unknown.
type Event struct {
	Kind EventKind
	Peer peer.ID
	Addr string
}

// Notifier is implemented by memberships that report changes. The channel is
// drained without blocking; when full, events are dropped by the producer.
type Notifier interface {
	Events() <-chan Event
}

const eventBuffer = 256

// members shared bookkeeping of Static and Etcd.
type members struct {
	local  peer.ID
	events chan Event
	log    *zap.Logger

	mu    sync.RWMutex
	addrs map[peer.ID]string
	host  peer.ID
}

func (m *members) init(local peer.ID) {
	m.local = local
	m.events = make(chan Event, eventBuffer)
	m.log = zap.NewNop()
	m.addrs = make(map[peer.ID]string)
}

func (m *members) Peers() []peer.ID {
	m.mu.RLock()
	out := make([]peer.ID, 0, len(m.addrs))
	for id := range m.addrs {
		if id != m.local {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *members) IsLocal(id peer.ID) bool { return id == m.local }

// Host explicit host if set, else the lowest member ID (local included).
func (m *members) Host() (peer.ID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.host != peer.Nil {
		return m.host, true
	}
	lowest := m.local
	for id := range m.addrs {
		if id < lowest {
			lowest = id
		}
	}
	return lowest, lowest != peer.Nil
}

// Addr dial address of id.
func (m *members) Addr(id peer.ID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.addrs[id]
	return a, ok
}

func (m *members) Events() <-chan Event { return m.events }

func (m *members) emit(e Event) {
	select {
	case m.events <- e:
	default:
		// a lost PeerLeft leaves the consumer holding that peer's state
		metrics.MembershipEventsDropped.WithLabelValues(e.Kind.String()).Inc()
		m.log.Warn("membership event dropped, consumer is behind",
			zap.Stringer("event", e.Kind), zap.Stringer("peer", e.Peer))
	}
}

// put records id; returns true when it was not a member before.
func (m *members) put(id peer.ID, addr string) bool {
	m.mu.Lock()
	_, known := m.addrs[id]
	m.addrs[id] = addr
	m.mu.Unlock()
	if !known && id != m.local {
		m.emit(Event{Kind: PeerJoined, Peer: id, Addr: addr})
	}
	return !known
}

func (m *members) drop(id peer.ID) {
	m.mu.Lock()
	_, known := m.addrs[id]
	delete(m.addrs, id)
	m.mu.Unlock()
	if known && id != m.local {
		m.emit(Event{Kind: PeerLeft, Peer: id})
	}
}

func (m *members) setHost(id peer.ID) {
	m.mu.Lock()
	m.host = id
	m.mu.Unlock()
}

// Static fixed peer list, editable at runtime.
type Static struct {
	members
}

// NewStatic: peers maps ID to dial address. Initial peers produce join events.
func NewStatic(local peer.ID, peers map[peer.ID]string) *Static {
	s := &Static{}
	s.init(local)
	ids := make([]peer.ID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.put(id, peers[id])
	}
	return s
}

// SetLogger reports dropped events to log.
func (s *Static) SetLogger(log *zap.Logger) { s.log = log.Named("membership") }

func (s *Static) Add(id peer.ID, addr string) { s.put(id, addr) }
func (s *Static) Remove(id peer.ID)           { s.drop(id) }

// SetHost pins the host; peer.Nil restores lowest-ID election.
func (s *Static) SetHost(id peer.ID) { s.setHost(id) }
