// Package reliable: unacked frame table with timeout-driven retransmission.
package reliable

import (
	"sort"
	"sync"
	"time"

	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/transport"
)

const (
	DefaultAckTimeout     = 1200 * time.Millisecond
	DefaultMaxRetransmits = 5
)

// Entry one frame awaiting ack.
type Entry struct {
	Target   peer.ID
	MsgID    uint64
	Frame    []byte
	Kind     transport.Reliability
	LastSent time.Time
	Attempts int // transmissions so far, first send included
}

type key struct {
	target peer.ID
	msgID  uint64
}

// Tracker stores entries by (target, message_id).
type Tracker struct {
	mu             sync.Mutex
	items          map[key]Entry
	ackTimeout     time.Duration
	maxRetransmits int
	now            func() time.Time
}

// NewTracker; zero values fall back to defaults, now nil = time.Now.
func NewTracker(ackTimeout time.Duration, maxRetransmits int, now func() time.Time) *Tracker {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	if maxRetransmits <= 0 {
		maxRetransmits = DefaultMaxRetransmits
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{items: make(map[key]Entry), ackTimeout: ackTimeout, maxRetransmits: maxRetransmits, now: now}
}

// Track records a frame just sent for the first time.
func (t *Tracker) Track(target peer.ID, msgID uint64, frame []byte, kind transport.Reliability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key{target, msgID}] = Entry{Target: target, MsgID: msgID, Frame: frame, Kind: kind, LastSent: t.now(), Attempts: 1}
}

// Ack removes the entry; false if nothing was tracked.
func (t *Tracker) Ack(target peer.ID, msgID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{target, msgID}
	if _, ok := t.items[k]; !ok {
		return false
	}
	delete(t.items, k)
	return true
}

// Due returns entries to resend now (attempts and last-sent already bumped)
// and entries evicted after maxRetransmits resends. Caller does the I/O.
func (t *Tracker) Due() (resend, dropped []Entry) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.items {
		if now.Sub(e.LastSent) <= t.ackTimeout {
			continue
		}
		if e.Attempts > t.maxRetransmits {
			delete(t.items, k)
			dropped = append(dropped, e)
			continue
		}
		e.Attempts++
		e.LastSent = now
		t.items[k] = e
		resend = append(resend, e)
	}
	sort.Slice(resend, func(i, j int) bool { return resend[i].MsgID < resend[j].MsgID })
	return resend, dropped
}

// Forget drops every entry for target.
func (t *Tracker) Forget(target peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.items {
		if k.target == target {
			delete(t.items, k)
		}
	}
}

// Get entry by key.
func (t *Tracker) Get(target peer.ID, msgID uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[key{target, msgID}]
	return e, ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
