// Package reassembly: multi-frame message buffers keyed by (sender, message_id).
package reassembly

import (
	"sync"
	"time"

	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
)

// DefaultTimeout partial buffers older than this are discarded.
const DefaultTimeout = 30 * time.Second

type key struct {
	sender peer.ID
	msgID  uint64
}

type buffer struct {
	total     int32
	flags     proto.Flags
	firstSeen time.Time
	parts     map[int32][]byte
	size      int
}

// Assembler holds in-flight fragment buffers.
type Assembler struct {
	mu      sync.Mutex
	buffers map[key]*buffer
	timeout time.Duration
	maxSize int
	now     func() time.Time
}

// New assembler; timeout<=0 = DefaultTimeout, maxSize<=0 = unlimited, now nil = time.Now.
func New(timeout time.Duration, maxSize int, now func() time.Time) *Assembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Assembler{buffers: make(map[key]*buffer), timeout: timeout, maxSize: maxSize, now: now}
}

// bodyFlags must agree across fragments of one message.
const bodyFlags = proto.FlagCompressed | proto.FlagSigned

// Add stores one fragment body. Returns the concatenated body when the last
// missing index arrives. Expired buffers are swept first, whichever sender they belong to.
func (a *Assembler) Add(sender peer.ID, h proto.Header, body []byte) ([]byte, bool) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(now)

	k := key{sender: sender, msgID: h.MessageID}
	b, ok := a.buffers[k]
	if !ok {
		b = &buffer{total: h.FragmentTotal, flags: h.Flags & bodyFlags, firstSeen: now, parts: make(map[int32][]byte, h.FragmentTotal)}
		a.buffers[k] = b
	}
	if b.total != h.FragmentTotal || b.flags != h.Flags&bodyFlags {
		delete(a.buffers, k)
		return nil, false
	}
	if _, dup := b.parts[h.FragmentIndex]; dup {
		return nil, false
	}
	b.size += len(body)
	if a.maxSize > 0 && b.size > a.maxSize {
		delete(a.buffers, k)
		return nil, false
	}
	b.parts[h.FragmentIndex] = append([]byte(nil), body...)
	if int32(len(b.parts)) < b.total {
		return nil, false
	}
	delete(a.buffers, k)
	out := make([]byte, 0, b.size)
	for i := int32(0); i < b.total; i++ {
		out = append(out, b.parts[i]...)
	}
	return out, true
}

// Sweep drops expired buffers; returns how many.
func (a *Assembler) Sweep() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked(now)
}

func (a *Assembler) sweepLocked(now time.Time) int {
	n := 0
	for k, b := range a.buffers {
		if now.Sub(b.firstSeen) > a.timeout {
			delete(a.buffers, k)
			n++
		}
	}
	return n
}

// Forget drops every buffer from sender.
func (a *Assembler) Forget(sender peer.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.buffers {
		if k.sender == sender {
			delete(a.buffers, k)
		}
	}
}

// Len pending buffers.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
