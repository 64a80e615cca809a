package transport

import (
	"errors"

	"dev.c0redev.peerrpc/internal/peer"
)

// Linker is implemented by transports that know whether a peer link is up.
type Linker interface {
	Linked(id peer.ID) bool
}

// Multi stacks transports sharing one local ID. A send uses the first part
// with a live link to the peer, else the last part (which may dial).
// Receives drain every part.
type Multi struct {
	parts []Transport
}

// NewMulti orders parts by preference; the last one is the fallback.
func NewMulti(parts ...Transport) *Multi {
	if len(parts) == 0 {
		panic("transport: NewMulti needs at least one transport")
	}
	return &Multi{parts: parts}
}

func (m *Multi) LocalID() peer.ID { return m.parts[0].LocalID() }

// MaxMessageSize smallest of the parts so any of them can carry a frame.
func (m *Multi) MaxMessageSize() int {
	n := m.parts[0].MaxMessageSize()
	for _, p := range m.parts[1:] {
		n = min(n, p.MaxMessageSize())
	}
	return n
}

func (m *Multi) Send(to peer.ID, data []byte, kind Reliability) error {
	last := len(m.parts) - 1
	for _, p := range m.parts[:last] {
		if l, ok := p.(Linker); ok && l.Linked(to) {
			return p.Send(to, data, kind)
		}
	}
	return m.parts[last].Send(to, data, kind)
}

func (m *Multi) ReceiveBatch(max int) ([]Packet, error) {
	var out []Packet
	var errs []error
	for _, p := range m.parts {
		want := 0
		if max > 0 {
			if want = max - len(out); want <= 0 {
				break
			}
		}
		got, err := p.ReceiveBatch(want)
		out = append(out, got...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Pump forwards to parts that have events.
func (m *Multi) Pump() error {
	var errs []error
	for _, p := range m.parts {
		if ep, ok := p.(EventPump); ok {
			if err := ep.Pump(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
