// Package peer: transport-level peer identity.
package peer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// ID opaque 64-bit peer identity assigned by the transport.
type ID uint64

// Nil is never a valid peer.
const Nil ID = 0

func (id ID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// ParseID accepts 16-digit hex (as printed by String) or a decimal with "d:" prefix.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "d:"); ok {
		v, err := strconv.ParseUint(rest, 10, 64)
		return ID(v), err
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return Nil, fmt.Errorf("peer id %q: %w", s, err)
	}
	return ID(v), nil
}

// NewID random non-zero ID.
func NewID() ID {
	var b [8]byte
	for {
		rand.Read(b[:])
		if id := ID(binary.LittleEndian.Uint64(b[:])); id != Nil {
			return id
		}
	}
}

// Identity maps a peer ID to an application-level identity.
type Identity interface {
	Identify(id ID) string
}

// IdentityFunc adapts a func to Identity.
type IdentityFunc func(ID) string

func (f IdentityFunc) Identify(id ID) string { return f(id) }
