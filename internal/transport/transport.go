// Package transport: message transports carrying frames between peers.
package transport

import (
	"errors"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/peer"
)

// Reliability requested for one send.
type Reliability uint8

const (
	Unreliable Reliability = iota
	Reliable
	UnreliableNoDelay
)

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case UnreliableNoDelay:
		return "unreliable_nodelay"
	}
	return "unreliable"
}

var ErrUnknownPeer = errors.New("unknown peer")
var ErrClosed = errors.New("transport closed")
var ErrTooLarge = errors.New("message exceeds transport max size")

// Packet one received message.
type Packet struct {
	From peer.ID
	Data []byte
}

// Transport sends and receives discrete messages. Send and ReceiveBatch must not block on the network.
type Transport interface {
	Send(to peer.ID, data []byte, kind Reliability) error
	// ReceiveBatch returns up to max pending packets, possibly none.
	ReceiveBatch(max int) ([]Packet, error)
	LocalID() peer.ID
	MaxMessageSize() int
}

// EventPump is implemented by transports with low-level events to drain each poll.
type EventPump interface {
	Pump() error
}

// DefaultMaxMessageSize single message cap (64 KiB).
const DefaultMaxMessageSize = 64 * 1024

func named(log *zap.Logger, name string) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log.Named(name)
}
