// Package handshake negotiates a per-peer MAC key over three control messages:
// PUBKEY (public key + nonce), SECRET (wrapped key + nonce), CONFIRM (nonce + HMAC).
//
// The side that receives a PUBKEY while holding its own nonce generates the key
// and wraps it to the peer's public key. The other side unwraps it, answers with
// CONFIRM and installs the key. The generator installs only after CONFIRM checks out.
package handshake

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/crypto"
	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
)

var ErrMismatch = errors.New("handshake confirmation mismatch")
var ErrNoSession = errors.New("no handshake in progress")

// State of one peer's handshake.
type State int

const (
	StateEmpty State = iota
	StatePubKeyExchanged
	StateSecretExchanged
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePubKeyExchanged:
		return "pubkey-exchanged"
	case StateSecretExchanged:
		return "secret-exchanged"
	case StateCompleted:
		return "completed"
	}
	return "empty"
}

// Pinner remembers the first public key seen per peer (trust on first use).
type Pinner interface {
	PinPeerKey(id peer.ID, pub []byte) (changed bool, err error)
}

type session struct {
	peerPublic []byte
	peerNonce  string
	localNonce string
	pending    []byte // generated or unwrapped, not yet installed
	generator  bool
	key        []byte
	state      State
}

// Status snapshot of one session.
type Status struct {
	Peer  peer.ID
	State State
}

// Manager holds handshake state per peer. Safe for concurrent use; does no I/O.
type Manager struct {
	local peer.ID
	keys  *crypto.KeyPair
	pins  Pinner
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[peer.ID]*session
}

// New creates a manager with a fresh ML-KEM key pair. pins and log may be nil.
func New(local peer.ID, pins Pinner, log *zap.Logger) (*Manager, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("handshake key pair: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{local: local, keys: keys, pins: pins, log: log.Named("handshake"), sessions: make(map[peer.ID]*session)}, nil
}

func (m *Manager) get(p peer.ID) *session {
	s, ok := m.sessions[p]
	if !ok {
		s = &session{}
		m.sessions[p] = s
	}
	return s
}

// Start (re)negotiates with p and returns the PUBKEY envelope to send.
// A completed key stays in use until the new one is installed.
func (m *Manager) Start(p peer.ID) ([]byte, error) {
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	old := m.sessions[p]
	s := &session{localNonce: nonce}
	if old != nil {
		s.key = old.key
	}
	m.sessions[p] = s
	m.mu.Unlock()
	metrics.Handshakes.WithLabelValues("started").Inc()
	m.log.Debug("handshake started", zap.Stringer("peer", p))
	return proto.EncodeHandshakeKey(proto.HandshakeKey{PublicKey: m.keys.Public, Nonce: nonce}), nil
}

// HandlePubKey records the peer's key and nonce. It answers with our own
// PUBKEY when we have no nonce yet, otherwise with SECRET.
func (m *Manager) HandlePubKey(p peer.ID, msg proto.HandshakeKey) ([]byte, error) {
	if len(msg.PublicKey) == 0 || msg.Nonce == "" {
		return nil, fmt.Errorf("%w: empty pubkey or nonce", proto.ErrMalformedFrame)
	}
	m.pin(p, msg.PublicKey)

	m.mu.Lock()
	s := m.get(p)
	s.peerPublic = append([]byte(nil), msg.PublicKey...)
	s.peerNonce = msg.Nonce
	s.state = StatePubKeyExchanged
	if s.localNonce == "" {
		nonce, err := crypto.NewNonce()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		s.localNonce = nonce
		m.mu.Unlock()
		return proto.EncodeHandshakeKey(proto.HandshakeKey{PublicKey: m.keys.Public, Nonce: nonce}), nil
	}
	peerPublic, nonce := s.peerPublic, s.localNonce
	m.mu.Unlock()

	key, err := crypto.RandomKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.Wrap(peerPublic, key)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	m.mu.Lock()
	s = m.get(p)
	s.pending = key
	s.generator = true
	s.state = StateSecretExchanged
	m.mu.Unlock()
	return proto.EncodeHandshakeSecret(proto.HandshakeSecret{Encrypted: wrapped, Nonce: nonce}), nil
}

// HandleSecret unwraps the key and returns the CONFIRM envelope. The key is
// held until Commit so CONFIRM itself still goes out under the previous key.
// When both sides generated a key, the lower peer ID keeps its own and ignores
// the other's SECRET (nil reply, nil error).
func (m *Manager) HandleSecret(p peer.ID, msg proto.HandshakeSecret) ([]byte, error) {
	key, err := m.keys.Unwrap(msg.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap: %v", proto.ErrAuthentication, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(p)
	if s.generator && s.state == StateSecretExchanged && m.local < p {
		m.log.Debug("crossed secrets, keeping ours", zap.Stringer("peer", p))
		return nil, nil
	}
	if s.localNonce == "" {
		nonce, err := crypto.NewNonce()
		if err != nil {
			return nil, err
		}
		s.localNonce = nonce
	}
	s.peerNonce = msg.Nonce
	s.pending = key
	s.generator = false
	s.state = StateSecretExchanged
	return proto.EncodeHandshakeConfirm(proto.HandshakeConfirm{
		Nonce: s.localNonce,
		MAC:   proto.MAC(key, []byte(s.localNonce)),
	}), nil
}

// Commit installs the key accepted by HandleSecret. Call once CONFIRM is sent.
func (m *Manager) Commit(p peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p]
	if !ok || s.generator || s.pending == nil {
		return
	}
	m.complete(p, s)
}

// HandleConfirm checks CONFIRM against the pending key: nonce must be the one
// the peer sent in PUBKEY and the HMAC must verify. Mismatch leaves the state as is.
func (m *Manager) HandleConfirm(p peer.ID, msg proto.HandshakeConfirm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p]
	if !ok || !s.generator || s.pending == nil {
		return ErrNoSession
	}
	if msg.Nonce != s.peerNonce || !hmac.Equal(proto.MAC(s.pending, []byte(msg.Nonce)), msg.MAC) {
		metrics.Handshakes.WithLabelValues("mismatch").Inc()
		m.log.Warn("handshake confirmation mismatch", zap.Stringer("peer", p))
		return ErrMismatch
	}
	m.complete(p, s)
	return nil
}

func (m *Manager) complete(p peer.ID, s *session) {
	s.key = s.pending
	s.pending = nil
	s.state = StateCompleted
	metrics.Handshakes.WithLabelValues("completed").Inc()
	m.log.Info("handshake completed", zap.Stringer("peer", p), zap.Bool("generator", s.generator))
}

func (m *Manager) pin(p peer.ID, pub []byte) {
	if m.pins == nil {
		return
	}
	changed, err := m.pins.PinPeerKey(p, pub)
	if err != nil {
		m.log.Error("pin peer key", zap.Stringer("peer", p), zap.Error(err))
		return
	}
	if changed {
		metrics.Handshakes.WithLabelValues("key_changed").Inc()
		m.log.Warn("peer handshake key changed since first use", zap.Stringer("peer", p))
	}
}

// KeyFor returns p's installed key.
func (m *Manager) KeyFor(p peer.ID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p]
	if !ok || s.key == nil {
		return nil, false
	}
	return s.key, true
}

func (m *Manager) State(p peer.ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[p]; ok {
		return s.state
	}
	return StateEmpty
}

// Snapshot of every known session.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for p, s := range m.sessions {
		out = append(out, Status{Peer: p, State: s.state})
	}
	return out
}

// Forget drops all state for p.
func (m *Manager) Forget(p peer.ID) {
	m.mu.Lock()
	delete(m.sessions, p)
	m.mu.Unlock()
}
