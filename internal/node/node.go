// Package node is the protocol engine: it turns RPC calls into authenticated
// frames on a transport and dispatches received frames to registered handlers.
// The node starts no goroutines: Poll drives it from one goroutine while the
// Send methods may be called from any.
package node

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/handshake"
	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
	"dev.c0redev.peerrpc/internal/reassembly"
	"dev.c0redev.peerrpc/internal/reliable"
	"dev.c0redev.peerrpc/internal/replay"
	"dev.c0redev.peerrpc/internal/rpc"
	"dev.c0redev.peerrpc/internal/sched"
	"dev.c0redev.peerrpc/internal/transport"
)

var (
	ErrOversize       = errors.New("message exceeds maximum size")
	ErrNoHost         = errors.New("no session host")
	ErrReservedModule = errors.New("module 0 is reserved for control messages")
)

// Validator vets every envelope before dispatch, local calls included.
type Validator func(e proto.Envelope, sender peer.ID) bool

// Node binds a transport, a membership view and the RPC registry.
type Node struct {
	cfg     Config
	log     *zap.Logger
	tr      transport.Transport
	members membership.Membership
	local   peer.ID

	registry    *rpc.Registry
	hs          *handshake.Manager
	tracker     *reliable.Tracker
	frags       *reassembly.Assembler
	guard       *replay.Guard
	controlSeen *replay.Window
	admitted    *replay.Window
	outLimit    *sched.Limiter
	inLimit     *sched.Limiter
	queue       sched.Queue[outgoing]

	mu        sync.RWMutex
	secret    []byte
	signers   map[uint32]proto.Signer
	verifiers map[uint32]proto.Verifier
	validator Validator

	retiredMu sync.Mutex
	retired   map[peer.ID]retiredKey

	seqMu sync.Mutex
	seqs  map[uint32]uint64
	seq0  uint64
	msgID atomic.Uint64
}

// New builds a node. members may be nil when every peer is addressed explicitly.
func New(cfg Config, tr transport.Transport, members membership.Membership) (*Node, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.Named("node")
	local := tr.LocalID()
	hs, err := handshake.New(local, cfg.Pins, cfg.Logger)
	if err != nil {
		return nil, err
	}
	maxMessage := maxMessageSize(tr)
	n := &Node{
		cfg:         cfg,
		log:         log,
		tr:          tr,
		members:     members,
		local:       local,
		registry:    rpc.NewRegistry(cfg.Logger),
		hs:          hs,
		tracker:     reliable.NewTracker(cfg.AckTimeout, cfg.MaxRetransmits, cfg.Now),
		frags:       reassembly.New(cfg.FragmentTimeout, maxMessage, cfg.Now),
		guard:       replay.NewGuard(proto.ControlModule),
		controlSeen: replay.NewWindow(cfg.ControlWindow),
		admitted:    replay.NewWindow(cfg.ControlWindow),
		outLimit:    sched.NewLimiter(cfg.RateLimit, cfg.RateWindow, cfg.Now),
		inLimit:     sched.NewLimiter(cfg.RateLimit, cfg.RateWindow, cfg.Now),
		signers:     make(map[uint32]proto.Signer),
		verifiers:   make(map[uint32]proto.Verifier),
		retired:     make(map[peer.ID]retiredKey),
		seqs:        make(map[uint32]uint64),
		// sequences continue above anything a previous run of this peer sent
		seq0: uint64(cfg.Now().UnixNano()),
	}
	n.msgID.Store(n.seq0)
	log.Info("node ready", zap.Stringer("peer", local), zap.String("name", cfg.Identity.Identify(local)),
		zap.Int("max_message", tr.MaxMessageSize()))
	return n, nil
}

// maxMessageSize largest accepted envelope: 16 single frames.
func maxMessageSize(tr transport.Transport) int {
	return proto.MaxFragments * tr.MaxMessageSize()
}

func (n *Node) LocalID() peer.ID { return n.local }

// Name identity of id as configured.
func (n *Node) Name(id peer.ID) string { return n.cfg.Identity.Identify(id) }

// Registry exposes registered routes (admin listing).
func (n *Node) Registry() *rpc.Registry { return n.registry }

// Register binds svc's methods under module for mask.
func (n *Node) Register(module uint32, svc rpc.Service, mask int32) (io.Closer, error) {
	if module == proto.ControlModule {
		return nil, ErrReservedModule
	}
	return n.registry.Register(module, svc, mask)
}

// RegisterType binds svc's methods as type-level handlers.
func (n *Node) RegisterType(module uint32, svc rpc.Service, mask int32) (io.Closer, error) {
	if module == proto.ControlModule {
		return nil, ErrReservedModule
	}
	return n.registry.RegisterType(module, svc, mask)
}

// RegisterModuleSigner signs every frame sent for module.
func (n *Node) RegisterModuleSigner(module uint32, s proto.Signer) {
	n.mu.Lock()
	n.signers[module] = s
	n.mu.Unlock()
}

// RegisterModulePublicKey verifies signed frames for module. Signed frames of
// a module without a registered key are dropped.
func (n *Node) RegisterModulePublicKey(module uint32, v proto.Verifier) {
	n.mu.Lock()
	n.verifiers[module] = v
	n.mu.Unlock()
}

// SetSharedSecret sets the global MAC key used for peers without a handshake
// key; nil clears it.
func (n *Node) SetSharedSecret(secret []byte) {
	n.mu.Lock()
	if secret == nil {
		n.secret = nil
	} else {
		n.secret = append([]byte(nil), secret...)
	}
	n.mu.Unlock()
}

func (n *Node) SetValidator(v Validator) {
	n.mu.Lock()
	n.validator = v
	n.mu.Unlock()
}

func (n *Node) signer(module uint32) proto.Signer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.signers[module]
}

func (n *Node) verifier(module uint32) (proto.Verifier, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.verifiers[module]
	return v, ok
}

// macKey handshake key for p, else the shared secret, else nil.
func (n *Node) macKey(p peer.ID) []byte {
	if k, ok := n.hs.KeyFor(p); ok {
		return k
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.secret
}

// retiredKey is a MAC key replaced by a handshake. It still verifies (never
// signs) frames from the peer until the sender's retransmissions of anything
// built under it have run out.
type retiredKey struct {
	key   []byte // nil: the peer had no key, unauthenticated frames pass
	until time.Time
}

// retire keeps old as p's fallback key when the handshake changed it.
func (n *Node) retire(p peer.ID, old []byte) {
	if bytes.Equal(old, n.macKey(p)) {
		return
	}
	grace := n.cfg.AckTimeout * time.Duration(n.cfg.MaxRetransmits+1)
	n.retiredMu.Lock()
	n.retired[p] = retiredKey{key: old, until: n.cfg.Now().Add(grace)}
	n.retiredMu.Unlock()
}

func (n *Node) retiredKey(p peer.ID) ([]byte, bool) {
	n.retiredMu.Lock()
	defer n.retiredMu.Unlock()
	r, ok := n.retired[p]
	if !ok {
		return nil, false
	}
	if n.cfg.Now().After(r.until) {
		delete(n.retired, p)
		return nil, false
	}
	return r.key, true
}

func (n *Node) validate(e proto.Envelope, sender peer.ID) bool {
	n.mu.RLock()
	v := n.validator
	n.mu.RUnlock()
	return v == nil || v(e, sender)
}

// StartHandshake begins key negotiation with p.
func (n *Node) StartHandshake(p peer.ID) error {
	if p == n.local {
		return fmt.Errorf("handshake with self")
	}
	env, err := n.hs.Start(p)
	if err != nil {
		return err
	}
	return n.sendControl(p, env, transport.Reliable)
}

func (n *Node) HandshakeState(p peer.ID) handshake.State { return n.hs.State(p) }

func (n *Node) Handshakes() []handshake.Status { return n.hs.Snapshot() }

// PeerJoined is called for membership joins (Poll does it for Notifier memberships).
func (n *Node) PeerJoined(p peer.ID) {
	n.log.Info("peer joined", zap.Stringer("peer", p), zap.String("name", n.Name(p)))
	if n.cfg.AutoHandshake && n.local < p {
		if err := n.StartHandshake(p); err != nil {
			n.log.Warn("auto handshake", zap.Stringer("peer", p), zap.Error(err))
		}
	}
}

// PeerLeft forgets everything known about p.
func (n *Node) PeerLeft(p peer.ID) {
	n.hs.Forget(p)
	n.guard.Forget(p)
	n.controlSeen.Forget(p)
	n.admitted.Forget(p)
	n.retiredMu.Lock()
	delete(n.retired, p)
	n.retiredMu.Unlock()
	n.inLimit.Forget(p)
	n.outLimit.Forget(p)
	n.tracker.Forget(p)
	n.frags.Forget(p)
	n.log.Info("peer left", zap.Stringer("peer", p), zap.String("name", n.Name(p)))
}

// Stats point-in-time counters.
type Stats struct {
	Peer            peer.ID
	Peers           int
	Unacked         int
	FragmentBuffers int
	QueuedHigh      int
	QueuedNormal    int
	QueuedLow       int
}

func (n *Node) Stats() Stats {
	s := Stats{
		Peer:            n.local,
		Unacked:         n.tracker.Len(),
		FragmentBuffers: n.frags.Len(),
		QueuedHigh:      n.queue.Len(sched.High),
		QueuedNormal:    n.queue.Len(sched.Normal),
		QueuedLow:       n.queue.Len(sched.Low),
	}
	if n.members != nil {
		s.Peers = len(n.members.Peers())
	}
	return s
}
