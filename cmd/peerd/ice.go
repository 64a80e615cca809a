package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/store"
	"dev.c0redev.peerrpc/internal/transport"
)

const (
	iceGatherTimeout  = 10 * time.Second
	iceConnectTimeout = 30 * time.Second
	iceHelloTimeout   = 5 * time.Second
)

// iceBroker sets up direct ICE links next to QUIC, signaling through etcd.
// The lower peer ID is the controlling side and offers first.
type iceBroker struct {
	local peer.ID
	stun  string
	conns *transport.ConnTransport
	etcd  *membership.Etcd
	db    *store.DB
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[peer.ID]*transport.IceSession
}

func newICEBroker(local peer.ID, stun string, conns *transport.ConnTransport, etcd *membership.Etcd, db *store.DB, log *zap.Logger) *iceBroker {
	return &iceBroker{
		local:    local,
		stun:     stun,
		conns:    conns,
		etcd:     etcd,
		db:       db,
		log:      log.Named("ice"),
		sessions: make(map[peer.ID]*transport.IceSession),
	}
}

// run answers signals until ctx ends.
func (b *iceBroker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-b.etcd.Signals():
			if err := b.db.UpdatePeerICE(sig.From, sig.Data); err != nil {
				b.log.Warn("store signal", zap.Stringer("peer", sig.From), zap.Error(err))
			}
			remote, err := transport.ParseSignal(sig.Data)
			if err != nil {
				b.log.Debug("bad signal", zap.Stringer("peer", sig.From), zap.Error(err))
				continue
			}
			go b.answer(ctx, sig.From, remote)
		}
	}
}

// join offers a session when we are the controlling side. Non-blocking.
func (b *iceBroker) join(ctx context.Context, p peer.ID) {
	if b.local > p || b.conns.Linked(p) {
		return
	}
	s, fresh, err := b.session(p, true)
	if err != nil {
		b.log.Warn("ice agent", zap.Stringer("peer", p), zap.Error(err))
		return
	}
	if !fresh {
		return
	}
	go func() {
		gctx, cancel := context.WithTimeout(ctx, iceGatherTimeout)
		defer cancel()
		sig, err := s.Local(gctx)
		if err == nil {
			err = b.etcd.SendSignal(ctx, p, sig.String())
		}
		if err != nil {
			b.log.Warn("ice offer", zap.Stringer("peer", p), zap.Error(err))
			b.drop(p)
		}
	}()
}

// answer: the controlled side replies with its own signal, then both connect.
func (b *iceBroker) answer(ctx context.Context, from peer.ID, remote transport.Signal) {
	controlling := b.local < from
	s, fresh, err := b.session(from, controlling)
	if err != nil {
		b.log.Warn("ice agent", zap.Stringer("peer", from), zap.Error(err))
		return
	}
	if !controlling {
		if !fresh {
			return
		}
		gctx, cancel := context.WithTimeout(ctx, iceGatherTimeout)
		sig, err := s.Local(gctx)
		cancel()
		if err == nil {
			err = b.etcd.SendSignal(ctx, from, sig.String())
		}
		if err != nil {
			b.log.Warn("ice answer", zap.Stringer("peer", from), zap.Error(err))
			b.drop(from)
			return
		}
	}
	cctx, cancel := context.WithTimeout(ctx, iceConnectTimeout)
	defer cancel()
	conn, err := s.Connect(cctx, remote)
	if err != nil {
		b.log.Info("ice connect failed, staying on quic", zap.Stringer("peer", from), zap.Error(err))
		b.drop(from)
		return
	}
	got, err := b.conns.AttachPacket(conn, iceHelloTimeout)
	if err != nil || got != from {
		b.log.Warn("ice attach", zap.Stringer("peer", from), zap.Stringer("hello", got), zap.Error(err))
		conn.Close()
		return
	}
	b.mu.Lock()
	delete(b.sessions, from)
	b.mu.Unlock()
}

func (b *iceBroker) session(p peer.ID, controlling bool) (*transport.IceSession, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[p]; ok {
		return s, false, nil
	}
	s, err := transport.NewIceSession(b.stun, controlling)
	if err != nil {
		return nil, false, err
	}
	b.sessions[p] = s
	return s, true, nil
}

func (b *iceBroker) drop(p peer.ID) {
	b.mu.Lock()
	s, ok := b.sessions[p]
	delete(b.sessions, p)
	b.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (b *iceBroker) leave(p peer.ID) { b.drop(p) }
