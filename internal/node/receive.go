package node

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
	"dev.c0redev.peerrpc/internal/rpc"
	"dev.c0redev.peerrpc/internal/transport"
)

func (n *Node) receive() error {
	packets, err := n.tr.ReceiveBatch(n.cfg.ReceiveBatch)
	for _, p := range packets {
		n.handlePacketSafe(p)
	}
	return err
}

func (n *Node) handlePacketSafe(p transport.Packet) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PollErrors.WithLabelValues("packet").Inc()
			n.log.Error("packet handler panic", zap.Stringer("peer", p.From), zap.Any("panic", r))
		}
	}()
	n.handlePacket(p.From, p.Data)
}

// handlePacket: MAC, reassembly, signature and decompression, then either
// the control path or replay guard, ack, validator and dispatch.
func (n *Node) handlePacket(from peer.ID, data []byte) {
	metrics.FramesReceived.Inc()
	h, body, err := n.unseal(from, data)
	if err != nil {
		n.drop(from, err)
		return
	}
	if h.Fragmented() {
		whole, done := n.frags.Add(from, h, body)
		if !done {
			return
		}
		body = whole
	}
	raw, err := proto.Open(h, body, n.verifier, maxMessageSize(n.tr))
	if err != nil {
		n.drop(from, err)
		return
	}
	e, err := proto.DecodeEnvelope(raw)
	if err != nil {
		n.drop(from, err)
		return
	}

	if e.Module == proto.ControlModule {
		if h.Flags.Has(proto.FlagAck) {
			n.sendAck(from, h.MessageID)
		}
		if !n.controlSeen.First(from, h.MessageID) {
			metrics.Dropped(metrics.DropDuplicate)
			return
		}
		n.handleControl(from, e)
		return
	}

	if !n.inLimit.Allow(from) {
		metrics.Dropped(metrics.DropRateLimited)
		n.log.Debug("inbound rate limited", zap.Stringer("peer", from))
		return
	}
	if !n.guard.Admit(from, e.Module, h.Sequence) {
		metrics.Dropped(metrics.DropReplay)
		if n.admitted.Seen(from, h.MessageID) {
			// delivered before, the earlier ack may have been lost
			if h.Flags.Has(proto.FlagAck) {
				n.sendAck(from, h.MessageID)
			}
			n.log.Debug("duplicate frame", zap.Stringer("peer", from), zap.Uint64("msg", h.MessageID))
			return
		}
		// never dispatched: no ack, the sender evicts it as undelivered
		n.log.Debug("stale sequence", zap.Stringer("peer", from), zap.Uint32("module", e.Module), zap.Uint64("seq", h.Sequence))
		return
	}
	n.admitted.First(from, h.MessageID)
	if h.Flags.Has(proto.FlagAck) {
		n.sendAck(from, h.MessageID)
	}
	if !n.validate(e, from) {
		metrics.Dropped(metrics.DropValidator)
		n.log.Debug("rejected by validator", zap.Stringer("peer", from), zap.String("method", e.Method))
		return
	}
	err = n.registry.Dispatch(e, rpc.Info{Sender: from, Name: n.Name(from)})
	switch {
	case err == nil:
		metrics.Dispatches.WithLabelValues("ok").Inc()
	case errors.Is(err, rpc.ErrUnknownRoute):
		metrics.Dropped(metrics.DropUnknown)
		metrics.Dispatches.WithLabelValues("unknown").Inc()
		n.log.Warn("no route", zap.Stringer("peer", from), zap.Uint32("module", e.Module), zap.String("method", e.Method), zap.Int32("mask", e.Mask))
	default:
		metrics.Dispatches.WithLabelValues("failed").Inc()
		n.log.Warn("dispatch failed", zap.Stringer("peer", from), zap.String("method", e.Method), zap.Error(err))
	}
}

// unseal checks the MAC under the peer's key, then under the key a recent
// handshake replaced.
func (n *Node) unseal(from peer.ID, data []byte) (proto.Header, []byte, error) {
	h, body, err := proto.Unseal(data, n.macKey(from), n.cfg.RequireMAC)
	if !errors.Is(err, proto.ErrAuthentication) {
		return h, body, err
	}
	old, ok := n.retiredKey(from)
	if !ok {
		return h, body, err
	}
	if h2, body2, err2 := proto.Unseal(data, old, n.cfg.RequireMAC && old != nil); err2 == nil {
		return h2, body2, nil
	}
	return h, body, err
}

func (n *Node) drop(from peer.ID, err error) {
	reason := metrics.DropMalformed
	if errors.Is(err, proto.ErrAuthentication) {
		reason = metrics.DropAuth
	}
	metrics.Dropped(reason)
	n.log.Debug("frame dropped", zap.Stringer("peer", from), zap.String("reason", reason), zap.Error(err))
}

func (n *Node) handleControl(from peer.ID, e proto.Envelope) {
	var err error
	switch e.Method {
	case proto.MethodAck:
		var id uint64
		if id, err = proto.DecodeAck(e.Args); err == nil {
			n.tracker.Ack(from, id)
		}
	case proto.MethodHandshakePubKey:
		var msg proto.HandshakeKey
		if msg, err = proto.DecodeHandshakeKey(e.Args); err != nil {
			break
		}
		var reply []byte
		if reply, err = n.hs.HandlePubKey(from, msg); err == nil {
			err = n.sendControl(from, reply, transport.Reliable)
		}
	case proto.MethodHandshakeSecret:
		var msg proto.HandshakeSecret
		if msg, err = proto.DecodeHandshakeSecret(e.Args); err != nil {
			break
		}
		var reply []byte
		if reply, err = n.hs.HandleSecret(from, msg); err != nil || reply == nil {
			break
		}
		// CONFIRM leaves under the old key; the new one applies after it
		old := n.macKey(from)
		err = n.sendControl(from, reply, transport.Reliable)
		n.hs.Commit(from)
		n.retire(from, old)
	case proto.MethodHandshakeConfirm:
		var msg proto.HandshakeConfirm
		if msg, err = proto.DecodeHandshakeConfirm(e.Args); err != nil {
			break
		}
		old := n.macKey(from)
		if err = n.hs.HandleConfirm(from, msg); err == nil {
			n.retire(from, old)
		}
	default:
		err = fmt.Errorf("%w: control method %q", rpc.ErrUnknownRoute, e.Method)
	}
	if err != nil {
		n.log.Debug("control message", zap.Stringer("peer", from), zap.String("method", e.Method), zap.Error(err))
	}
}
