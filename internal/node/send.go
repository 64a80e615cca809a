package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
	"dev.c0redev.peerrpc/internal/rpc"
	"dev.c0redev.peerrpc/internal/sched"
	"dev.c0redev.peerrpc/internal/transport"
)

// outgoing envelope waiting for its frame; message id, sequence, signature
// and MAC are assigned when it leaves the queue.
type outgoing struct {
	to       peer.ID
	module   uint32
	envelope []byte
	kind     transport.Reliability
}

type priorityKey struct{}

// WithPriority overrides the method-name priority for sends made with ctx.
func WithPriority(ctx context.Context, p sched.Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

func priorityOf(ctx context.Context, method string) sched.Priority {
	if p, ok := ctx.Value(priorityKey{}).(sched.Priority); ok {
		return p
	}
	return sched.PriorityFor(method)
}

// envelope encodes args against the registered parameter types.
func (n *Node) envelope(module uint32, method string, mask int32, args []any) ([]byte, error) {
	if module == proto.ControlModule {
		return nil, ErrReservedModule
	}
	a, err := n.registry.EncodeArgs(module, method, mask, args)
	if err != nil {
		return nil, err
	}
	env := proto.EncodeEnvelope(module, method, mask, a)
	if max := maxMessageSize(n.tr); len(env) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversize, len(env), max)
	}
	return env, nil
}

// Send calls method on every member and on the local handlers.
func (n *Node) Send(ctx context.Context, module uint32, method string, kind transport.Reliability, mask int32, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := n.envelope(module, method, mask, args)
	if err != nil {
		return err
	}
	prio := priorityOf(ctx, method)
	if n.members != nil {
		for _, p := range n.members.Peers() {
			if p == n.local {
				continue
			}
			n.enqueue(prio, outgoing{to: p, module: module, envelope: env, kind: kind})
		}
	}
	n.invokeLocal(env)
	return nil
}

// SendTo calls method on one peer; the local peer is served directly.
func (n *Node) SendTo(ctx context.Context, to peer.ID, module uint32, method string, kind transport.Reliability, mask int32, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := n.envelope(module, method, mask, args)
	if err != nil {
		return err
	}
	if n.isLocal(to) {
		n.invokeLocal(env)
		return nil
	}
	n.enqueue(priorityOf(ctx, method), outgoing{to: to, module: module, envelope: env, kind: kind})
	return nil
}

// SendToHost calls method on the membership host.
func (n *Node) SendToHost(ctx context.Context, module uint32, method string, kind transport.Reliability, mask int32, args ...any) error {
	if n.members == nil {
		return ErrNoHost
	}
	host, ok := n.members.Host()
	if !ok {
		return ErrNoHost
	}
	return n.SendTo(ctx, host, module, method, kind, mask, args...)
}

func (n *Node) isLocal(p peer.ID) bool {
	return p == n.local || (n.members != nil && n.members.IsLocal(p))
}

func (n *Node) invokeLocal(env []byte) {
	e, err := proto.DecodeEnvelope(env)
	if err != nil {
		return
	}
	if !n.validate(e, n.local) {
		metrics.Dropped(metrics.DropValidator)
		return
	}
	info := rpc.Info{Sender: n.local, Name: n.Name(n.local), IsLocal: true}
	if n.registry.InvokeAll(e, info) > 0 {
		metrics.Dispatches.WithLabelValues("local").Inc()
	}
}

// enqueue: high priority goes out now, the rest waits for flush.
func (n *Node) enqueue(p sched.Priority, o outgoing) {
	if p == sched.High {
		n.transmit(o)
		return
	}
	n.queue.Push(p, o)
}

func (n *Node) flush() error {
	for _, o := range n.queue.Pop(n.cfg.FlushBudget) {
		n.transmit(o)
	}
	return nil
}

func (n *Node) nextSeq(module uint32) uint64 {
	n.seqMu.Lock()
	defer n.seqMu.Unlock()
	s, ok := n.seqs[module]
	if !ok {
		s = n.seq0
	}
	s++
	n.seqs[module] = s
	return s
}

// transmit frames o for its target and hands it to the transport.
func (n *Node) transmit(o outgoing) {
	if !n.outLimit.Allow(o.to) {
		metrics.Dropped(metrics.DropRateLimited)
		n.log.Debug("outbound rate limited", zap.Stringer("peer", o.to))
		return
	}
	n.sendFrame(o.to, o.envelope, o.kind, n.signer(o.module), n.nextSeq(o.module))
}

// sendControl frames a module-0 envelope immediately, bypassing queue and limiter.
func (n *Node) sendControl(to peer.ID, env []byte, kind transport.Reliability) error {
	return n.sendFrame(to, env, kind, nil, n.nextSeq(proto.ControlModule))
}

func (n *Node) sendAck(to peer.ID, msgID uint64) {
	_ = n.sendControl(to, proto.EncodeAck(msgID), transport.Unreliable)
}

func (n *Node) sendFrame(to peer.ID, env []byte, kind transport.Reliability, signer proto.Signer, seq uint64) error {
	id := n.msgID.Add(1)
	frame, err := proto.Build(env, proto.BuildOptions{
		MessageID:         id,
		Sequence:          seq,
		Ack:               kind == transport.Reliable,
		Signer:            signer,
		MACKey:            n.macKey(to),
		CompressThreshold: n.cfg.CompressThreshold,
	})
	if err != nil {
		n.log.Error("build frame", zap.Stringer("peer", to), zap.Error(err))
		return err
	}
	if len(frame) > n.tr.MaxMessageSize() {
		metrics.Dropped(metrics.DropOversize)
		n.log.Warn("frame exceeds transport message size, dropped",
			zap.Stringer("peer", to), zap.Int("size", len(frame)), zap.Int("max", n.tr.MaxMessageSize()))
		return ErrOversize
	}
	if kind == transport.Reliable {
		n.tracker.Track(to, id, frame, kind)
	}
	if err := n.tr.Send(to, frame, kind); err != nil {
		metrics.Dropped(metrics.DropTransport)
		n.log.Debug("transport send", zap.Stringer("peer", to), zap.Error(err))
		return err
	}
	metrics.FramesSent.WithLabelValues(kind.String()).Inc()
	return nil
}

func (n *Node) retransmit() error {
	resend, dropped := n.tracker.Due()
	for _, e := range dropped {
		metrics.Evictions.Inc()
		n.log.Debug("unacked frame evicted", zap.Stringer("peer", e.Target), zap.Uint64("msg", e.MsgID), zap.Int("attempts", e.Attempts))
	}
	for _, e := range resend {
		metrics.Retransmits.Inc()
		if err := n.tr.Send(e.Target, e.Frame, e.Kind); err != nil {
			n.log.Debug("retransmit", zap.Stringer("peer", e.Target), zap.Error(err))
		}
	}
	return nil
}
