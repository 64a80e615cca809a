package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/sched"
	"dev.c0redev.peerrpc/internal/transport"
)

// maxEventsPerPoll membership events handled in one Poll.
const maxEventsPerPoll = 64

// Poll runs one engine iteration: transport and membership events, queue
// flush, retransmits, then inbound packets. A failing step is logged and the
// remaining steps still run. Call it from a single goroutine.
func (n *Node) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.PollDuration.Observe(time.Since(start).Seconds()) }()

	n.step("pump", n.pump)
	n.step("flush", n.flush)
	n.step("retransmit", n.retransmit)
	n.step("sweep", func() error { n.frags.Sweep(); return nil })
	n.step("receive", n.receive)

	metrics.Unacked.Set(float64(n.tracker.Len()))
	metrics.FragmentBuffers.Set(float64(n.frags.Len()))
	for _, p := range []sched.Priority{sched.High, sched.Normal, sched.Low} {
		metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(n.queue.Len(p)))
	}
	return nil
}

func (n *Node) step(name string, f func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return f()
	}()
	if err != nil {
		metrics.PollErrors.WithLabelValues(name).Inc()
		n.log.Error("poll step", zap.String("step", name), zap.Error(err))
	}
}

func (n *Node) pump() error {
	var err error
	if p, ok := n.tr.(transport.EventPump); ok {
		err = p.Pump()
	}
	notifier, ok := n.members.(membership.Notifier)
	if !ok {
		return err
	}
	events := notifier.Events()
	for i := 0; i < maxEventsPerPoll; i++ {
		select {
		case ev := <-events:
			switch ev.Kind {
			case membership.PeerJoined:
				n.PeerJoined(ev.Peer)
			case membership.PeerLeft:
				n.PeerLeft(ev.Peer)
			}
			if n.cfg.OnMembership != nil {
				n.cfg.OnMembership(ev)
			}
		default:
			return err
		}
	}
	return err
}
