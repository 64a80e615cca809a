// Package metrics: prometheus collectors for the protocol engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerrpc"

// Drop reasons used as the "reason" label of FramesDropped.
const (
	DropMalformed   = "malformed"
	DropAuth        = "auth"
	DropReplay      = "replay"
	DropRateLimited = "rate_limited"
	DropOversize    = "oversize"
	DropUnknown     = "unknown_route"
	DropValidator   = "validator"
	DropTransport   = "transport"
	DropDuplicate   = "duplicate"
)

var (
	Registry = prometheus.NewRegistry()

	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport.",
		},
		[]string{"reliability"},
	)

	FramesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the transport.",
		},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason.",
		},
		[]string{"reason"},
	)

	Retransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Reliable frames sent again after the ack timeout.",
		},
	)

	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unacked_evictions_total",
			Help:      "Reliable frames given up on after the retransmit cap.",
		},
	)

	Handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_events_total",
			Help:      "Handshake progress, by event.",
		},
		[]string{"event"},
	)

	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "RPC dispatch attempts, by result.",
		},
		[]string{"result"},
	)

	MembershipEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_events_dropped_total",
			Help:      "Membership events lost because the consumer fell behind, by kind.",
		},
		[]string{"kind"},
	)

	PollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Errors and recovered panics per poll step.",
		},
		[]string{"step"},
	)

	Unacked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unacked_frames",
			Help:      "Reliable frames waiting for an ack.",
		},
	)

	FragmentBuffers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fragment_buffers",
			Help:      "Partially reassembled messages.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_queue_depth",
			Help:      "Queued outgoing messages, by priority.",
		},
		[]string{"priority"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent in one Node.Poll.",
			// 10us .. ~160ms
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(FramesSent, FramesReceived, FramesDropped, Retransmits, Evictions,
		Handshakes, Dispatches, MembershipEventsDropped, PollErrors, Unacked, FragmentBuffers, QueueDepth, PollDuration, uptime)
}

// Handler exposes Registry; mount at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Dropped counts one dropped frame.
func Dropped(reason string) { FramesDropped.WithLabelValues(reason).Inc() }
