package node

import (
	"time"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/config"
	"dev.c0redev.peerrpc/internal/handshake"
	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
	"dev.c0redev.peerrpc/internal/reassembly"
	"dev.c0redev.peerrpc/internal/reliable"
	"dev.c0redev.peerrpc/internal/replay"
	"dev.c0redev.peerrpc/internal/sched"
)

// DefaultReceiveBatch packets drained per Poll.
const DefaultReceiveBatch = 500

// Config protocol knobs. Zero values take the defaults.
type Config struct {
	AckTimeout        time.Duration
	MaxRetransmits    int
	FragmentTimeout   time.Duration
	FlushBudget       int
	RateLimit         int // events per RateWindow per peer, each direction; <0 disables
	RateWindow        time.Duration
	CompressThreshold int
	ReceiveBatch      int
	ControlWindow     int
	// RequireMAC drops unauthenticated frames from peers we hold a key for.
	RequireMAC bool
	// AutoHandshake: the lower peer ID starts a handshake when a peer joins.
	AutoHandshake bool

	Logger   *zap.Logger
	Now      func() time.Time
	Identity peer.Identity
	Pins     handshake.Pinner
	// OnMembership runs in Poll after the node handled a membership event.
	OnMembership func(membership.Event)
}

// FromProtocol maps the [protocol] config section.
func FromProtocol(p config.Protocol) Config {
	return Config{
		AckTimeout:        p.AckTimeout,
		MaxRetransmits:    p.MaxRetransmits,
		FragmentTimeout:   p.FragmentTimeout,
		FlushBudget:       p.FlushBudget,
		RateLimit:         p.RateLimit,
		RateWindow:        p.RateWindow,
		CompressThreshold: p.CompressThreshold,
		ReceiveBatch:      p.ReceiveBatch,
		RequireMAC:        p.RequireMAC,
	}
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = reliable.DefaultAckTimeout
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = reliable.DefaultMaxRetransmits
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = reassembly.DefaultTimeout
	}
	if c.FlushBudget <= 0 {
		c.FlushBudget = sched.DefaultFlushBudget
	}
	if c.RateLimit == 0 {
		c.RateLimit = sched.DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = sched.DefaultRateWindow
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = proto.CompressThreshold
	}
	if c.ReceiveBatch <= 0 {
		c.ReceiveBatch = DefaultReceiveBatch
	}
	if c.ControlWindow <= 0 {
		c.ControlWindow = replay.DefaultWindow
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Identity == nil {
		c.Identity = peer.IdentityFunc(peer.ID.String)
	}
	return c
}
