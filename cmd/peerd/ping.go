package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/node"
	"dev.c0redev.peerrpc/internal/rpc"
	"dev.c0redev.peerrpc/internal/transport"
	"dev.c0redev.peerrpc/internal/wire"
)

// pingModule built-in liveness check, callable through Admin.Send.
var pingModule = rpc.StringID("peerd.ping")

// pongReport is the Pong argument; it travels as a CBOR blob.
type pongReport struct {
	Sent     int64  `cbor:"1,keyasint"`
	Received int64  `cbor:"2,keyasint"`
	Host     string `cbor:"3,keyasint,omitempty"`
	Peers    int    `cbor:"4,keyasint"`
}

func init() {
	wire.Register(wire.CBOR[pongReport]())
}

type pingService struct {
	node *node.Node
	log  *zap.Logger
	now  func() time.Time
}

func (s *pingService) RPCMethods() []rpc.Method {
	return []rpc.Method{
		rpc.HandleInfo1("Ping", s.ping),
		rpc.HandleInfo1("Pong", s.pong),
	}
}

func (s *pingService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *pingService) ping(sent int64, in rpc.Info) error {
	s.log.Info("ping", zap.Stringer("from", in.Sender), zap.String("name", in.Name), zap.Bool("local", in.IsLocal))
	if in.IsLocal {
		return nil
	}
	host, _ := os.Hostname()
	r := pongReport{
		Sent:     sent,
		Received: s.clock().UnixNano(),
		Host:     host,
		Peers:    s.node.Stats().Peers,
	}
	return s.node.SendTo(context.Background(), in.Sender, pingModule, "Pong", transport.Reliable, 0, r)
}

func (s *pingService) pong(r pongReport, in rpc.Info) error {
	rtt := time.Duration(s.clock().UnixNano() - r.Sent)
	s.log.Info("pong", zap.Stringer("from", in.Sender), zap.String("name", in.Name),
		zap.String("host", r.Host), zap.Int("peers", r.Peers),
		zap.Duration("rtt", rtt), zap.Duration("one_way", time.Duration(r.Received-r.Sent)))
	return nil
}
