// Package admin serves the node's JSON-RPC 2.0 admin surface (Admin.*) over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/node"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/sched"
	"dev.c0redev.peerrpc/internal/store"
	"dev.c0redev.peerrpc/internal/transport"
)

var (
	ErrBadArgs    = errors.New("invalid arguments")
	ErrNoMetadata = errors.New("no metadata store (etcd membership not configured)")
)

// PeerHistory is the store view used by Admin.Peers; nil leaves LastSeen empty.
type PeerHistory interface {
	ListPeers(since time.Time) ([]store.Peer, error)
}

// Metadata is the key/value side of etcd membership.
type Metadata interface {
	SetData(ctx context.Context, name, value string) error
	GetData(ctx context.Context, id peer.ID, name string) (string, bool, error)
	SetGroupData(ctx context.Context, name, value string) error
	GetGroupData(ctx context.Context, name string) (string, bool, error)
}

// Service methods are exposed as Admin.<Method>.
type Service struct {
	node    *node.Node
	members membership.Membership
	history PeerHistory
	meta    Metadata
	started time.Time
}

func NewService(n *node.Node, members membership.Membership, history PeerHistory) *Service {
	return &Service{node: n, members: members, history: history, started: time.Now()}
}

// WithMetadata enables Admin.GetData and Admin.SetData.
func (s *Service) WithMetadata(m Metadata) *Service {
	s.meta = m
	return s
}

type Empty struct{}

type StatusReply struct {
	Peer            string `json:"peer"`
	Name            string `json:"name"`
	Peers           int    `json:"peers"`
	Host            string `json:"host,omitempty"`
	Unacked         int    `json:"unacked"`
	FragmentBuffers int    `json:"fragment_buffers"`
	QueuedHigh      int    `json:"queued_high"`
	QueuedNormal    int    `json:"queued_normal"`
	QueuedLow       int    `json:"queued_low"`
	Uptime          string `json:"uptime"`
}

func (s *Service) Status(r *http.Request, args *Empty, reply *StatusReply) error {
	st := s.node.Stats()
	*reply = StatusReply{
		Peer:            st.Peer.String(),
		Name:            s.node.Name(st.Peer),
		Peers:           st.Peers,
		Unacked:         st.Unacked,
		FragmentBuffers: st.FragmentBuffers,
		QueuedHigh:      st.QueuedHigh,
		QueuedNormal:    st.QueuedNormal,
		QueuedLow:       st.QueuedLow,
		Uptime:          time.Since(s.started).Round(time.Second).String(),
	}
	if s.members != nil {
		if h, ok := s.members.Host(); ok {
			reply.Host = h.String()
		}
	}
	return nil
}

type PeerDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handshake string `json:"handshake"`
	Host      bool   `json:"host,omitempty"`
	LastSeen  string `json:"last_seen,omitempty"`
}

type PeersReply struct {
	Peers []PeerDTO `json:"peers"`
}

func (s *Service) Peers(r *http.Request, args *Empty, reply *PeersReply) error {
	if s.members == nil {
		reply.Peers = []PeerDTO{}
		return nil
	}
	seen := map[peer.ID]time.Time{}
	if s.history != nil {
		known, err := s.history.ListPeers(time.Time{})
		if err != nil {
			return err
		}
		for _, p := range known {
			seen[p.ID] = p.LastSeen
		}
	}
	host, hasHost := s.members.Host()
	reply.Peers = []PeerDTO{}
	for _, id := range s.members.Peers() {
		dto := PeerDTO{
			ID:        id.String(),
			Name:      s.node.Name(id),
			Handshake: s.node.HandshakeState(id).String(),
			Host:      hasHost && host == id,
		}
		if t, ok := seen[id]; ok && !t.IsZero() {
			dto.LastSeen = t.UTC().Format(time.RFC3339)
		}
		reply.Peers = append(reply.Peers, dto)
	}
	return nil
}

type PeerArgs struct {
	Peer string `json:"peer"`
}

type HandshakeReply struct {
	State string `json:"state"`
}

// Handshake starts key negotiation with args.Peer.
func (s *Service) Handshake(r *http.Request, args *PeerArgs, reply *HandshakeReply) error {
	id, err := peer.ParseID(args.Peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	if err := s.node.StartHandshake(id); err != nil {
		return err
	}
	reply.State = s.node.HandshakeState(id).String()
	return nil
}

type NameReply struct {
	Name string `json:"name"`
}

// Name the word identity of args.Peer.
func (s *Service) Name(r *http.Request, args *PeerArgs, reply *NameReply) error {
	id, err := peer.ParseID(args.Peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	reply.Name = s.node.Name(id)
	return nil
}

type RouteDTO struct {
	Module    uint32   `json:"module"`
	Method    string   `json:"method"`
	Mask      int32    `json:"mask"`
	Params    []string `json:"params"`
	TakesInfo bool     `json:"takes_info,omitempty"`
}

type RoutesReply struct {
	Routes []RouteDTO `json:"routes"`
}

func (s *Service) Routes(r *http.Request, args *Empty, reply *RoutesReply) error {
	reply.Routes = []RouteDTO{}
	for _, rt := range s.node.Registry().Routes() {
		reply.Routes = append(reply.Routes, RouteDTO{Module: rt.Module, Method: rt.Method, Mask: rt.Mask, Params: rt.Params, TakesInfo: rt.TakesInfo})
	}
	return nil
}

// SendArgs: Peer empty broadcasts, "host" targets the session host.
// Args are decoded into the registered parameter types in order.
type SendArgs struct {
	Peer     string            `json:"peer,omitempty"`
	Module   uint32            `json:"module"`
	Method   string            `json:"method"`
	Mask     int32             `json:"mask"`
	Reliable bool              `json:"reliable"`
	Priority string            `json:"priority,omitempty"` // high, normal, low
	Args     []json.RawMessage `json:"args"`
}

type SendReply struct {
	Queued bool `json:"queued"`
}

func (s *Service) Send(r *http.Request, args *SendArgs, reply *SendReply) error {
	vals, err := s.decodeArgs(args)
	if err != nil {
		return err
	}
	kind := transport.Unreliable
	if args.Reliable {
		kind = transport.Reliable
	}
	ctx := r.Context()
	switch args.Priority {
	case "":
	case "high":
		ctx = node.WithPriority(ctx, sched.High)
	case "normal":
		ctx = node.WithPriority(ctx, sched.Normal)
	case "low":
		ctx = node.WithPriority(ctx, sched.Low)
	default:
		return fmt.Errorf("%w: priority %q", ErrBadArgs, args.Priority)
	}
	if err := s.send(ctx, args, kind, vals); err != nil {
		return err
	}
	reply.Queued = true
	return nil
}

func (s *Service) send(ctx context.Context, args *SendArgs, kind transport.Reliability, vals []any) error {
	switch args.Peer {
	case "":
		return s.node.Send(ctx, args.Module, args.Method, kind, args.Mask, vals...)
	case "host":
		return s.node.SendToHost(ctx, args.Module, args.Method, kind, args.Mask, vals...)
	}
	id, err := peer.ParseID(args.Peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	return s.node.SendTo(ctx, id, args.Module, args.Method, kind, args.Mask, vals...)
}

func (s *Service) decodeArgs(args *SendArgs) ([]any, error) {
	types, ok := s.node.Registry().ParamTypes(args.Module, args.Method, args.Mask)
	if !ok {
		return nil, fmt.Errorf("%w: no local handler for %d:%s mask %d", ErrBadArgs, args.Module, args.Method, args.Mask)
	}
	if len(args.Args) != len(types) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArgs, args.Method, len(types), len(args.Args))
	}
	vals := make([]any, len(types))
	for i, t := range types {
		v := reflect.New(t)
		if err := json.Unmarshal(args.Args[i], v.Interface()); err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrBadArgs, i, err)
		}
		vals[i] = v.Elem().Interface()
	}
	return vals, nil
}

// DataArgs: Peer empty addresses group-wide keys.
type DataArgs struct {
	Peer  string `json:"peer,omitempty"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type DataReply struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

func (s *Service) GetData(r *http.Request, args *DataArgs, reply *DataReply) error {
	if s.meta == nil {
		return ErrNoMetadata
	}
	if args.Key == "" {
		return fmt.Errorf("%w: empty key", ErrBadArgs)
	}
	var err error
	if args.Peer == "" {
		reply.Value, reply.Found, err = s.meta.GetGroupData(r.Context(), args.Key)
		return err
	}
	id, err := peer.ParseID(args.Peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	reply.Value, reply.Found, err = s.meta.GetData(r.Context(), id, args.Key)
	return err
}

// SetData writes our own key when Peer is "self", else a group key.
func (s *Service) SetData(r *http.Request, args *DataArgs, reply *Empty) error {
	if s.meta == nil {
		return ErrNoMetadata
	}
	if args.Key == "" {
		return fmt.Errorf("%w: empty key", ErrBadArgs)
	}
	switch args.Peer {
	case "":
		return s.meta.SetGroupData(r.Context(), args.Key, args.Value)
	case "self":
		return s.meta.SetData(r.Context(), args.Key, args.Value)
	}
	return fmt.Errorf("%w: peer must be empty or \"self\"", ErrBadArgs)
}
