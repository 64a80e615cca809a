package membership

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/peer"
)

const (
	DefaultPrefix   = "/peerrpc"
	DefaultLeaseTTL = 10
	opTimeout       = 5 * time.Second
)

// EtcdConfig for NewEtcd.
type EtcdConfig struct {
	Endpoints []string
	Prefix    string
	LeaseTTL  int64 // seconds
	Local     peer.ID
	Addr      string // our dial address, announced under the lease
	Logger    *zap.Logger
}

// Signal out-of-band payload addressed to the local peer (ICE credentials).
type Signal struct {
	From peer.ID
	Data string
}

// DataChange metadata update. Peer is peer.Nil for group-wide keys.
type DataChange struct {
	Peer  peer.ID
	Key   string
	Value string
}

// Etcd membership: each peer keeps prefix/peers/<id> alive under a lease and
// watches the prefix for joins, leaves, host changes, metadata and signals.
type Etcd struct {
	members
	cli     *clientv3.Client
	prefix  string
	lease   clientv3.LeaseID
	log     *zap.Logger
	cancel  context.CancelFunc
	signals chan Signal
	changes chan DataChange
	done    chan struct{}
}

// NewEtcd registers the local peer and loads the current members.
func NewEtcd(ctx context.Context, cfg EtcdConfig) (*Etcd, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      log.Named("etcd.client"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	e := &Etcd{
		cli:     cli,
		prefix:  strings.TrimSuffix(cfg.Prefix, "/"),
		log:     log.Named("membership.etcd"),
		signals: make(chan Signal, eventBuffer),
		changes: make(chan DataChange, eventBuffer),
		done:    make(chan struct{}),
	}
	e.init(cfg.Local)
	e.members.log = e.log
	if err := e.register(ctx, cfg.Addr, cfg.LeaseTTL); err != nil {
		cli.Close()
		return nil, err
	}
	rev, err := e.load(ctx)
	if err != nil {
		cli.Close()
		return nil, err
	}
	wctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.watch(wctx, rev+1)
	e.log.Info("joined", zap.Stringer("peer", cfg.Local), zap.String("addr", cfg.Addr), zap.Int("members", len(e.Peers())))
	return e, nil
}

func (e *Etcd) register(ctx context.Context, addr string, ttl int64) error {
	lease, err := e.cli.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	e.lease = lease.ID
	if _, err := e.cli.Put(ctx, e.peerKey(e.local), addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd register: %w", err)
	}
	ch, err := e.cli.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		select {
		case <-e.done:
		default:
			e.log.Warn("lease keepalive ended", zap.Int64("lease", int64(lease.ID)))
		}
	}()
	return nil
}

func (e *Etcd) load(ctx context.Context) (int64, error) {
	resp, err := e.cli.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("etcd load: %w", err)
	}
	for _, kv := range resp.Kvs {
		e.apply(mvccpb.PUT, string(kv.Key), string(kv.Value))
	}
	return resp.Header.Revision, nil
}

func (e *Etcd) watch(ctx context.Context, rev int64) {
	wch := e.cli.Watch(ctx, e.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			e.log.Warn("watch", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			e.apply(ev.Type, string(ev.Kv.Key), string(ev.Kv.Value))
		}
	}
}

func (e *Etcd) apply(typ mvccpb.Event_EventType, full, value string) {
	k, ok := parseKey(e.prefix, full)
	if !ok {
		return
	}
	put := typ == mvccpb.PUT
	switch k.kind {
	case "peers":
		if put {
			e.put(k.peer, value)
		} else {
			e.drop(k.peer)
		}
	case "host":
		if !put {
			e.setHost(peer.Nil)
			return
		}
		id, err := peer.ParseID(value)
		if err != nil {
			e.log.Debug("bad host value", zap.String("value", value))
			return
		}
		e.setHost(id)
	case "data", "group":
		if !put {
			value = ""
		}
		select {
		case e.changes <- DataChange{Peer: k.peer, Key: k.name, Value: value}:
		default:
		}
	case "signal":
		if !put || k.peer != e.local {
			return
		}
		select {
		case e.signals <- Signal{From: k.from, Data: value}:
		default:
			e.log.Debug("signal dropped", zap.Stringer("from", k.from))
		}
	}
}

type key struct {
	kind string
	peer peer.ID
	from peer.ID
	name string
}

// parseKey splits prefix/<kind>/... into its parts.
func parseKey(prefix, full string) (key, bool) {
	rest, ok := strings.CutPrefix(full, prefix+"/")
	if !ok {
		return key{}, false
	}
	parts := strings.SplitN(rest, "/", 3)
	k := key{kind: parts[0]}
	var err error
	switch {
	case k.kind == "host" && len(parts) == 1:
		return k, true
	case k.kind == "peers" && len(parts) == 2:
		k.peer, err = peer.ParseID(parts[1])
	case k.kind == "group" && len(parts) >= 2:
		k.name = strings.Join(parts[1:], "/")
	case k.kind == "data" && len(parts) == 3:
		k.peer, err = peer.ParseID(parts[1])
		k.name = parts[2]
	case k.kind == "signal" && len(parts) == 3:
		if k.peer, err = peer.ParseID(parts[1]); err == nil {
			k.from, err = peer.ParseID(parts[2])
		}
	default:
		return key{}, false
	}
	if err != nil {
		return key{}, false
	}
	return k, true
}

func (e *Etcd) peerKey(id peer.ID) string { return e.prefix + "/peers/" + id.String() }

// Signals addressed to us.
func (e *Etcd) Signals() <-chan Signal { return e.signals }

// Changes metadata updates (peer and group).
func (e *Etcd) Changes() <-chan DataChange { return e.changes }

// SetData publishes our per-peer metadata; it disappears with the lease.
func (e *Etcd) SetData(ctx context.Context, name, value string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := e.cli.Put(ctx, fmt.Sprintf("%s/data/%s/%s", e.prefix, e.local, name), value, clientv3.WithLease(e.lease))
	return err
}

// GetData reads id's metadata; missing keys return "", false.
func (e *Etcd) GetData(ctx context.Context, id peer.ID, name string) (string, bool, error) {
	return e.get(ctx, fmt.Sprintf("%s/data/%s/%s", e.prefix, id, name))
}

// SetGroupData publishes session-wide metadata (not tied to our lease).
func (e *Etcd) SetGroupData(ctx context.Context, name, value string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := e.cli.Put(ctx, e.prefix+"/group/"+name, value)
	return err
}

func (e *Etcd) GetGroupData(ctx context.Context, name string) (string, bool, error) {
	return e.get(ctx, e.prefix+"/group/"+name)
}

func (e *Etcd) get(ctx context.Context, k string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	resp, err := e.cli.Get(ctx, k)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// ClaimHost publishes us as host.
func (e *Etcd) ClaimHost(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := e.cli.Put(ctx, e.prefix+"/host", e.local.String(), clientv3.WithLease(e.lease))
	return err
}

// SendSignal posts data for peer to; it is delivered through to's Signals.
func (e *Etcd) SendSignal(ctx context.Context, to peer.ID, data string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := e.cli.Put(ctx, fmt.Sprintf("%s/signal/%s/%s", e.prefix, to, e.local), data, clientv3.WithLease(e.lease))
	return err
}

// Close revokes the lease (peers see us leave) and closes the client.
func (e *Etcd) Close() error {
	close(e.done)
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := e.cli.Revoke(ctx, e.lease); err != nil {
		e.log.Warn("revoke lease", zap.Error(err))
	}
	return e.cli.Close()
}
