// peerd: one peer of the RPC mesh. QUIC transport, static or etcd membership,
// optional ICE links, prometheus metrics and the JSON-RPC admin endpoint.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/admin"
	"dev.c0redev.peerrpc/internal/config"
	"dev.c0redev.peerrpc/internal/crypto"
	"dev.c0redev.peerrpc/internal/idwords"
	"dev.c0redev.peerrpc/internal/logging"
	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/node"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/store"
	"dev.c0redev.peerrpc/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("PEERRPC_CONFIG"), "TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "peerd:", err)
		os.Exit(1)
	}
	log, _, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "peerd: logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("peerd", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return err
	}
	db, err := store.Open(filepath.Join(cfg.Node.DataDir, "peerd.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	ident, err := db.LoadOrCreateIdentity(func() (store.Identity, error) {
		s, err := crypto.NewSigner(nil)
		if err != nil {
			return store.Identity{}, err
		}
		return store.Identity{Peer: peer.NewID(), SigningSeed: s.Seed()}, nil
	})
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	local := ident.Peer
	if cfg.Node.ID != "" {
		// validated by config.Load
		local, _ = peer.ParseID(cfg.Node.ID)
	}
	signer, err := crypto.NewSigner(ident.SigningSeed)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	q, err := transport.ListenQUIC(transport.QUICConfig{
		ID:             local,
		Listen:         cfg.Node.Listen,
		MaxMessageSize: cfg.Node.MaxMessageSize,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Node.Listen, err)
	}
	defer q.Close()
	static, _ := cfg.StaticPeers()
	for id, addr := range static {
		q.AddPeer(id, addr)
	}
	if known, err := db.ListPeers(time.Now().Add(-7 * 24 * time.Hour)); err == nil {
		for _, p := range known {
			if _, ok := static[p.ID]; !ok && p.Addr != "" {
				q.AddPeer(p.ID, p.Addr)
			}
		}
	}

	var (
		members membership.Membership
		etcd    *membership.Etcd
	)
	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err = membership.NewEtcd(ctx, membership.EtcdConfig{
			Endpoints: cfg.Etcd.Endpoints,
			Prefix:    cfg.Etcd.Prefix,
			LeaseTTL:  cfg.Etcd.LeaseTTL,
			Local:     local,
			Addr:      cfg.Node.Listen,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		defer etcd.Close()
		members = etcd
		if cfg.Etcd.ClaimHost {
			if err := etcd.ClaimHost(ctx); err != nil {
				return fmt.Errorf("claim host: %w", err)
			}
		}
	} else {
		s := membership.NewStatic(local, static)
		s.SetLogger(log)
		members = s
	}

	var tr transport.Transport = q
	var ice *iceBroker
	if cfg.ICE.Enable {
		if etcd == nil {
			log.Warn("ice needs etcd for signaling, disabled")
		} else {
			conns := transport.NewConnTransport(local, cfg.Node.MaxMessageSize, log)
			defer conns.Close()
			ice = newICEBroker(local, cfg.ICE.STUN, conns, etcd, db, log)
			tr = transport.NewMulti(conns, q)
		}
	}

	ncfg := node.FromProtocol(cfg.Protocol)
	ncfg.Logger = log
	ncfg.Identity = idwords.Identity
	ncfg.Pins = db
	ncfg.AutoHandshake = true
	ncfg.OnMembership = func(ev membership.Event) {
		switch ev.Kind {
		case membership.PeerJoined:
			if ev.Addr != "" {
				q.AddPeer(ev.Peer, ev.Addr)
			}
			if err := db.UpsertPeer(ev.Peer, ev.Addr); err != nil {
				log.Warn("store peer", zap.Stringer("peer", ev.Peer), zap.Error(err))
			}
			if ice != nil {
				ice.join(ctx, ev.Peer)
			}
		case membership.PeerLeft:
			q.RemovePeer(ev.Peer)
			if ice != nil {
				ice.leave(ev.Peer)
			}
		}
	}
	n, err := node.New(ncfg, tr, members)
	if err != nil {
		return err
	}
	secret, _ := cfg.SharedSecret()
	n.SetSharedSecret(secret)

	pings := &pingService{node: n, log: log.Named("ping")}
	if _, err := n.Register(pingModule, pings, 0); err != nil {
		return err
	}
	for _, m := range cfg.Modules {
		if m.Sign {
			n.RegisterModuleSigner(m.ID, signer)
		}
		if m.PublicKey != "" {
			raw, _ := hex.DecodeString(m.PublicKey)
			v, err := crypto.NewVerifier(raw)
			if err != nil {
				return fmt.Errorf("module %d: %w", m.ID, err)
			}
			n.RegisterModulePublicKey(m.ID, v)
		}
	}

	if ice != nil {
		go ice.run(ctx)
	}
	if etcd != nil {
		publish(ctx, etcd, local, signer, log)
		go watchData(ctx, etcd, log)
	}
	var servers []*http.Server
	if addr := cfg.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, serve(log, "metrics", addr, mux))
	}
	if addr := cfg.Admin.Listen; addr != "" {
		svc := admin.NewService(n, members, db)
		if etcd != nil {
			svc.WithMetadata(etcd)
		}
		h, err := admin.Handler(svc, cfg.Admin.TokenHash, log)
		if err != nil {
			return err
		}
		servers = append(servers, serve(log, "admin", addr, h))
	}

	log.Info("peerd running", zap.Stringer("peer", local), zap.String("name", idwords.Name(local)),
		zap.String("signing_key", hex.EncodeToString(signer.Public().Bytes())),
		zap.Stringer("listen", q.Addr()), zap.Int("static_peers", len(static)), zap.Bool("etcd", etcd != nil))
	loop(ctx, n, cfg.Node.Tick)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
	log.Info("peerd stopped")
	return nil
}

func loop(ctx context.Context, n *node.Node, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Error("poll", zap.Error(err))
			}
		}
	}
}

// publish our name and module signing key as lease-bound metadata.
func publish(ctx context.Context, etcd *membership.Etcd, local peer.ID, signer *crypto.Ed25519Signer, log *zap.Logger) {
	for k, v := range map[string]string{
		"name":        idwords.Name(local),
		"signing_key": hex.EncodeToString(signer.Public().Bytes()),
	} {
		if err := etcd.SetData(ctx, k, v); err != nil {
			log.Warn("publish metadata", zap.String("key", k), zap.Error(err))
		}
	}
}

func watchData(ctx context.Context, etcd *membership.Etcd, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-etcd.Changes():
			log.Debug("metadata", zap.Stringer("peer", c.Peer), zap.String("key", c.Key), zap.String("value", c.Value))
		}
	}
}

func serve(log *zap.Logger, name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("http listening", zap.String("server", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.String("server", name), zap.Error(err))
		}
	}()
	return srv
}
