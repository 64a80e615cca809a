package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/peer"
)

// ALPN protocol id.
const ALPN = "peerrpc"

const (
	dialTimeout  = 10 * time.Second
	helloTimeout = 5 * time.Second
	maxPending   = 256
)

// streamConn wraps quic.Stream as net.Conn.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// DefaultQUICClientTLS TLS for QUIC client (InsecureSkipVerify; peers authenticate via handshake/MAC).
func DefaultQUICClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
	}
}

// SelfSignedTLS server TLS with a fresh ECDSA P-256 cert.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: ALPN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
		EnableDatagrams: true,
	}
}

// QUICConfig for ListenQUIC.
type QUICConfig struct {
	ID             peer.ID
	Listen         string
	MaxMessageSize int
	TLS            *tls.Config // nil = SelfSignedTLS
	Logger         *zap.Logger
}

// QUIC transport: datagrams for unreliable sends (stream fallback when too large),
// one bidirectional stream per peer for reliable sends. Dials lazily on first Send.
type QUIC struct {
	*mux
	ln        *quic.Listener
	clientTLS *tls.Config
	ctx       context.Context
	cancel    context.CancelFunc

	amu     sync.Mutex
	addrs   map[peer.ID]string
	pending map[peer.ID][]pendingSend
}

type pendingSend struct {
	data []byte
	kind Reliability
}

// ListenQUIC binds cfg.Listen and starts accepting peers.
func ListenQUIC(cfg QUICConfig) (*QUIC, error) {
	tlsConf := cfg.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = SelfSignedTLS(); err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(cfg.Listen, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &QUIC{
		mux:       newMux(cfg.ID, cfg.MaxMessageSize, named(cfg.Logger, "transport.quic")),
		ln:        ln,
		clientTLS: DefaultQUICClientTLS(),
		ctx:       ctx,
		cancel:    cancel,
		addrs:     make(map[peer.ID]string),
		pending:   make(map[peer.ID][]pendingSend),
	}
	go q.acceptLoop()
	return q, nil
}

// Addr bound listen address.
func (q *QUIC) Addr() net.Addr { return q.ln.Addr() }

// AddPeer records where id can be dialed.
func (q *QUIC) AddPeer(id peer.ID, addr string) {
	q.amu.Lock()
	q.addrs[id] = addr
	q.amu.Unlock()
}

// RemovePeer forgets id's address and closes its connection.
func (q *QUIC) RemovePeer(id peer.ID) {
	q.amu.Lock()
	delete(q.addrs, id)
	delete(q.pending, id)
	q.amu.Unlock()
	if l, ok := q.lookup(id); ok {
		q.dropLink(id, l)
	}
}

func (q *QUIC) Send(to peer.ID, data []byte, kind Reliability) error {
	if len(data) > q.maxSize {
		return ErrTooLarge
	}
	if l, ok := q.lookup(to); ok {
		return l.send(data, kind)
	}
	q.amu.Lock()
	addr, known := q.addrs[to]
	if !known {
		q.amu.Unlock()
		return ErrUnknownPeer
	}
	queued, dialing := q.pending[to]
	if len(queued) >= maxPending {
		q.amu.Unlock()
		return ErrBackpressure
	}
	q.pending[to] = append(queued, pendingSend{data: data, kind: kind})
	q.amu.Unlock()
	if !dialing {
		go q.dial(to, addr)
	}
	return nil
}

func (q *QUIC) dial(id peer.ID, addr string) {
	ctx, cancel := context.WithTimeout(q.ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, q.clientTLS, quicConfig())
	if err != nil {
		q.failPending(id, err)
		return
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		q.failPending(id, err)
		return
	}
	_ = stream.SetDeadline(time.Now().Add(helloTimeout))
	if err := writeHello(stream, q.id); err != nil {
		_ = conn.CloseWithError(0, "")
		q.failPending(id, err)
		return
	}
	remote, err := readHello(stream)
	if err != nil || remote != id {
		_ = conn.CloseWithError(0, "peer id mismatch")
		q.failPending(id, err)
		return
	}
	_ = stream.SetDeadline(time.Time{})
	l := q.attach(remote, conn, stream)

	q.amu.Lock()
	queued := q.pending[id]
	delete(q.pending, id)
	q.amu.Unlock()
	for _, p := range queued {
		_ = l.send(p.data, p.kind)
	}
}

func (q *QUIC) failPending(id peer.ID, err error) {
	q.amu.Lock()
	n := len(q.pending[id])
	delete(q.pending, id)
	q.amu.Unlock()
	q.log.Warn("dial failed", zap.Stringer("peer", id), zap.Int("dropped", n), zap.Error(err))
}

func (q *QUIC) acceptLoop() {
	for {
		conn, err := q.ln.Accept(q.ctx)
		if err != nil {
			return
		}
		go q.handleInbound(conn)
	}
}

func (q *QUIC) handleInbound(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(q.ctx, helloTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}
	_ = stream.SetDeadline(time.Now().Add(helloTimeout))
	remote, err := readHello(stream)
	if err == nil {
		err = writeHello(stream, q.id)
	}
	if err != nil {
		q.log.Debug("inbound hello", zap.Error(err))
		_ = conn.CloseWithError(0, "")
		return
	}
	_ = stream.SetDeadline(time.Time{})
	q.attach(remote, conn, stream)
	q.log.Info("peer connected", zap.Stringer("peer", remote), zap.Stringer("addr", conn.RemoteAddr()))
}

// quicLink: datagrams + one reliable stream.
type quicLink struct {
	conn   *quic.Conn
	stream *streamLink
}

func (l *quicLink) send(data []byte, kind Reliability) error {
	if kind != Reliable {
		if err := l.conn.SendDatagram(data); err == nil {
			return nil
		}
	}
	return l.stream.send(data, kind)
}

func (l *quicLink) close() error {
	_ = l.stream.close()
	return l.conn.CloseWithError(0, "")
}

func (q *QUIC) attach(id peer.ID, conn *quic.Conn, stream *quic.Stream) *quicLink {
	sc := &streamConn{Stream: stream, conn: conn}
	l := &quicLink{conn: conn, stream: newStreamLink(sc)}
	q.setLink(id, l)
	go q.readLoop(id, sc, l)
	go q.datagramLoop(id, conn, l)
	return l
}

func (q *QUIC) datagramLoop(id peer.ID, conn *quic.Conn, l link) {
	for {
		b, err := conn.ReceiveDatagram(q.ctx)
		if err != nil {
			q.dropLink(id, l)
			return
		}
		q.deliver(id, b)
	}
}

func (q *QUIC) Close() error {
	q.cancel()
	q.closeAll()
	return q.ln.Close()
}
