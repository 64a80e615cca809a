package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/peer"
)

var ErrBackpressure = errors.New("send queue full")

const (
	inboxSize   = 4096
	outboxSize  = 1024
	helloLength = 8
)

// WriteMessage writes u32 LE length + b.
func WriteMessage(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadMessage reads one length-prefixed message; longer than max is ErrTooLarge.
func ReadMessage(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if max > 0 && n > uint32(max) {
		return nil, ErrTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeHello sends our peer ID as the first 8 bytes of a stream.
func writeHello(w io.Writer, id peer.ID) error {
	var b [helloLength]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	_, err := w.Write(b[:])
	return err
}

func readHello(r io.Reader) (peer.ID, error) {
	var b [helloLength]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return peer.Nil, err
	}
	return peer.ID(binary.LittleEndian.Uint64(b[:])), nil
}

// link one connected peer.
type link interface {
	send(data []byte, kind Reliability) error
	close() error
}

// mux: peer links + shared inbox; base of ConnTransport and QUIC.
type mux struct {
	id      peer.ID
	maxSize int
	log     *zap.Logger

	mu     sync.Mutex
	links  map[peer.ID]link
	inbox  chan Packet
	closed chan struct{}
	once   sync.Once
}

func newMux(id peer.ID, maxSize int, log *zap.Logger) *mux {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &mux{id: id, maxSize: maxSize, log: log, links: make(map[peer.ID]link), inbox: make(chan Packet, inboxSize), closed: make(chan struct{})}
}

func (m *mux) LocalID() peer.ID    { return m.id }
func (m *mux) MaxMessageSize() int { return m.maxSize }

// deliver never blocks; full inbox drops like network loss.
func (m *mux) deliver(from peer.ID, data []byte) {
	select {
	case m.inbox <- Packet{From: from, Data: data}:
	default:
		m.log.Debug("inbox full, dropping", zap.Stringer("from", from), zap.Int("len", len(data)))
	}
}

func (m *mux) ReceiveBatch(max int) ([]Packet, error) {
	var out []Packet
	for max <= 0 || len(out) < max {
		select {
		case p := <-m.inbox:
			out = append(out, p)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (m *mux) setLink(id peer.ID, l link) {
	m.mu.Lock()
	old := m.links[id]
	m.links[id] = l
	m.mu.Unlock()
	if old != nil && old != l {
		_ = old.close()
	}
}

// dropLink removes l only if it is still the current link for id.
func (m *mux) dropLink(id peer.ID, l link) {
	m.mu.Lock()
	if m.links[id] == l {
		delete(m.links, id)
	}
	m.mu.Unlock()
	_ = l.close()
}

func (m *mux) lookup(id peer.ID) (link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	return l, ok
}

// Linked reports whether a link to id is up.
func (m *mux) Linked(id peer.ID) bool {
	_, ok := m.lookup(id)
	return ok
}

func (m *mux) closeAll() {
	m.once.Do(func() { close(m.closed) })
	m.mu.Lock()
	links := m.links
	m.links = make(map[peer.ID]link)
	m.mu.Unlock()
	for _, l := range links {
		_ = l.close()
	}
}

// streamLink: one net.Conn; writes go through a queue drained by a goroutine.
// packet mode writes each message as one datagram, no length prefix.
type streamLink struct {
	conn   net.Conn
	packet bool
	out    chan []byte
	once   sync.Once
	done   chan struct{}
}

func newStreamLink(conn net.Conn) *streamLink {
	l := &streamLink{conn: conn, out: make(chan []byte, outboxSize), done: make(chan struct{})}
	go l.writeLoop()
	return l
}

func newPacketLink(conn net.Conn) *streamLink {
	l := &streamLink{conn: conn, packet: true, out: make(chan []byte, outboxSize), done: make(chan struct{})}
	go l.writeLoop()
	return l
}

func (l *streamLink) writeLoop() {
	if l.packet {
		for {
			select {
			case b := <-l.out:
				if _, err := l.conn.Write(b); err != nil {
					_ = l.close()
					return
				}
			case <-l.done:
				return
			}
		}
	}
	w := bufio.NewWriter(l.conn)
	for {
		select {
		case b := <-l.out:
			if err := WriteMessage(w, b); err != nil {
				_ = l.close()
				return
			}
			// batch whatever is already queued before flushing
			for len(l.out) > 0 {
				if err := WriteMessage(w, <-l.out); err != nil {
					_ = l.close()
					return
				}
			}
			if err := w.Flush(); err != nil {
				_ = l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *streamLink) send(data []byte, _ Reliability) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.out <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (l *streamLink) close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

// readLoop delivers messages from conn until it fails.
func (m *mux) readLoop(from peer.ID, r io.Reader, l link) {
	br := bufio.NewReader(r)
	for {
		b, err := ReadMessage(br, m.maxSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("stream read", zap.Stringer("peer", from), zap.Error(err))
			}
			m.dropLink(from, l)
			return
		}
		m.deliver(from, b)
	}
}

// ConnTransport carries messages over arbitrary net.Conns (ICE, TCP, pipes).
// Reliability is whatever the conn provides; every kind uses the stream.
type ConnTransport struct {
	*mux
}

func NewConnTransport(id peer.ID, maxSize int, log *zap.Logger) *ConnTransport {
	return &ConnTransport{mux: newMux(id, maxSize, named(log, "transport.conn"))}
}

// Attach exchanges hellos over conn and starts reading. Blocks for the hello only.
func (t *ConnTransport) Attach(conn net.Conn) (peer.ID, error) {
	// write concurrently: unbuffered conns (net.Pipe) block until read
	werr := make(chan error, 1)
	go func() { werr <- writeHello(conn, t.id) }()
	remote, err := readHello(conn)
	if err == nil {
		err = <-werr
	}
	if err != nil {
		conn.Close()
		return peer.Nil, err
	}
	l := newStreamLink(conn)
	t.setLink(remote, l)
	go t.readLoop(remote, conn, l)
	t.log.Info("peer attached", zap.Stringer("peer", remote), zap.Stringer("addr", conn.RemoteAddr()))
	return remote, nil
}

// helloMagic prefixes packet-mode hellos; 16 bytes never parses as a frame.
var helloMagic = []byte("PRPCHELO")

const helloInterval = 200 * time.Millisecond

func isHello(b []byte) bool {
	return len(b) == len(helloMagic)+helloLength && bytes.Equal(b[:len(helloMagic)], helloMagic)
}

// AttachPacket is Attach for datagram conns (ICE): hellos are resent until
// helloTimeout since either side may lose them; one Read is one message.
func (t *ConnTransport) AttachPacket(conn net.Conn, helloTimeout time.Duration) (peer.ID, error) {
	hello := append([]byte(nil), helloMagic...)
	hello = binary.LittleEndian.AppendUint64(hello, uint64(t.id))
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(helloInterval)
		defer tick.Stop()
		deadline := time.After(helloTimeout)
		for {
			if _, err := conn.Write(hello); err != nil {
				return
			}
			select {
			case <-tick.C:
			case <-deadline:
				return
			case <-stop:
				return
			}
		}
	}()

	buf := make([]byte, t.maxSize)
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var remote peer.ID
	for remote == peer.Nil {
		n, err := conn.Read(buf)
		if err != nil {
			close(stop)
			conn.Close()
			return peer.Nil, err
		}
		if isHello(buf[:n]) {
			remote = peer.ID(binary.LittleEndian.Uint64(buf[len(helloMagic):n]))
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	l := newPacketLink(conn)
	t.setLink(remote, l)
	go func() {
		defer close(stop)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				t.dropLink(remote, l)
				return
			}
			if isHello(buf[:n]) {
				continue
			}
			t.deliver(remote, append([]byte(nil), buf[:n]...))
		}
	}()
	t.log.Info("peer attached (packet)", zap.Stringer("peer", remote), zap.Stringer("addr", conn.RemoteAddr()))
	return remote, nil
}

func (t *ConnTransport) Send(to peer.ID, data []byte, kind Reliability) error {
	if len(data) > t.maxSize {
		return ErrTooLarge
	}
	l, ok := t.lookup(to)
	if !ok {
		return ErrUnknownPeer
	}
	return l.send(data, kind)
}

func (t *ConnTransport) Close() error {
	t.closeAll()
	return nil
}
