package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"dev.c0redev.peerrpc/internal/crypto"
	"dev.c0redev.peerrpc/internal/handshake"
	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
	"dev.c0redev.peerrpc/internal/reassembly"
	"dev.c0redev.peerrpc/internal/reliable"
	"dev.c0redev.peerrpc/internal/rpc"
	"dev.c0redev.peerrpc/internal/sched"
	"dev.c0redev.peerrpc/internal/transport"
)

const testModule = 7

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type call struct {
	from  peer.ID
	msg   string
	local bool
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) RPCMethods() []rpc.Method {
	return []rpc.Method{
		rpc.HandleInfo1("Ping", func(msg string, in rpc.Info) error {
			r.mu.Lock()
			r.calls = append(r.calls, call{from: in.Sender, msg: msg, local: in.IsLocal})
			r.mu.Unlock()
			return nil
		}),
	}
}

func (r *recorder) got() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type pair struct {
	clk    *clock
	a, b   *Node
	ta, tb *transport.MemTransport
	ra, rb *recorder
}

// newPair wires peers 1 and 2 over a hub; both register a recorder on testModule.
func newPair(t *testing.T, cfg Config) *pair {
	t.Helper()
	p := &pair{clk: &clock{t: time.Unix(1_700_000_000, 0)}, ra: &recorder{}, rb: &recorder{}}
	cfg.Now = p.clk.now
	hub := transport.NewHub()
	p.ta, p.tb = hub.Join(1), hub.Join(2)
	var err error
	if p.a, err = New(cfg, p.ta, membership.NewStatic(1, map[peer.ID]string{2: ""})); err != nil {
		t.Fatal(err)
	}
	if p.b, err = New(cfg, p.tb, membership.NewStatic(2, map[peer.ID]string{1: ""})); err != nil {
		t.Fatal(err)
	}
	if _, err := p.a.Register(testModule, p.ra, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := p.b.Register(testModule, p.rb, 0); err != nil {
		t.Fatal(err)
	}
	return p
}

func (p *pair) poll(t *testing.T, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, n := range []*Node{p.a, p.b} {
			if err := n.Poll(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func (p *pair) ping(t *testing.T, msg string) {
	t.Helper()
	if err := p.a.SendTo(context.Background(), 2, testModule, "Ping", transport.Reliable, 0, msg); err != nil {
		t.Fatal(err)
	}
}

func TestReliablePing(t *testing.T) {
	p := newPair(t, Config{})
	p.ping(t, "hi")
	p.poll(t, 3)
	got := p.rb.got()
	if len(got) != 1 || got[0] != (call{from: 1, msg: "hi"}) {
		t.Fatalf("calls %+v", got)
	}
	if len(p.ra.got()) != 0 {
		t.Fatal("remote call ran locally")
	}
	if s := p.a.Stats(); s.Unacked != 0 || s.Peers != 1 {
		t.Fatalf("stats %+v", s)
	}
}

func TestDuplicateDelivery(t *testing.T) {
	p := newPair(t, Config{})
	var frames [][]byte
	p.ta.SetTap(func(to peer.ID, data []byte, kind transport.Reliability) bool {
		frames = append(frames, append([]byte(nil), data...))
		return true
	})
	acks := 0
	p.tb.SetTap(func(to peer.ID, data []byte, kind transport.Reliability) bool {
		acks++
		return true
	})
	p.ping(t, "once")
	p.poll(t, 2)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames", len(frames))
	}
	p.tb.Deliver(1, frames[0])
	p.poll(t, 2)
	if got := p.rb.got(); len(got) != 1 {
		t.Fatalf("dispatched %d times", len(got))
	}
	if acks != 2 {
		t.Fatalf("duplicate not re-acked: %d acks", acks)
	}
}

func TestRetransmitAfterLoss(t *testing.T) {
	p := newPair(t, Config{})
	dropped := false
	p.ta.SetTap(func(to peer.ID, data []byte, kind transport.Reliability) bool {
		if kind == transport.Reliable && !dropped {
			dropped = true
			return false
		}
		return true
	})
	p.ping(t, "lost")
	p.poll(t, 2)
	if len(p.rb.got()) != 0 || p.a.Stats().Unacked != 1 {
		t.Fatal("frame not lost")
	}
	p.clk.add(reliable.DefaultAckTimeout + time.Millisecond)
	p.poll(t, 2)
	if got := p.rb.got(); len(got) != 1 || got[0].msg != "lost" {
		t.Fatalf("calls %+v", got)
	}
	if p.a.Stats().Unacked != 0 {
		t.Fatal("retransmitted frame not acked")
	}
}

func TestEvictionAfterRetransmitCap(t *testing.T) {
	p := newPair(t, Config{})
	sent := 0
	p.ta.SetTap(func(to peer.ID, data []byte, kind transport.Reliability) bool {
		sent++
		return false
	})
	p.ping(t, "void")
	p.poll(t, 1)
	for i := 0; i < 10; i++ {
		p.clk.add(reliable.DefaultAckTimeout + time.Millisecond)
		p.poll(t, 1)
	}
	if sent != reliable.DefaultMaxRetransmits+1 {
		t.Fatalf("%d transmissions", sent)
	}
	if p.a.Stats().Unacked != 0 {
		t.Fatal("frame not evicted")
	}
}

func TestHandshakeThenAuthenticatedPing(t *testing.T) {
	p := newPair(t, Config{})
	if err := p.a.StartHandshake(2); err != nil {
		t.Fatal(err)
	}
	p.poll(t, 6)
	if p.a.HandshakeState(2) != handshake.StateCompleted || p.b.HandshakeState(1) != handshake.StateCompleted {
		t.Fatalf("states %v %v", p.a.HandshakeState(2), p.b.HandshakeState(1))
	}
	ka, _ := p.a.hs.KeyFor(2)
	kb, _ := p.b.hs.KeyFor(1)
	if len(ka) == 0 || !bytes.Equal(ka, kb) {
		t.Fatal("keys differ")
	}
	if p.a.Stats().Unacked != 0 || p.b.Stats().Unacked != 0 {
		t.Fatal("handshake frames left unacked")
	}

	macked := false
	p.ta.SetTap(func(to peer.ID, data []byte, kind transport.Reliability) bool {
		h, err := proto.ParseHeader(data)
		if err == nil && kind == transport.Reliable {
			macked = h.Flags.Has(proto.FlagMAC)
		}
		return true
	})
	p.ping(t, "secure")
	p.poll(t, 3)
	if !macked {
		t.Fatal("frame sent without MAC")
	}
	if got := p.rb.got(); len(got) != 1 || got[0].msg != "secure" {
		t.Fatalf("calls %+v", got)
	}
}

func TestSharedSecret(t *testing.T) {
	p := newPair(t, Config{})
	p.a.SetSharedSecret([]byte("s3cret"))
	p.b.SetSharedSecret([]byte("s3cret"))
	p.ping(t, "ok")
	p.poll(t, 3)
	if len(p.rb.got()) != 1 {
		t.Fatal("authenticated ping lost")
	}

	p.b.SetSharedSecret([]byte("other"))
	p.ping(t, "forged")
	p.poll(t, 3)
	if len(p.rb.got()) != 1 {
		t.Fatal("frame with wrong MAC dispatched")
	}
}

func TestRequireMAC(t *testing.T) {
	p := newPair(t, Config{RequireMAC: true})
	p.b.SetSharedSecret([]byte("s3cret"))
	p.ping(t, "plain")
	p.poll(t, 3)
	if len(p.rb.got()) != 0 {
		t.Fatal("unauthenticated frame dispatched")
	}
}

func TestOversize(t *testing.T) {
	p := newPair(t, Config{})
	p.ta.SetMaxMessageSize(256)
	ctx := context.Background()
	err := p.a.SendTo(ctx, 2, testModule, "Ping", transport.Reliable, 0, strings.Repeat("x", 5000))
	if !errors.Is(err, ErrOversize) {
		t.Fatalf("err %v", err)
	}
	// fits the envelope cap but not one frame
	if err := p.a.SendTo(ctx, 2, testModule, "Ping", transport.Reliable, 0, strings.Repeat("x", 1000)); err != nil {
		t.Fatal(err)
	}
	// compresses below the frame size
	if err := p.a.SendTo(ctx, 2, testModule, "Ping", transport.Reliable, 0, strings.Repeat("a", 3000)); err != nil {
		t.Fatal(err)
	}
	p.poll(t, 3)
	got := p.rb.got()
	if len(got) != 1 || len(got[0].msg) != 3000 {
		t.Fatalf("got %d calls", len(got))
	}
}

func TestValidator(t *testing.T) {
	p := newPair(t, Config{})
	p.b.SetValidator(func(e proto.Envelope, sender peer.ID) bool { return sender != 1 })
	p.ping(t, "rejected")
	p.poll(t, 3)
	if len(p.rb.got()) != 0 {
		t.Fatal("validator bypassed")
	}
	if p.a.Stats().Unacked != 0 {
		t.Fatal("rejected frame should still be acked")
	}

	p.a.SetValidator(func(e proto.Envelope, sender peer.ID) bool { return false })
	if err := p.a.SendTo(context.Background(), 1, testModule, "Ping", transport.Reliable, 0, "self"); err != nil {
		t.Fatal(err)
	}
	if len(p.ra.got()) != 0 {
		t.Fatal("validator bypassed for local call")
	}
}

func TestLocalInvoke(t *testing.T) {
	p := newPair(t, Config{})
	extra := &recorder{}
	if _, err := p.a.Register(testModule, extra, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.a.SendTo(context.Background(), 1, testModule, "Ping", transport.Reliable, 0, "me"); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*recorder{p.ra, extra} {
		if got := r.got(); len(got) != 1 || got[0] != (call{from: 1, msg: "me", local: true}) {
			t.Fatalf("local calls %+v", got)
		}
	}
	if p.a.Stats().QueuedNormal != 0 {
		t.Fatal("local call queued for the wire")
	}

	if err := p.a.Send(context.Background(), testModule, "Ping", transport.Reliable, 0, "all"); err != nil {
		t.Fatal(err)
	}
	p.poll(t, 3)
	if len(p.ra.got()) != 2 || len(p.rb.got()) != 1 {
		t.Fatalf("broadcast: local %d remote %d", len(p.ra.got()), len(p.rb.got()))
	}
}

func TestSignedModule(t *testing.T) {
	p := newPair(t, Config{})
	signer, err := crypto.NewSigner(nil)
	if err != nil {
		t.Fatal(err)
	}
	p.a.RegisterModuleSigner(testModule, signer)
	p.ping(t, "unverifiable")
	p.poll(t, 3)
	if len(p.rb.got()) != 0 {
		t.Fatal("signed frame accepted without a public key")
	}

	p.b.RegisterModulePublicKey(testModule, signer.Public())
	p.ping(t, "signed")
	p.poll(t, 3)
	if got := p.rb.got(); len(got) != 1 || got[0].msg != "signed" {
		t.Fatalf("calls %+v", got)
	}

	other, _ := crypto.NewSigner(nil)
	p.b.RegisterModulePublicKey(testModule, other.Public())
	p.ping(t, "wrong key")
	p.poll(t, 3)
	if len(p.rb.got()) != 1 {
		t.Fatal("frame accepted under the wrong key")
	}
}

func TestOutboundRateLimit(t *testing.T) {
	p := newPair(t, Config{RateLimit: 2})
	for i := 0; i < 5; i++ {
		p.ping(t, "burst")
	}
	p.poll(t, 3)
	if n := len(p.rb.got()); n != 2 {
		t.Fatalf("%d calls got through", n)
	}
	p.clk.add(sched.DefaultRateWindow + time.Millisecond)
	p.ping(t, "later")
	p.poll(t, 3)
	if n := len(p.rb.got()); n != 3 {
		t.Fatalf("%d calls after the window", n)
	}
}

func TestPriorities(t *testing.T) {
	p := newPair(t, Config{})
	ctx := context.Background()
	if err := p.a.SendTo(WithPriority(ctx, sched.High), 2, testModule, "Ping", transport.Reliable, 0, "now"); err != nil {
		t.Fatal(err)
	}
	if err := p.a.SendTo(WithPriority(ctx, sched.Low), 2, testModule, "Ping", transport.Reliable, 0, "later"); err != nil {
		t.Fatal(err)
	}
	if s := p.a.Stats(); s.QueuedLow != 1 || s.QueuedHigh != 0 {
		t.Fatalf("queues %+v", s)
	}
	// b polls without a ever flushing
	if err := p.b.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.rb.got(); len(got) != 1 || got[0].msg != "now" {
		t.Fatalf("calls %+v", got)
	}
	p.poll(t, 2)
	if len(p.rb.got()) != 2 {
		t.Fatal("low priority message lost")
	}
}

func TestSendToHost(t *testing.T) {
	p := newPair(t, Config{})
	if err := p.b.SendToHost(context.Background(), testModule, "Ping", transport.Reliable, 0, "host"); err != nil {
		t.Fatal(err)
	}
	p.poll(t, 3)
	if got := p.ra.got(); len(got) != 1 || got[0].from != 2 {
		t.Fatalf("host calls %+v", got)
	}

	hub := transport.NewHub()
	lone, err := New(Config{}, hub.Join(5), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := lone.SendToHost(context.Background(), testModule, "Ping", transport.Reliable, 0); !errors.Is(err, ErrNoHost) {
		t.Fatalf("err %v", err)
	}
}

func TestReservedModule(t *testing.T) {
	p := newPair(t, Config{})
	if _, err := p.a.Register(proto.ControlModule, &recorder{}, 0); !errors.Is(err, ErrReservedModule) {
		t.Fatalf("register: %v", err)
	}
	if err := p.a.SendTo(context.Background(), 2, proto.ControlModule, "Ping", transport.Reliable, 0, "x"); !errors.Is(err, ErrReservedModule) {
		t.Fatalf("send: %v", err)
	}
}

func TestPeerLeftForgetsState(t *testing.T) {
	p := newPair(t, Config{})
	if err := p.a.StartHandshake(2); err != nil {
		t.Fatal(err)
	}
	p.poll(t, 6)
	p.ping(t, "before")
	p.poll(t, 3)
	if _, ok := p.b.guard.Last(1, testModule); !ok {
		t.Fatal("no sequence recorded")
	}

	p.b.PeerLeft(1)
	if p.b.HandshakeState(1) != handshake.StateEmpty {
		t.Fatal("handshake kept")
	}
	if _, ok := p.b.guard.Last(1, testModule); ok {
		t.Fatal("sequence kept")
	}
}

func TestMembershipEventsDriveHandshake(t *testing.T) {
	p := newPair(t, Config{AutoHandshake: true})
	// the join events queued by NewStatic are consumed on the first poll
	p.poll(t, 6)
	if p.a.HandshakeState(2) != handshake.StateCompleted || p.b.HandshakeState(1) != handshake.StateCompleted {
		t.Fatalf("states %v %v", p.a.HandshakeState(2), p.b.HandshakeState(1))
	}
}

func dropped(reason string) float64 {
	return testutil.ToFloat64(metrics.FramesDropped.WithLabelValues(reason))
}

// fragmentFrames splits a compressed, signed envelope into total frames,
// each carrying its own MAC under key.
func fragmentFrames(t *testing.T, env []byte, signer proto.Signer, key []byte, msgID, seq uint64, total int) [][]byte {
	t.Helper()
	payload, err := proto.Compress(env)
	if err != nil {
		t.Fatal(err)
	}
	flags := proto.FlagCompressed | proto.FlagSigned
	sig, err := signer.Sign(proto.SigningInput(proto.Header{Flags: flags, MessageID: msgID, Sequence: seq}, payload))
	if err != nil {
		t.Fatal(err)
	}
	body := binary.LittleEndian.AppendUint16(append([]byte(nil), payload...), uint16(len(sig)))
	body = append(body, sig...)
	step := (len(body) + total - 1) / total
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		h := proto.Header{
			Flags:         flags | proto.FlagFragment | proto.FlagMAC,
			MessageID:     msgID,
			Sequence:      seq,
			FragmentTotal: int32(total),
			FragmentIndex: int32(i),
		}
		f := proto.AppendHeader(nil, h)
		f = append(f, body[i*step:min((i+1)*step, len(body))]...)
		frames = append(frames, append(f, proto.MAC(key, f)...))
	}
	return frames
}

func TestFragmentedSignedMessage(t *testing.T) {
	p := newPair(t, Config{})
	key := []byte("fragment-key")
	p.a.SetSharedSecret(key)
	p.b.SetSharedSecret(key)
	signer, err := crypto.NewSigner(nil)
	if err != nil {
		t.Fatal(err)
	}
	p.b.RegisterModulePublicKey(testModule, signer.Public())

	msg := strings.Repeat("piece ", 100)
	env, err := p.a.envelope(testModule, "Ping", 0, []any{msg})
	if err != nil {
		t.Fatal(err)
	}
	frames := fragmentFrames(t, env, signer, key, 1, 10, 3)

	authBefore := dropped(metrics.DropAuth)
	forged := fragmentFrames(t, env, signer, []byte("wrong"), 1, 10, 3)
	p.tb.Deliver(1, forged[0])
	for _, i := range []int{2, 0, 1} {
		p.tb.Deliver(1, frames[i])
	}
	p.poll(t, 1)
	got := p.rb.got()
	if len(got) != 1 || got[0].msg != msg {
		t.Fatalf("dispatched %d", len(got))
	}
	if dropped(metrics.DropAuth) != authBefore+1 {
		t.Fatal("fragment with a bad MAC not rejected")
	}
	if p.b.Stats().FragmentBuffers != 0 {
		t.Fatal("buffer left after completion")
	}

	late := fragmentFrames(t, env, signer, key, 2, 11, 3)
	p.tb.Deliver(1, late[0])
	p.tb.Deliver(1, late[1])
	p.poll(t, 1)
	p.clk.add(reassembly.DefaultTimeout + time.Second)
	p.tb.Deliver(1, late[2])
	p.poll(t, 1)
	if n := len(p.rb.got()); n != 1 {
		t.Fatalf("expired fragments dispatched: %d calls", n)
	}
	if p.b.Stats().FragmentBuffers != 1 {
		t.Fatalf("buffers %d", p.b.Stats().FragmentBuffers)
	}
}

func TestInboundRateLimit(t *testing.T) {
	p := newPair(t, Config{})
	p.a.outLimit = sched.NewLimiter(-1, 0, p.clk.now)
	limited := dropped(metrics.DropRateLimited)
	ctx := WithPriority(context.Background(), sched.High)
	for i := 0; i < 150; i++ {
		if err := p.a.SendTo(ctx, 2, testModule, "Ping", transport.Unreliable, 0, "flood"); err != nil {
			t.Fatal(err)
		}
	}
	p.poll(t, 2)
	if n := len(p.rb.got()); n != sched.DefaultRateLimit {
		t.Fatalf("%d of 150 dispatched", n)
	}
	if got := dropped(metrics.DropRateLimited) - limited; got != 50 {
		t.Fatalf("%v frames rate limited", got)
	}
	if _, ok := p.b.guard.Last(1, testModule); !ok {
		t.Fatal("no sequence admitted")
	}

	p.clk.add(sched.DefaultRateWindow + time.Millisecond)
	if err := p.a.SendTo(ctx, 2, testModule, "Ping", transport.Unreliable, 0, "after"); err != nil {
		t.Fatal(err)
	}
	p.poll(t, 1)
	if n := len(p.rb.got()); n != sched.DefaultRateLimit+1 {
		t.Fatalf("%d calls after the window", n)
	}
}

func TestHandshakeUnderSharedSecret(t *testing.T) {
	p := newPair(t, Config{})
	secret := []byte("s3cret")
	p.a.SetSharedSecret(secret)
	p.b.SetSharedSecret(secret)
	evictions := testutil.ToFloat64(metrics.Evictions)
	authDrops := dropped(metrics.DropAuth)

	if err := p.a.StartHandshake(2); err != nil {
		t.Fatal(err)
	}
	p.poll(t, 6)
	if p.a.HandshakeState(2) != handshake.StateCompleted || p.b.HandshakeState(1) != handshake.StateCompleted {
		t.Fatalf("states %v %v", p.a.HandshakeState(2), p.b.HandshakeState(1))
	}
	if a, b := p.a.Stats().Unacked, p.b.Stats().Unacked; a != 0 || b != 0 {
		t.Fatalf("unacked a=%d b=%d", a, b)
	}
	if dropped(metrics.DropAuth) != authDrops {
		t.Fatal("frames across the key switch rejected")
	}

	// a frame built under the shared secret is still accepted for a while
	env, err := p.a.envelope(testModule, "Ping", 0, []any{"old key"})
	if err != nil {
		t.Fatal(err)
	}
	build := func(seq uint64) []byte {
		f, err := proto.Build(env, proto.BuildOptions{MessageID: seq, Sequence: seq, MACKey: secret})
		if err != nil {
			t.Fatal(err)
		}
		return f
	}
	last, _ := p.b.guard.Last(1, testModule)
	p.tb.Deliver(1, build(last+1))
	p.poll(t, 1)
	if n := len(p.rb.got()); n != 1 {
		t.Fatalf("in-flight frame lost: %d calls", n)
	}

	for i := 0; i <= reliable.DefaultMaxRetransmits+1; i++ {
		p.clk.add(reliable.DefaultAckTimeout + time.Millisecond)
		p.poll(t, 1)
	}
	if testutil.ToFloat64(metrics.Evictions) != evictions {
		t.Fatal("handshake frame evicted")
	}
	p.tb.Deliver(1, build(last+2))
	p.poll(t, 1)
	if n := len(p.rb.got()); n != 1 {
		t.Fatal("retired key accepted after the grace period")
	}

	p.ping(t, "new key")
	p.poll(t, 3)
	if got := p.rb.got(); len(got) != 2 || got[1].msg != "new key" {
		t.Fatalf("calls %+v", got)
	}
}

func TestReorderedFrameNotAcked(t *testing.T) {
	p := newPair(t, Config{})
	var frames [][]byte
	p.ta.SetTap(func(to peer.ID, data []byte, kind transport.Reliability) bool {
		frames = append(frames, append([]byte(nil), data...))
		return false
	})
	acks := 0
	p.tb.SetTap(func(to peer.ID, data []byte, kind transport.Reliability) bool {
		acks++
		return true
	})
	p.ping(t, "first")
	p.ping(t, "second")
	p.poll(t, 1)
	if len(frames) != 2 {
		t.Fatalf("captured %d frames", len(frames))
	}
	p.tb.Deliver(1, frames[1])
	p.tb.Deliver(1, frames[0])
	p.poll(t, 1)
	if got := p.rb.got(); len(got) != 1 || got[0].msg != "second" {
		t.Fatalf("calls %+v", got)
	}
	if acks != 1 {
		t.Fatalf("%d acks, stale frame acked", acks)
	}
	p.poll(t, 1)
	if p.a.Stats().Unacked != 1 {
		t.Fatalf("unacked %d", p.a.Stats().Unacked)
	}

	// a real duplicate is still re-acked
	p.tb.Deliver(1, frames[1])
	p.poll(t, 1)
	if acks != 2 || len(p.rb.got()) != 1 {
		t.Fatalf("duplicate: acks %d calls %d", acks, len(p.rb.got()))
	}
}
