package membership

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dev.c0redev.peerrpc/internal/metrics"
	"dev.c0redev.peerrpc/internal/peer"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(5, map[peer.ID]string{5: "self:1", 9: "b:1", 7: "a:1"})
	peers := s.Peers()
	if len(peers) != 2 || peers[0] != 7 || peers[1] != 9 {
		t.Fatalf("peers %v", peers)
	}
	if !s.IsLocal(5) || s.IsLocal(7) {
		t.Fatal("IsLocal")
	}
	ev := drain(s.Events())
	if len(ev) != 2 || ev[0].Kind != PeerJoined || ev[0].Peer != 7 {
		t.Fatalf("join events %+v", ev)
	}
	if h, ok := s.Host(); !ok || h != 5 {
		t.Fatalf("host %v %v", h, ok)
	}
	s.Add(3, "c:1")
	if h, _ := s.Host(); h != 3 {
		t.Fatalf("lowest host %v", h)
	}
	s.SetHost(9)
	if h, _ := s.Host(); h != 9 {
		t.Fatalf("pinned host %v", h)
	}
	s.Remove(7)
	s.Remove(7)
	ev = drain(s.Events())
	if len(ev) != 2 || ev[0].Kind != PeerJoined || ev[1].Kind != PeerLeft || ev[1].Peer != 7 {
		t.Fatalf("events %+v", ev)
	}
	if addr, ok := s.Addr(9); !ok || addr != "b:1" {
		t.Fatalf("addr %q", addr)
	}
}

func TestParseKey(t *testing.T) {
	id := peer.ID(0xab)
	cases := []struct {
		key  string
		ok   bool
		want key
	}{
		{"/p/peers/" + id.String(), true, key{kind: "peers", peer: id}},
		{"/p/host", true, key{kind: "host"}},
		{"/p/group/mode/x", true, key{kind: "group", name: "mode/x"}},
		{"/p/data/" + id.String() + "/name", true, key{kind: "data", peer: id, name: "name"}},
		{"/p/signal/" + id.String() + "/d:2", true, key{kind: "signal", peer: id, from: 2}},
		{"/p/peers/zz", false, key{}},
		{"/q/peers/" + id.String(), false, key{}},
		{"/p/other", false, key{}},
	}
	for _, c := range cases {
		got, ok := parseKey("/p", c.key)
		if ok != c.ok || got != c.want {
			t.Fatalf("%s: %+v %v", c.key, got, ok)
		}
	}
}

func TestOverflowReported(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewStatic(1, nil)
	s.SetLogger(zap.New(core))
	before := testutil.ToFloat64(metrics.MembershipEventsDropped.WithLabelValues("left"))
	for i := 0; i < eventBuffer; i++ {
		s.Add(peer.ID(100+i), "")
	}
	s.Remove(100)
	s.Remove(101)
	if got := testutil.ToFloat64(metrics.MembershipEventsDropped.WithLabelValues("left")); got != before+2 {
		t.Fatalf("dropped leaves %v, want %v", got, before+2)
	}
	if n := logs.FilterMessage("membership event dropped, consumer is behind").Len(); n != 2 {
		t.Fatalf("%d warnings", n)
	}
	if ev := drain(s.Events()); len(ev) != eventBuffer {
		t.Fatalf("%d events buffered", len(ev))
	}
}
