package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/rpc/v2/json2"

	"dev.c0redev.peerrpc/internal/membership"
	"dev.c0redev.peerrpc/internal/node"
	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/rpc"
	"dev.c0redev.peerrpc/internal/store"
	"dev.c0redev.peerrpc/internal/transport"
)

type echo struct {
	mu  sync.Mutex
	got []string
}

func (e *echo) RPCMethods() []rpc.Method {
	return []rpc.Method{
		rpc.Handle2("Say", func(msg string, n int32) error {
			e.mu.Lock()
			e.got = append(e.got, msg)
			e.mu.Unlock()
			return nil
		}),
	}
}

type memMeta struct {
	mu    sync.Mutex
	local peer.ID
	kv    map[string]string
}

func (m *memMeta) SetData(_ context.Context, name, value string) error {
	return m.set(m.local.String()+"/"+name, value)
}

func (m *memMeta) GetData(_ context.Context, id peer.ID, name string) (string, bool, error) {
	return m.get(id.String() + "/" + name)
}

func (m *memMeta) SetGroupData(_ context.Context, name, value string) error {
	return m.set("group/"+name, value)
}

func (m *memMeta) GetGroupData(_ context.Context, name string) (string, bool, error) {
	return m.get("group/" + name)
}

func (m *memMeta) set(k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[k] = v
	return nil
}

func (m *memMeta) get(k string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[k]
	return v, ok, nil
}

type fixture struct {
	a, b   *node.Node
	remote *echo
	meta   *memMeta
	srv    *httptest.Server
}

func newFixture(t *testing.T, tokenHash string) *fixture {
	t.Helper()
	hub := transport.NewHub()
	ma := membership.NewStatic(1, map[peer.ID]string{2: "10.0.0.2:7400"})
	a, err := node.New(node.Config{}, hub.Join(1), ma)
	if err != nil {
		t.Fatal(err)
	}
	b, err := node.New(node.Config{}, hub.Join(2), membership.NewStatic(2, map[peer.ID]string{1: ""}))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{a: a, b: b, remote: &echo{}, meta: &memMeta{local: 1, kv: map[string]string{}}}
	if _, err := a.Register(3, &echo{}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Register(3, f.remote, 0); err != nil {
		t.Fatal(err)
	}

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.UpsertPeer(2, "10.0.0.2:7400"); err != nil {
		t.Fatal(err)
	}
	h, err := Handler(NewService(a, ma, db).WithMetadata(f.meta), tokenHash, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) call(t *testing.T, method string, args, reply any) error {
	t.Helper()
	return NewClient(f.srv.URL, "").Call(context.Background(), method, args, reply)
}

func (f *fixture) poll(t *testing.T) {
	for i := 0; i < 3; i++ {
		for _, n := range []*node.Node{f.a, f.b} {
			if err := n.Poll(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestStatusAndPeers(t *testing.T) {
	f := newFixture(t, "")
	var st StatusReply
	if err := f.call(t, "Admin.Status", &Empty{}, &st); err != nil {
		t.Fatal(err)
	}
	if st.Peer != peer.ID(1).String() || st.Peers != 1 || st.Host != peer.ID(1).String() {
		t.Fatalf("status %+v", st)
	}

	var peers PeersReply
	if err := f.call(t, "Admin.Peers", &Empty{}, &peers); err != nil {
		t.Fatal(err)
	}
	if len(peers.Peers) != 1 {
		t.Fatalf("peers %+v", peers)
	}
	p := peers.Peers[0]
	if p.ID != peer.ID(2).String() || p.Handshake != "empty" || p.LastSeen == "" || p.Host {
		t.Fatalf("peer %+v", p)
	}
}

func TestSendDecodesArguments(t *testing.T) {
	f := newFixture(t, "")
	args := &SendArgs{
		Peer:     peer.ID(2).String(),
		Module:   3,
		Method:   "Say",
		Reliable: true,
		Args:     []json.RawMessage{json.RawMessage(`"hello"`), json.RawMessage(`7`)},
	}
	var reply SendReply
	if err := f.call(t, "Admin.Send", args, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.Queued {
		t.Fatal("not queued")
	}
	f.poll(t)
	f.remote.mu.Lock()
	got := append([]string(nil), f.remote.got...)
	f.remote.mu.Unlock()
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("remote got %v", got)
	}

	args.Args = args.Args[:1]
	if err := f.call(t, "Admin.Send", args, &reply); err == nil {
		t.Fatal("wrong arity accepted")
	}
	args.Args = []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`7`)}
	if err := f.call(t, "Admin.Send", args, &reply); err == nil {
		t.Fatal("wrong type accepted")
	}
}

func TestRoutesAndName(t *testing.T) {
	f := newFixture(t, "")
	var routes RoutesReply
	if err := f.call(t, "Admin.Routes", &Empty{}, &routes); err != nil {
		t.Fatal(err)
	}
	if len(routes.Routes) != 1 || routes.Routes[0].Method != "Say" || len(routes.Routes[0].Params) != 2 {
		t.Fatalf("routes %+v", routes)
	}
	var name NameReply
	if err := f.call(t, "Admin.Name", &PeerArgs{Peer: peer.ID(2).String()}, &name); err != nil {
		t.Fatal(err)
	}
	if name.Name != f.a.Name(2) {
		t.Fatalf("name %q", name.Name)
	}
	if err := f.call(t, "Admin.Name", &PeerArgs{Peer: "zz"}, &name); err == nil {
		t.Fatal("bad peer id accepted")
	}
}

func TestHandshakeCall(t *testing.T) {
	f := newFixture(t, "")
	var hs HandshakeReply
	if err := f.call(t, "Admin.Handshake", &PeerArgs{Peer: peer.ID(2).String()}, &hs); err != nil {
		t.Fatal(err)
	}
	f.poll(t)
	f.poll(t)
	if f.a.HandshakeState(2).String() != "completed" {
		t.Fatalf("state %v", f.a.HandshakeState(2))
	}
}

func TestMetadata(t *testing.T) {
	f := newFixture(t, "")
	if err := f.call(t, "Admin.SetData", &DataArgs{Peer: "self", Key: "role", Value: "relay"}, &Empty{}); err != nil {
		t.Fatal(err)
	}
	if err := f.call(t, "Admin.SetData", &DataArgs{Key: "round", Value: "3"}, &Empty{}); err != nil {
		t.Fatal(err)
	}
	if err := f.call(t, "Admin.SetData", &DataArgs{Peer: "2", Key: "x"}, &Empty{}); err == nil {
		t.Fatal("wrote another peer's key")
	}
	var got DataReply
	if err := f.call(t, "Admin.GetData", &DataArgs{Peer: peer.ID(1).String(), Key: "role"}, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Found || got.Value != "relay" {
		t.Fatalf("peer data %+v", got)
	}
	if err := f.call(t, "Admin.GetData", &DataArgs{Key: "round"}, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Found || got.Value != "3" {
		t.Fatalf("group data %+v", got)
	}
	got = DataReply{}
	if err := f.call(t, "Admin.GetData", &DataArgs{Key: "missing"}, &got); err != nil || got.Found {
		t.Fatalf("missing key %+v %v", got, err)
	}

	h, err := Handler(NewService(f.a, nil, nil), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()
	err = NewClient(srv.URL, "").Call(context.Background(), "Admin.GetData", &DataArgs{Key: "round"}, &got)
	if err == nil || !strings.Contains(err.Error(), "no metadata") {
		t.Fatalf("without etcd: %v", err)
	}
}

func TestTokenAuth(t *testing.T) {
	hash, err := HashToken("letmein")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckToken("letmein", hash) || CheckToken("nope", hash) {
		t.Fatal("CheckToken")
	}
	f := newFixture(t, hash)
	var st StatusReply
	err = NewClient(f.srv.URL, "").Call(context.Background(), "Admin.Status", &Empty{}, &st)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("no token: %v", err)
	}
	if err := NewClient(f.srv.URL, "wrong").Call(context.Background(), "Admin.Status", &Empty{}, &st); err == nil {
		t.Fatal("wrong token accepted")
	}
	if err := NewClient(f.srv.URL+"/", "letmein").Call(context.Background(), "Admin.Status", &Empty{}, &st); err != nil {
		t.Fatal(err)
	}
	if st.Peer == "" {
		t.Fatal("empty status")
	}
}

func TestLoopbackOnlyWithoutToken(t *testing.T) {
	f := newFixture(t, "")
	h, err := Handler(NewService(f.a, nil, nil), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json2.EncodeClientRequest("Admin.Status", &Empty{})
	req := httptest.NewRequest(http.MethodPost, Path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("remote caller: %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
}
