package rpc

import (
	"errors"
	"testing"

	"dev.c0redev.peerrpc/internal/peer"
	"dev.c0redev.peerrpc/internal/proto"
)

type pingService struct {
	got    []string
	sender peer.ID
}

func (s *pingService) RPCMethods() []Method {
	return []Method{
		HandleInfo1("Ping", func(msg string, in Info) error {
			s.got = append(s.got, msg)
			s.sender = in.Sender
			return nil
		}),
		Handle2("Add", func(a, b int32) error {
			s.got = append(s.got, "add")
			return nil
		}),
		Handle0("Boom", func() error { panic("boom") }),
	}
}

func envelope(t *testing.T, r *Registry, module uint32, method string, mask int32, args ...any) proto.Envelope {
	t.Helper()
	b, err := r.EncodeArgs(module, method, mask, args)
	if err != nil {
		t.Fatal(err)
	}
	e, err := proto.DecodeEnvelope(proto.EncodeEnvelope(module, method, mask, b))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestDispatch(t *testing.T) {
	r := NewRegistry(nil)
	svc := &pingService{}
	if _, err := r.Register(7, svc, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(envelope(t, r, 7, "Ping", 0, "hi"), Info{Sender: 42}); err != nil {
		t.Fatal(err)
	}
	if len(svc.got) != 1 || svc.got[0] != "hi" || svc.sender != 42 {
		t.Fatalf("got %v from %v", svc.got, svc.sender)
	}
	// untyped ints convert to the handler's int32 params
	if err := r.Dispatch(envelope(t, r, 7, "Add", 0, 1, 2), Info{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(envelope(t, r, 7, "Boom", 0), Info{}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("panic: %v", err)
	}
	if err := r.Dispatch(envelope(t, r, 7, "Nope", 0), Info{}); !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("unknown: %v", err)
	}
}

func TestMaskRouting(t *testing.T) {
	r := NewRegistry(nil)
	a, b := &pingService{}, &pingService{}
	if _, err := r.Register(1, a, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(1, b, 2); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(envelope(t, r, 1, "Ping", 2, "x"), Info{}); err != nil {
		t.Fatal(err)
	}
	if len(a.got) != 0 || len(b.got) != 1 {
		t.Fatalf("mask 2 reached a=%v b=%v", a.got, b.got)
	}
	if err := r.Dispatch(envelope(t, r, 1, "Ping", 3, "x"), Info{}); !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("mask 3: %v", err)
	}
}

func TestDeregister(t *testing.T) {
	r := NewRegistry(nil)
	a, b := &pingService{}, &pingService{}
	tok, _ := r.Register(1, a, 0)
	if _, err := r.Register(1, b, 0); err != nil {
		t.Fatal(err)
	}
	if err := tok.Close(); err != nil {
		t.Fatal(err)
	}
	_ = tok.Close()
	if err := r.Dispatch(envelope(t, r, 1, "Ping", 0, "x"), Info{}); err != nil {
		t.Fatal(err)
	}
	if len(a.got) != 0 || len(b.got) != 1 {
		t.Fatalf("a=%v b=%v", a.got, b.got)
	}
	if n := r.Deregister(1, b, 5); n != 0 {
		t.Fatalf("wrong mask removed %d", n)
	}
	if n := r.Deregister(1, b, 0); n != 3 {
		t.Fatalf("removed %d, want 3", n)
	}
	if len(r.Routes()) != 0 {
		t.Fatalf("routes left: %+v", r.Routes())
	}
}

type static struct{}

var staticCalls int

func (static) RPCMethods() []Method {
	return []Method{Handle1("Tick", func(n uint64) error { staticCalls++; return nil })}
}

func TestRegisterType(t *testing.T) {
	r := NewRegistry(nil)
	tok, err := r.RegisterType(3, static{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n := r.Deregister(3, static{}, 0); n != 0 {
		t.Fatal("instance deregistration removed a type handler")
	}
	before := staticCalls
	if err := r.Dispatch(envelope(t, r, 3, "Tick", 0, uint64(9)), Info{}); err != nil {
		t.Fatal(err)
	}
	if staticCalls != before+1 {
		t.Fatal("type handler not called")
	}
	tok.Close()
	if len(r.Routes()) != 0 {
		t.Fatal("type handler survived Close")
	}
}

func TestFirstSuccessfulHandlerWins(t *testing.T) {
	r := NewRegistry(nil)
	var calls []string
	failing := ServiceFunc(func() []Method {
		return []Method{Handle1("Do", func(string) error { calls = append(calls, "fail"); return errors.New("no") })}
	})
	ok := ServiceFunc(func() []Method {
		return []Method{Handle1("Do", func(string) error { calls = append(calls, "ok"); return nil })}
	})
	if _, err := r.Register(1, failing, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(1, ok, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(envelope(t, r, 1, "Do", 0, "x"), Info{}); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[1] != "ok" {
		t.Fatalf("calls %v", calls)
	}
	calls = nil
	if n := r.InvokeAll(envelope(t, r, 1, "Do", 0, "x"), Info{IsLocal: true}); n != 1 || len(calls) != 2 {
		t.Fatalf("invoke all: %d %v", n, calls)
	}
}

func TestEncodeArgs(t *testing.T) {
	r := NewRegistry(nil)
	if b, err := r.EncodeArgs(9, "X", 0, []any{1, 2}); err != nil || b != nil {
		t.Fatalf("no handlers: %v %v", b, err)
	}
	r.Register(1, &pingService{}, 0)
	if _, err := r.EncodeArgs(1, "Add", 0, []any{int32(1)}); !errors.Is(err, ErrArgumentCount) {
		t.Fatalf("short args: %v", err)
	}
	if _, err := r.EncodeArgs(1, "Ping", 0, []any{[]any{1}}); err == nil {
		t.Fatal("untyped slice accepted")
	}
	types, ok := r.ParamTypes(1, "Add", 0)
	if !ok || len(types) != 2 || types[0].String() != "int32" {
		t.Fatalf("param types %v", types)
	}
}

func TestIDs(t *testing.T) {
	if got := StringID(""); got != 0x811c9dc5 {
		t.Fatalf("fnv empty %x", got)
	}
	if got := StringID("a"); got != 0xe40c292c {
		t.Fatalf("fnv a %x", got)
	}
	id := ModuleIDFromUUID("0F1E2D3C-4B5A-6978-8796-A5B4C3D2E1F0")
	if id != 0x9a477ba1 {
		t.Fatalf("module id %x", id)
	}
}
