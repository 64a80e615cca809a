package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"dev.c0redev.peerrpc/internal/peer"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(&buf, nil); err != nil {
		t.Fatal(err)
	}
	b, err := ReadMessage(&buf, 0)
	if err != nil || string(b) != "hello" {
		t.Fatalf("first: %q %v", b, err)
	}
	b, err = ReadMessage(&buf, 0)
	if err != nil || len(b) != 0 {
		t.Fatalf("empty: %q %v", b, err)
	}
	_ = WriteMessage(&buf, make([]byte, 10))
	if _, err := ReadMessage(&buf, 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("max: %v", err)
	}
}

func TestHubDelivery(t *testing.T) {
	h := NewHub()
	a, b := h.Join(1), h.Join(2)
	if err := a.Send(2, []byte("x"), Reliable); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(3, []byte("x"), Reliable); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("unknown: %v", err)
	}
	got, _ := b.ReceiveBatch(10)
	if len(got) != 1 || got[0].From != 1 || string(got[0].Data) != "x" {
		t.Fatalf("got %+v", got)
	}
	a.SetTap(func(to peer.ID, data []byte, kind Reliability) bool { return false })
	_ = a.Send(2, []byte("y"), Reliable)
	if got, _ := b.ReceiveBatch(10); len(got) != 0 {
		t.Fatal("tap did not drop")
	}
	if err := a.Send(2, make([]byte, DefaultMaxMessageSize+1), Reliable); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversize: %v", err)
	}
}

func TestReceiveBatchLimit(t *testing.T) {
	h := NewHub()
	a, b := h.Join(1), h.Join(2)
	for i := 0; i < 5; i++ {
		_ = a.Send(2, []byte{byte(i)}, Unreliable)
	}
	first, _ := b.ReceiveBatch(3)
	rest, _ := b.ReceiveBatch(10)
	if len(first) != 3 || len(rest) != 2 || rest[0].Data[0] != 3 {
		t.Fatalf("batches %d %d", len(first), len(rest))
	}
}

func TestConnTransportPipe(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewConnTransport(10, 0, nil)
	b := NewConnTransport(20, 0, nil)
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := b.Attach(c2)
		done <- err
	}()
	remote, err := a.Attach(c1)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if remote != 20 {
		t.Fatalf("remote %v", remote)
	}
	if err := a.Send(20, []byte("ping"), Reliable); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := b.ReceiveBatch(1)
		if len(got) == 1 {
			if got[0].From != 10 || string(got[0].Data) != "ping" {
				t.Fatalf("got %+v", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message not delivered")
}

func TestSignalRoundtrip(t *testing.T) {
	s := Signal{Ufrag: "u", Pwd: "p", Candidates: []string{"c1", "c2"}}
	got, err := ParseSignal(s.String())
	if err != nil || got.Ufrag != "u" || got.Pwd != "p" || len(got.Candidates) != 2 {
		t.Fatalf("got %+v %v", got, err)
	}
	if _, err := ParseSignal("only"); err == nil {
		t.Fatal("missing pwd accepted")
	}
}

func TestMultiPrefersLinkedPart(t *testing.T) {
	hub := NewHub()
	ha, hb := hub.Join(1), hub.Join(2)
	ca, cb := NewConnTransport(1, 0, nil), NewConnTransport(2, 0, nil)
	defer ca.Close()
	defer cb.Close()
	m := NewMulti(ca, ha)

	// no link yet: the hub carries it
	if err := m.Send(2, []byte("via hub"), Reliable); err != nil {
		t.Fatal(err)
	}
	if got, _ := hb.ReceiveBatch(10); len(got) != 1 || string(got[0].Data) != "via hub" {
		t.Fatalf("hub got %+v", got)
	}

	c1, c2 := net.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := cb.Attach(c2)
		done <- err
	}()
	if _, err := ca.Attach(c1); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := m.Send(2, []byte("via conn"), Reliable); err != nil {
		t.Fatal(err)
	}
	if got := waitPacket(t, cb); string(got.Data) != "via conn" {
		t.Fatalf("conn got %q", got.Data)
	}
	if got, _ := hb.ReceiveBatch(10); len(got) != 0 {
		t.Fatal("hub used while linked")
	}

	_ = hb.Send(1, []byte("a"), Reliable)
	_ = hb.Send(1, []byte("b"), Reliable)
	if got, _ := m.ReceiveBatch(1); len(got) != 1 {
		t.Fatalf("batch limit: %d", len(got))
	}
	if got, _ := m.ReceiveBatch(10); len(got) != 1 || string(got[0].Data) != "b" {
		t.Fatalf("rest %+v", got)
	}
	if m.LocalID() != 1 {
		t.Fatal("local id")
	}
}

func waitPacket(t *testing.T, tr Transport) Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := tr.ReceiveBatch(1); len(got) == 1 {
			return got[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message not delivered")
	return Packet{}
}
