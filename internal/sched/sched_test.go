package sched

import (
	"testing"
	"time"
)

func TestPriorityFor(t *testing.T) {
	cases := map[string]Priority{
		"AdminKick":     High,
		"syncState":     High,
		"CONTROL":       High,
		"onCriticalHit": High,
		"Ping":          Normal,
		"":              Normal,
	}
	for method, want := range cases {
		if got := PriorityFor(method); got != want {
			t.Fatalf("%q: %v, want %v", method, got, want)
		}
	}
}

func TestQueueOrder(t *testing.T) {
	var q Queue[int]
	q.Push(Low, 1)
	q.Push(Normal, 2)
	q.Push(Low, 3)
	q.Push(Normal, 4)
	q.Push(High, 5)
	got := q.Pop(3)
	if len(got) != 3 || got[0] != 5 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("first pop %v", got)
	}
	got = q.Pop(8)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("second pop %v", got)
	}
	if len(q.Pop(8)) != 0 {
		t.Fatal("queue not empty")
	}
}

func TestLimiterWindow(t *testing.T) {
	now := time.Unix(100, 0)
	l := NewLimiter(3, time.Second, func() time.Time { return now })
	for i := 0; i < 3; i++ {
		if !l.Allow(1) {
			t.Fatalf("event %d denied", i)
		}
	}
	if l.Allow(1) {
		t.Fatal("4th event allowed")
	}
	if !l.Allow(2) {
		t.Fatal("other peer limited")
	}
	now = now.Add(500 * time.Millisecond)
	if l.Allow(1) {
		t.Fatal("allowed before window slid")
	}
	now = now.Add(501 * time.Millisecond)
	if !l.Allow(1) {
		t.Fatal("denied after window slid")
	}
	l.Forget(1)
	for i := 0; i < 3; i++ {
		if !l.Allow(1) {
			t.Fatal("forget kept history")
		}
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, time.Second, nil)
	for i := 0; i < 1000; i++ {
		if !l.Allow(1) {
			t.Fatal("disabled limiter denied")
		}
	}
}
