// Package sched orders outgoing messages by priority and rate-limits peers.
package sched

import (
	"errors"
	"strings"
	"sync"
	"time"

	"dev.c0redev.peerrpc/internal/peer"
)

var ErrRateLimited = errors.New("rate limited")

type Priority uint8

const (
	Normal Priority = iota
	High
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	}
	return "normal"
}

// DefaultFlushBudget queued messages sent per poll.
const DefaultFlushBudget = 8

var highKeywords = []string{"admin", "control", "critical", "sync"}

// PriorityFor classifies a method name: High if it mentions one of the
// keywords (case-insensitive), Normal otherwise.
func PriorityFor(method string) Priority {
	m := strings.ToLower(method)
	for _, k := range highKeywords {
		if strings.Contains(m, k) {
			return High
		}
	}
	return Normal
}

// Queue FIFO per priority.
type Queue[T any] struct {
	mu     sync.Mutex
	queues [3][]T
}

func (q *Queue[T]) Push(p Priority, v T) {
	if p > Low {
		p = Normal
	}
	q.mu.Lock()
	q.queues[p] = append(q.queues[p], v)
	q.mu.Unlock()
}

// Pop removes up to budget items: high, then normal, then low.
func (q *Queue[T]) Pop(budget int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []T
	for _, p := range [...]Priority{High, Normal, Low} {
		for budget > 0 && len(q.queues[p]) > 0 {
			out = append(out, q.queues[p][0])
			var zero T
			q.queues[p][0] = zero
			q.queues[p] = q.queues[p][1:]
			budget--
		}
	}
	return out
}

// Len queued items at p.
func (q *Queue[T]) Len(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[p])
}

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Second
)

// Limiter sliding-window event count per peer.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	events map[peer.ID][]time.Time
}

// NewLimiter allows limit events per window per peer. limit <= 0 disables it.
func NewLimiter(limit int, window time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{limit: limit, window: window, now: now, events: make(map[peer.ID][]time.Time)}
}

// Allow records one event for id when it fits in the window.
func (l *Limiter) Allow(id peer.ID) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := l.events[id]
	i := 0
	for i < len(ev) && !ev[i].After(cutoff) {
		i++
	}
	ev = ev[i:]
	if len(ev) >= l.limit {
		l.events[id] = ev
		return false
	}
	l.events[id] = append(ev, now)
	return true
}

func (l *Limiter) Forget(id peer.ID) {
	l.mu.Lock()
	delete(l.events, id)
	l.mu.Unlock()
}
