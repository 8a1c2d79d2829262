// Package dedupe keeps a bounded window of recently seen keys.
//
// Each live connection owns one Window keyed by event id, so a broker
// redelivery or an event reaching the connection through two rooms is
// written to the socket once.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Window is a thread-safe, size-limited set of recently seen keys with an
// optional TTL. Insertion order lives in a linked list so eviction of the
// oldest key is O(1). There is no background goroutine: expired entries are
// dropped lazily, which keeps the per-connection cost to a map and a list.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a window holding at most maxSize keys. ttl <= 0 disables
// expiry, so only capacity evicts.
func New(maxSize int, ttl time.Duration) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		seen:    make(map[string]*entry, maxSize),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was already seen and, if not, records it.
// The check and the mark happen under one lock.
func (w *Window) CheckAndMark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if e, ok := w.seen[key]; ok {
		if w.ttl <= 0 || now.Sub(e.seenAt) < w.ttl {
			return true
		}
		w.order.Remove(e.element)
		delete(w.seen, key)
	}

	for len(w.seen) >= w.maxSize {
		w.evictOldest()
	}
	w.seen[key] = &entry{seenAt: now, element: w.order.PushBack(key)}
	return false
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// evictOldest must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}
