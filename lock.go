package covers

import (
	"sync"
	"time"

	"github.com/adrien-f/covers/ident"
)

// lockSet hands out exclusive ownership of identifiers. A request owns all
// of its identifiers or none of them, so two requests that share an
// identifier run one after the other while disjoint requests never wait.
// Waiters are woken on every release and retry; there is no fairness.
type lockSet struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]struct{}
}

func newLockSet() *lockSet {
	l := &lockSet{held: make(map[string]struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// heldLock is the handle returned by acquire.
type heldLock struct {
	set    *lockSet
	keys   []string
	waited time.Duration
	once   sync.Once
}

// acquire blocks until none of ids is held, then takes all of them.
func (l *lockSet) acquire(ids []ident.Identifier) *heldLock {
	keys := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		k := id.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	h := &heldLock{set: l, keys: keys}

	l.mu.Lock()
	defer l.mu.Unlock()

	var start time.Time
	for !l.availableLocked(keys) {
		if start.IsZero() {
			start = time.Now()
		}
		l.cond.Wait()
	}
	if !start.IsZero() {
		h.waited = time.Since(start)
	}
	for _, k := range keys {
		l.held[k] = struct{}{}
	}
	return h
}

func (l *lockSet) availableLocked(keys []string) bool {
	for _, k := range keys {
		if _, busy := l.held[k]; busy {
			return false
		}
	}
	return true
}

// release gives back exactly the identifiers taken by acquire. Calling it
// more than once is harmless.
func (h *heldLock) release() {
	h.once.Do(func() {
		l := h.set
		l.mu.Lock()
		for _, k := range h.keys {
			delete(l.held, k)
		}
		l.mu.Unlock()
		l.cond.Broadcast()
	})
}

// size reports how many identifiers are currently held.
func (l *lockSet) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
