package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger with TTL eviction.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the clock (for deterministic testing).
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

func (l *MemoryLedger) Claim(_ context.Context, value string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	if _, ok := l.seen[value]; ok {
		return false, nil
	}
	l.seen[value] = now.Add(ttl)
	return true, nil
}

// Len is the number of unexpired entries.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.seen)
}

func (l *MemoryLedger) evict(now time.Time) {
	for k, exp := range l.seen {
		if !now.Before(exp) {
			delete(l.seen, k)
		}
	}
}
