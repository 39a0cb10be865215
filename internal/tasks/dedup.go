package tasks

import (
	"sync"
	"time"
)

// DedupLedger is a TTL-based idempotency guard keyed by (task, target). It
// prevents redundant regeneration work, not correctness: a process restart
// forgets all entries and regeneration is idempotent.
type DedupLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewDedupLedger(ttl time.Duration) *DedupLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DedupLedger{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Key builds the ledger key for a (task, target) pair.
func Key(taskID, target string) string {
	return taskID + "|" + target
}

// Has reports whether a live entry exists for key. Expired entries are
// evicted as a side effect.
func (l *DedupLedger) Has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.entries[key]
	if !ok {
		return false
	}
	if l.now().Sub(at) >= l.ttl {
		delete(l.entries, key)
		return false
	}
	return true
}

// Record upserts key with the current timestamp.
func (l *DedupLedger) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = l.now()
}

// Clear removes key unconditionally.
func (l *DedupLedger) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Len reports the number of live or not-yet-evicted entries.
func (l *DedupLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
