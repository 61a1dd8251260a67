package cache

import (
	"sync"
	"time"
)

// Dedupe suppresses repeated keys inside a TTL window. Inbound channels
// redeliver messages (webhook retries, reconnect replays), so the processor
// checks every channel message id against this before running a turn.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// DedupeOptions configures a Dedupe. A zero TTL means entries never expire;
// a zero MaxSize disables the size bound.
type DedupeOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewDedupe builds a deduplication cache.
func NewDedupe(opts DedupeOptions) *Dedupe {
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.MaxSize < 0 {
		opts.MaxSize = 0
	}
	return &Dedupe{
		seen:    make(map[string]time.Time),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
	}
}

// Check reports whether key was seen within the TTL, and records it either
// way. An empty key is never a duplicate.
func (d *Dedupe) Check(key string) bool {
	return d.CheckAt(key, time.Now())
}

// CheckAt is Check with an explicit clock.
func (d *Dedupe) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	d.seen[key] = now
	if ok && (d.ttl == 0 || now.Sub(at) < d.ttl) {
		return true
	}
	d.prune(now)
	return false
}

// Contains reports whether key is present and unexpired without refreshing it.
func (d *Dedupe) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	if !ok {
		return false
	}
	return d.ttl == 0 || time.Since(at) < d.ttl
}

// Remove drops a key.
func (d *Dedupe) Remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Len returns the number of tracked keys, expired entries included.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// prune drops expired entries, then evicts oldest-first down to maxSize.
// Called with the lock held.
func (d *Dedupe) prune(now time.Time) {
	if d.ttl > 0 {
		for key, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, key)
			}
		}
	}
	if d.maxSize == 0 {
		return
	}
	for len(d.seen) > d.maxSize {
		var oldestKey string
		var oldestAt time.Time
		for key, at := range d.seen {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey = key
				oldestAt = at
			}
		}
		delete(d.seen, oldestKey)
	}
}

// MessageKey builds a dedupe key for a channel message id. Returns "" when
// the channel did not supply an id, which Check treats as never-duplicate.
func MessageKey(channel, messageID string) string {
	if messageID == "" {
		return ""
	}
	if channel == "" {
		return messageID
	}
	return channel + ":" + messageID
}
