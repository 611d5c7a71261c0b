// Package dedup suppresses replays of webhook deliveries. The platform
// redelivers events when an acknowledgment is late, so every message id is
// tracked for a short window and processed at most once inside it.
package dedup

import (
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a message id stays suppressed.
	DefaultTTL = 5 * time.Minute
	// sweepThreshold triggers an inline sweep once this many ids are tracked.
	sweepThreshold = 200
)

// Deduplicator records message ids and reports repeats. Safe for concurrent
// use. State is not persisted; after a restart the redelivery window of the
// platform is short enough that a brief blind spot is acceptable.
type Deduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// New returns a Deduplicator with the given TTL (DefaultTTL when zero).
func New(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen reports whether the id was already recorded, recording it on first
// sight. Empty ids are never considered duplicates.
func (d *Deduplicator) Seen(messageID string) bool {
	if messageID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[messageID]; ok {
		return true
	}
	d.seen[messageID] = d.now()
	if len(d.seen) > sweepThreshold {
		d.sweepLocked()
	}
	return false
}

// Sweep drops entries older than the TTL. Run it periodically so low-traffic
// deployments do not hold stale ids until the threshold trips.
func (d *Deduplicator) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked()
}

func (d *Deduplicator) sweepLocked() {
	cutoff := d.now().Add(-d.ttl)
	for id, ts := range d.seen {
		if ts.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}

// Size returns the number of tracked ids.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
