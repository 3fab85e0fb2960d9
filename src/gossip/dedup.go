package gossip

import "time"

// Dedup is a horizon-bounded fingerprint cache used for loop suppression.
// Entries older than the horizon are forgotten; when the cache is full the
// oldest entries are evicted first.
type Dedup struct {
	horizon time.Duration
	limit   int
	seen    map[string]time.Time
}

// NewDedup creates a Dedup keeping at most limit fingerprints for at most
// horizon each.
func NewDedup(horizon time.Duration, limit int) *Dedup {
	return &Dedup{
		horizon: horizon,
		limit:   limit,
		seen:    make(map[string]time.Time),
	}
}

// Seen reports whether the fingerprint was recorded within the horizon, and
// records it if not.
func (d *Dedup) Seen(fp string, now time.Time) bool {
	if at, ok := d.seen[fp]; ok && now.Sub(at) < d.horizon {
		return true
	}

	if len(d.seen) >= d.limit {
		d.evict(now)
	}

	d.seen[fp] = now
	return false
}

// Forget drops a fingerprint so it can be seen fresh again.
func (d *Dedup) Forget(fp string) {
	delete(d.seen, fp)
}

// Len returns the number of cached fingerprints.
func (d *Dedup) Len() int {
	return len(d.seen)
}

// evict drops expired entries, then the oldest entries until under the limit.
func (d *Dedup) evict(now time.Time) {
	for fp, at := range d.seen {
		if now.Sub(at) >= d.horizon {
			delete(d.seen, fp)
		}
	}
	for len(d.seen) >= d.limit {
		var oldestFp string
		var oldestAt time.Time
		for fp, at := range d.seen {
			if oldestFp == "" || at.Before(oldestAt) {
				oldestFp, oldestAt = fp, at
			}
		}
		delete(d.seen, oldestFp)
	}
}
