// Package guard holds advisory checks on the propagation path. Nothing here
// may fail or block the accept decision for a packet.
package guard

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Dedup remembers recently forwarded event ids, bounded by age and count.
type Dedup struct {
	mu    sync.Mutex
	items *gocache.Cache

	// ring holds ids in insertion order; overwriting a slot evicts its id
	// unless the id was recorded again since.
	ring []slot
	next int
}

type slot struct {
	id string
	at time.Time
}

// NewDedup creates a cache that forgets ids after maxAge or once more than
// maxEntries newer ids have been recorded.
func NewDedup(maxAge time.Duration, maxEntries int) *Dedup {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cleanup := maxAge / 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Dedup{
		items: gocache.New(maxAge, cleanup),
		ring:  make([]slot, maxEntries),
	}
}

// Seen reports whether id was recorded and has not aged out.
func (d *Dedup) Seen(id string) bool {
	_, ok := d.items.Get(id)
	return ok
}

// FirstSeen returns when id was recorded.
func (d *Dedup) FirstSeen(id string) (time.Time, bool) {
	v, ok := d.items.Get(id)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Record marks id as seen now.
func (d *Dedup) Record(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items.Get(id); ok {
		return
	}
	now := time.Now()
	d.items.SetDefault(id, now)
	d.track(id, now)
}

// CheckAndRecord records id and reports whether it had already been seen.
func (d *Dedup) CheckAndRecord(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if err := d.items.Add(id, now, gocache.DefaultExpiration); err != nil {
		return true
	}
	d.track(id, now)
	return false
}

// Len returns the number of ids currently held.
func (d *Dedup) Len() int {
	return d.items.ItemCount()
}

func (d *Dedup) track(id string, at time.Time) {
	if old := d.ring[d.next]; old.id != "" {
		if v, ok := d.items.Get(old.id); ok && v.(time.Time).Equal(old.at) {
			d.items.Delete(old.id)
		}
	}
	d.ring[d.next] = slot{id: id, at: at}
	d.next = (d.next + 1) % len(d.ring)
}
