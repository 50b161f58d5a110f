package ingest

import (
	"sync"
	"time"
)

// DedupeCache remembers when each alarm key was last accepted.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
	ttl   time.Duration
}

func NewDedupeCache(ttl time.Duration) *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time), ttl: ttl}
}

func (d *DedupeCache) Last(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.items[key]
	return ts, ok
}

func (d *DedupeCache) Mark(key string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.items[key]; ok && prev.After(at) {
		return
	}
	d.items[key] = at
	if len(d.items) > 10000 {
		d.compact(at)
	}
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) compact(now time.Time) {
	for k, ts := range d.items {
		if now.Sub(ts) >= d.ttl {
			delete(d.items, k)
		}
	}
}

func dedupeKey(alarmName, instanceID string) string {
	return alarmName + "\x00" + instanceID
}
