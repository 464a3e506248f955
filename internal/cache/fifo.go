package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// fifoEntry is the payload stored in the fifoList's list.Element.Value.
type fifoEntry struct {
	key       string
	data      []byte
	createdAt time.Time
	expiresAt time.Time
}

// FIFO is a bounded in-memory cache that evicts the oldest entry by
// createdAt once MaximumSize is reached, regardless of access pattern. It
// implements Cache. Unlike Memory (W-TinyLFU via otter), FIFO never lets a
// frequently-hit entry outlive an older, colder one — eviction order is
// strictly insertion order, matching a content-addressed response cache's
// requirement that the cache footprint stay bounded and predictable.
type FIFO struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	order      *list.List               // front = oldest, back = newest
	index      map[string]*list.Element // key -> element in order

	hits   uint64
	misses uint64
}

// NewFIFO creates a FIFO cache bounded to maxSize entries, applying
// defaultTTL when Set is called with ttl <= 0.
func NewFIFO(maxSize int, defaultTTL time.Duration) *FIFO {
	return &FIFO{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Get retrieves a value from the cache if present and not expired. An
// expired entry is evicted on read rather than waiting for a future Set to
// push it out.
func (f *FIFO) Get(_ context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	el, ok := f.index[key]
	if !ok {
		f.misses++
		return nil, false
	}
	e := el.Value.(*fifoEntry)
	if time.Now().After(e.expiresAt) {
		f.removeElement(el)
		f.misses++
		return nil, false
	}
	f.hits++
	return e.data, true
}

// Set stores a value, evicting the oldest entry if the cache is at
// capacity. Setting an existing key replaces its data and moves it to the
// back as the newest entry — its createdAt is reset to now, since it is
// functionally a new cached response as of this call.
func (f *FIFO) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = f.defaultTTL
	}
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if el, ok := f.index[key]; ok {
		f.order.Remove(el)
		delete(f.index, key)
	}

	for f.maxSize > 0 && f.order.Len() >= f.maxSize {
		front := f.order.Front()
		if front == nil {
			break
		}
		f.removeElement(front)
	}

	e := &fifoEntry{key: key, data: val, createdAt: now, expiresAt: now.Add(ttl)}
	el := f.order.PushBack(e)
	f.index[key] = el
}

// Delete removes a cached value.
func (f *FIFO) Delete(_ context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if el, ok := f.index[key]; ok {
		f.removeElement(el)
	}
}

// Purge removes all cached values.
func (f *FIFO) Purge(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order.Init()
	f.index = make(map[string]*list.Element)
}

// removeElement deletes el from both the list and the index. Caller holds f.mu.
func (f *FIFO) removeElement(el *list.Element) {
	e := el.Value.(*fifoEntry)
	f.order.Remove(el)
	delete(f.index, e.key)
}

// Stats reports cache hit/miss counters and current occupancy.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// HitRate returns Hits / (Hits + Misses), or 0 when no lookups have occurred.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns a snapshot of the cache's hit/miss counters and occupancy.
func (f *FIFO) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Hits: f.hits, Misses: f.misses, Entries: f.order.Len()}
}
