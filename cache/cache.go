// Package cache holds the most recent validated order book snapshot per
// (exchange, symbol) and serves lock-cheap reads to the aggregation path.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

// Stats is a point-in-time view of cache activity counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Upserts  int64
	Rejected int64
	Evicted  int64
}

type shard struct {
	mu    sync.RWMutex
	books map[models.BookKey]models.OrderBookSnapshot
}

// Cache is a sharded snapshot store. Writers replace whole snapshots under a
// per-shard lock and admission is gated on strictly increasing sequence
// numbers, so readers always observe a complete book from a single capture.
// No lock is held across I/O.
type Cache struct {
	shards    []*shard
	staleness time.Duration

	hits     int64
	misses   int64
	upserts  int64
	rejected int64
	evicted  int64

	subsMu sync.RWMutex
	subs   map[int]chan models.BookKey
	nextID int

	log *logger.Log
}

// New creates a cache with the given shard count and staleness threshold.
// Entries older than the threshold are invisible to AllBestPrices and
// GetFresh but stay stored until RemoveStale evicts them.
func New(shardCount int, staleness time.Duration) *Cache {
	if shardCount <= 0 {
		shardCount = 16
	}
	if staleness <= 0 {
		staleness = 60 * time.Second
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{books: make(map[models.BookKey]models.OrderBookSnapshot)}
	}
	return &Cache{
		shards:    shards,
		staleness: staleness,
		subs:      make(map[int]chan models.BookKey),
		log:       logger.GetLogger(),
	}
}

func (c *Cache) shardFor(key models.BookKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.Exchange))
	h.Write([]byte{0})
	h.Write([]byte(key.Symbol))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Upsert stores the snapshot if its sequence is strictly greater than the
// stored one (or the key is new) and reports whether it replaced the entry.
// Duplicate and out-of-date snapshots from racing connections lose here and
// are simply dropped.
func (c *Cache) Upsert(snap models.OrderBookSnapshot) bool {
	key := snap.Key()
	s := c.shardFor(key)

	s.mu.Lock()
	current, exists := s.books[key]
	if exists && snap.Sequence <= current.Sequence {
		s.mu.Unlock()
		atomic.AddInt64(&c.rejected, 1)
		return false
	}
	s.books[key] = snap
	s.mu.Unlock()

	atomic.AddInt64(&c.upserts, 1)
	c.notify(key)
	return true
}

// Get returns a deep copy of the stored snapshot regardless of age.
func (c *Cache) Get(key models.BookKey) (models.OrderBookSnapshot, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	snap, ok := s.books[key]
	s.mu.RUnlock()

	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return models.OrderBookSnapshot{}, false
	}
	atomic.AddInt64(&c.hits, 1)
	return snap.Clone(), true
}

// GetFresh returns a deep copy of the stored snapshot only when it is within
// the staleness threshold.
func (c *Cache) GetFresh(key models.BookKey) (models.OrderBookSnapshot, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	snap, ok := s.books[key]
	s.mu.RUnlock()

	if !ok || time.Since(snap.CapturedAt) > c.staleness {
		atomic.AddInt64(&c.misses, 1)
		return models.OrderBookSnapshot{}, false
	}
	atomic.AddInt64(&c.hits, 1)
	return snap.Clone(), true
}

// AllBestPrices returns the top of book for every entry within the staleness
// threshold. Shards are locked one at a time.
func (c *Cache) AllBestPrices() map[models.BookKey]models.BestPrice {
	out := make(map[models.BookKey]models.BestPrice)
	now := time.Now()
	for _, s := range c.shards {
		s.mu.RLock()
		for key, snap := range s.books {
			if now.Sub(snap.CapturedAt) > c.staleness {
				continue
			}
			out[key] = snap.BestPrice()
		}
		s.mu.RUnlock()
	}
	return out
}

// RemoveStale evicts entries older than the given threshold and returns how
// many were removed. A non-positive threshold uses the cache default.
func (c *Cache) RemoveStale(threshold time.Duration) int {
	if threshold <= 0 {
		threshold = c.staleness
	}
	now := time.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, snap := range s.books {
			if now.Sub(snap.CapturedAt) > threshold {
				delete(s.books, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		atomic.AddInt64(&c.evicted, int64(removed))
		c.log.WithComponent("book_cache").WithFields(logger.Fields{
			"removed":   removed,
			"threshold": threshold.String(),
		}).Info("evicted stale order books")
	}
	return removed
}

// Keys lists every cached key, fresh or not.
func (c *Cache) Keys() []models.BookKey {
	keys := make([]models.BookKey, 0, c.Len())
	for _, s := range c.shards {
		s.mu.RLock()
		for key := range s.books {
			keys = append(keys, key)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Len returns the number of cached books, fresh or not.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.books)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns a snapshot of the activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     atomic.LoadInt64(&c.hits),
		Misses:   atomic.LoadInt64(&c.misses),
		Upserts:  atomic.LoadInt64(&c.upserts),
		Rejected: atomic.LoadInt64(&c.rejected),
		Evicted:  atomic.LoadInt64(&c.evicted),
	}
}

// Staleness returns the configured staleness threshold.
func (c *Cache) Staleness() time.Duration {
	return c.staleness
}

// Subscribe registers for update notifications on accepted upserts. The
// returned cancel func unregisters and closes the channel. A subscriber that
// falls behind its buffer is disconnected rather than allowed to block the
// write path.
func (c *Cache) Subscribe(buffer int) (<-chan models.BookKey, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.BookKey, buffer)

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel
}

func (c *Cache) notify(key models.BookKey) {
	c.subsMu.RLock()
	var lagging []int
	for id, sub := range c.subs {
		select {
		case sub <- key:
		default:
			lagging = append(lagging, id)
		}
	}
	c.subsMu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	c.subsMu.Lock()
	for _, id := range lagging {
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
			c.log.WithComponent("book_cache").WithFields(logger.Fields{
				"subscriber": id,
			}).Warn("disconnected lagging cache subscriber")
		}
	}
	c.subsMu.Unlock()
}
