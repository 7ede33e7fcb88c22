package crdt

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/cloudillo/cloudillo/clock"
)

type cacheKey struct {
	tnID  int64
	docID string
}

// Cache holds at most MaxInstances in-memory Instances (§9 "CRDT instance
// caches hold at most max_instances documents; idle docs may be evicted
// when auto_evict is on and no subscribers remain").
type Cache struct {
	store *Store
	redis *redis.Client
	clock clock.Clock

	MaxInstances int
	AutoEvict    bool

	mu   sync.Mutex
	docs map[cacheKey]*Instance
}

func newCache(store *Store, rdb *redis.Client, c clock.Clock) *Cache {
	return &Cache{
		store:        store,
		redis:        rdb,
		clock:        c,
		MaxInstances: 1024,
		AutoEvict:    true,
		docs:         make(map[cacheKey]*Instance),
	}
}

// getOrCreate returns the Instance for (tnID, docID), creating it (seeding
// its seq counter from the persisted max and starting its broadcaster's
// Redis listener, if configured) on first touch.
func (c *Cache) getOrCreate(ctx context.Context, tnID int64, docID string) (*Instance, error) {
	key := cacheKey{tnID, docID}

	c.mu.Lock()
	if in, ok := c.docs[key]; ok {
		c.mu.Unlock()
		in.touch(c.clock.Now())
		return in, nil
	}
	c.mu.Unlock()

	maxSeq, found, err := c.store.MaxSeq(tnID, docID)
	if err != nil {
		return nil, err
	}
	seed := uint64(0)
	if found {
		seed = maxSeq + 1
	}

	channel := "crdt:" + strconv.FormatInt(tnID, 10) + ":" + docID
	b := newBroadcaster(channel, c.redis)
	bctx, cancel := context.WithCancel(context.Background())
	if c.redis != nil {
		go b.run(bctx)
	}

	in := newInstance(docID, seed, b, cancel, c.clock.Now())

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.docs[key]; ok {
		// Lost a race with a concurrent first-touch; discard ours.
		cancel()
		return existing, nil
	}
	c.docs[key] = in
	c.evictLocked()
	return in, nil
}

func (c *Cache) lookup(tnID int64, docID string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.docs[cacheKey{tnID, docID}]
	return in, ok
}

// evict removes in from the cache, e.g. after delete_doc or post-session
// compaction of a doc with no remaining connections.
func (c *Cache) evict(tnID int64, docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{tnID, docID}
	if in, ok := c.docs[key]; ok {
		in.cancel()
		delete(c.docs, key)
	}
}

// evictLocked drops the oldest idle (zero-connection) instances once the
// cache exceeds MaxInstances. Caller holds c.mu.
func (c *Cache) evictLocked() {
	if !c.AutoEvict || len(c.docs) <= c.MaxInstances {
		return
	}
	var oldestKey cacheKey
	var oldest *Instance
	for k, in := range c.docs {
		if in.connCount() != 0 {
			continue
		}
		if oldest == nil || in.lastAccessTime() < oldest.lastAccessTime() {
			oldestKey, oldest = k, in
		}
	}
	if oldest != nil {
		oldest.cancel()
		delete(c.docs, oldestKey)
	}
}
