package rtdb

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/log"
	"github.com/sirupsen/logrus"
)

type dbKey struct {
	tnID int64
	dbID string
}

// Channel is the RTDB server: a document tree (Store), per-database lock
// tables, and a subscription hub, serialized per database by dbMu so a
// subscription's initial snapshot and a concurrent transaction's commit
// never interleave (§4.11 invariant ii). With a Redis client configured,
// change events fan out across processes the same way the CRDT broadcaster
// does (§A domain stack: "CRDT/RTDB live-change broadcast").
type Channel struct {
	Store *Store
	Clock clock.Clock
	redis *redis.Client
	log   *logrus.Entry

	mu             sync.Mutex
	dbMu           map[dbKey]*sync.Mutex
	locks          map[dbKey]*lockTable
	hub            map[dbKey]*dbSubs
	redisListening map[dbKey]bool
}

// New builds a Channel backed by a bbolt database at db and, optionally, a
// Redis client for cross-process broadcast (nil runs single-process).
func New(db *bolt.DB, rdb *redis.Client, c clock.Clock) *Channel {
	if c == nil {
		c = clock.System{}
	}
	return &Channel{
		Store: Open(db),
		Clock: c,
		redis: rdb,
		log:   log.For("rtdb"),
		dbMu:  map[dbKey]*sync.Mutex{},
		locks: map[dbKey]*lockTable{},
		hub:   map[dbKey]*dbSubs{},
	}
}

func (c *Channel) dbLock(key dbKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.dbMu[key]
	if !ok {
		m = &sync.Mutex{}
		c.dbMu[key] = m
	}
	return m
}

func (c *Channel) lockTable(key dbKey) *lockTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.locks[key]
	if !ok {
		t = newLockTable()
		c.locks[key] = t
	}
	return t
}

func (c *Channel) subs(key dbKey) *dbSubs {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.hub[key]
	if !ok {
		s = newDBSubs()
		c.hub[key] = s
	}
	return s
}

// Get implements §4.11 get(tn_id, db_id, path).
func (c *Channel) Get(ctx context.Context, tnID int64, dbID, path string) (map[string]any, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}
	var doc map[string]any
	err := c.Store.withViewTx(tnID, dbID, func(tx *txBuckets) error {
		d, _, err := tx.getDoc(path)
		doc = d
		return err
	})
	return doc, err
}
