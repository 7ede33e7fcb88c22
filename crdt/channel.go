package crdt

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/log"
)

// Merger applies a document's update log into a fresh document and encodes
// its resulting state as a single update, for post-session compaction
// (§4.10). The actual CRDT algorithm (Yjs, Automerge, ...) lives in the
// client library the server only relays for; Merger is the seam a
// deployment plugs that library's merge function into. A Channel with no
// Merger configured simply never compacts.
type Merger interface {
	Merge(updates [][]byte) (merged []byte, err error)
}

// seedUpdate is materialized for a brand-new document's first subscriber
// (§4.10 "materializes an initial 'meta.i=true' seed update").
func seedUpdate() []byte {
	return []byte(`{"meta":{"i":true}}`)
}

// Channel implements §4.10's contracts: store_update, get_updates,
// subscribe, delete_doc, list_docs, routed through the Instance cache so
// seq assignment and broadcast stay consistent with whichever process last
// touched the document.
type Channel struct {
	Store  *Store
	Cache  *Cache
	Merger Merger
	Clock  clock.Clock
	log    *logrus.Entry
}

// New builds a Channel backed by a bbolt database at db and, optionally, a
// Redis client for cross-process broadcast (nil runs single-process).
func New(db *bolt.DB, rdb *redis.Client, c clock.Clock) *Channel {
	if c == nil {
		c = clock.System{}
	}
	store := Open(db)
	return &Channel{
		Store:  store,
		Cache:  newCache(store, rdb, c),
		Clock:  c,
		log:    log.For("crdt"),
	}
}

// StoreUpdate implements §4.10 store_update: load or create the document's
// instance, atomically assign the next seq, persist, then broadcast.
func (c *Channel) StoreUpdate(ctx context.Context, tnID int64, docID string, update []byte) (uint64, error) {
	in, err := c.Cache.getOrCreate(ctx, tnID, docID)
	if err != nil {
		return 0, err
	}
	seq := in.nextSeq()
	if err := c.Store.PutUpdate(tnID, docID, TypeUpdate, seq, update); err != nil {
		return 0, err
	}
	in.broadcaster.Publish(ctx, ChangeEvent{DocID: docID, Kind: FrameUpdate, Payload: update})
	return seq, nil
}

// BroadcastAwareness implements §4.10's "Awareness messages are
// broadcast-only (not persisted)": it reaches every subscriber the same way
// a stored update does, just without a Store.PutUpdate call.
func (c *Channel) BroadcastAwareness(ctx context.Context, tnID int64, docID string, payload []byte) error {
	in, err := c.Cache.getOrCreate(ctx, tnID, docID)
	if err != nil {
		return err
	}
	in.broadcaster.Publish(ctx, ChangeEvent{DocID: docID, Kind: FrameAwareness, Payload: payload})
	return nil
}

// GetUpdates implements §4.10 get_updates.
func (c *Channel) GetUpdates(ctx context.Context, tnID int64, docID string) ([][]byte, error) {
	return c.Store.GetUpdates(tnID, docID)
}

// Subscription is a live handle returned by Subscribe: Events delivers
// future ChangeEvents, Lagged closes once if the subscriber's queue
// overflowed (the caller must resnapshot via GetUpdates and call Subscribe
// again), and Close releases the subscription.
type Subscription struct {
	Events <-chan ChangeEvent
	Lagged <-chan struct{}
	Close  func()
}

// SubscribeOptions configures Subscribe (§4.10 subscribe(tn_id,
// options{doc_id, send_snapshot})).
type SubscribeOptions struct {
	DocID        string
	SendSnapshot bool
}

// Subscribe implements §4.10 subscribe: if a snapshot was requested, the
// caller receives it as the return value (to send before relaying live
// events) since a channel read can't be ordered against the subscription
// point otherwise.
func (c *Channel) Subscribe(ctx context.Context, tnID int64, opts SubscribeOptions) (snapshot [][]byte, sub Subscription, err error) {
	in, err := c.Cache.getOrCreate(ctx, tnID, opts.DocID)
	if err != nil {
		return nil, Subscription{}, err
	}
	in.addConn(1)

	if opts.SendSnapshot {
		snapshot, err = c.Store.GetUpdates(tnID, opts.DocID)
		if err != nil {
			in.addConn(-1)
			return nil, Subscription{}, err
		}
		if len(snapshot) == 0 {
			snapshot = [][]byte{seedUpdate()}
		}
	}

	id, events, lagged := in.broadcaster.Subscribe()
	closed := false
	closeFn := func() {
		if closed {
			return
		}
		closed = true
		in.broadcaster.Unsubscribe(id)
		in.addConn(-1)
	}
	return snapshot, Subscription{Events: events, Lagged: lagged, Close: closeFn}, nil
}

// DeleteDoc implements §4.10 delete_doc: remove all persisted rows and
// evict the instance.
func (c *Channel) DeleteDoc(ctx context.Context, tnID int64, docID string) error {
	if err := c.Store.DeleteDoc(tnID, docID); err != nil {
		return err
	}
	c.Cache.evict(tnID, docID)
	return nil
}

// ListDocs implements §4.10 list_docs.
func (c *Channel) ListDocs(ctx context.Context, tnID int64) ([]string, error) {
	return c.Store.ListDocs(tnID)
}

// connCount reports a document's live connection count, used by the
// compaction scheduler to decide whether the grace period held.
func (c *Channel) connCount(tnID int64, docID string) int {
	in, ok := c.Cache.lookup(tnID, docID)
	if !ok {
		return 0
	}
	return in.connCount()
}

var errNoMerger = errs.NewConfig("crdt: no merger configured, compaction skipped")
