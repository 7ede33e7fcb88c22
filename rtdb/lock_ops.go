package rtdb

import (
	"context"

	"github.com/cloudillo/cloudillo/errs"
)

// CreateIndex implements §4.11 create_index: backfill scans every existing
// document in the collection and populates the index atomically (within one
// bbolt transaction) before marking it usable, so a concurrent query never
// observes a partially-built index.
func (c *Channel) CreateIndex(ctx context.Context, tnID int64, dbID, collection, field string) error {
	key := dbKey{tnID, dbID}
	lock := c.dbLock(key)
	lock.Lock()
	defer lock.Unlock()

	return c.Store.withTx(tnID, dbID, func(tx *txBuckets) error {
		return tx.createIndex(collection, field)
	})
}

// AcquireLock implements §4.11 acquire_lock. A Hard lock request from a
// different user than the subtree's current Hard-lock holder is rejected
// with Locked (423); acquiring one's own lock again or a Soft lock always
// succeeds.
func (c *Channel) AcquireLock(ctx context.Context, tnID int64, dbID, path, userID string, mode LockMode, connID string) error {
	key := dbKey{tnID, dbID}
	locks := c.lockTable(key)
	if mode == LockHard && locks.hardLockConflict(path, userID) {
		return errs.NewLocked("rtdb: " + path + " is already hard-locked by another user")
	}
	locks.acquire(path, userID, mode, connID)

	kind := EvLock
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	coll := collectionOf(segs)
	c.publish(key, ChangeEvent{Kind: kind, Path: path}, coll)
	return nil
}

// ReleaseLock implements §4.11 release_lock.
func (c *Channel) ReleaseLock(ctx context.Context, tnID int64, dbID, path, connID string) error {
	key := dbKey{tnID, dbID}
	if !c.lockTable(key).release(path, connID) {
		return errs.NewNotFound("rtdb: no lock held on " + path + " by this connection")
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	coll := collectionOf(segs)
	c.publish(key, ChangeEvent{Kind: EvUnlock, Path: path}, coll)
	return nil
}

// ReleaseAllLocks drops every lock a connection holds, e.g. on disconnect.
func (c *Channel) ReleaseAllLocks(tnID int64, dbID, connID string) {
	key := dbKey{tnID, dbID}
	released := c.lockTable(key).releaseAll(connID)
	for _, path := range released {
		segs, err := splitPath(path)
		if err != nil {
			continue
		}
		c.publish(key, ChangeEvent{Kind: EvUnlock, Path: path}, collectionOf(segs))
	}
}
