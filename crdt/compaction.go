package crdt

import (
	"context"
	"time"
)

// compactionGrace is §4.10's "wait a 2-second grace period" before
// compacting a document whose last WebSocket client just disconnected.
const compactionGrace = 2 * time.Second

// ScheduleCompaction implements §4.10's post-session compaction: wait the
// grace period, and if the document still has zero connections, merge its
// update log into a single update and, if that is strictly smaller, replace
// the log with it. Called from a session's disconnect path; runs in its own
// goroutine so the disconnecting request handler doesn't block on it.
func (c *Channel) ScheduleCompaction(tnID int64, docID string) {
	go func() {
		time.Sleep(compactionGrace)
		if err := c.compact(context.Background(), tnID, docID); err != nil {
			c.log.WithError(err).WithField("doc_id", docID).Debug("compaction skipped")
		}
	}()
}

// compact implements §4.10's merge step and invariant (iii): it re-checks
// the live connection count right before acting, so a client that
// reconnected during the grace period aborts compaction rather than racing
// an active session's writes.
func (c *Channel) compact(ctx context.Context, tnID int64, docID string) error {
	if c.Merger == nil {
		return errNoMerger
	}
	if c.connCount(tnID, docID) != 0 {
		return nil
	}

	updates, err := c.Store.GetUpdates(tnID, docID)
	if err != nil {
		return err
	}
	if len(updates) <= 1 {
		return nil
	}

	before := 0
	for _, u := range updates {
		before += len(u)
	}

	merged, err := c.Merger.Merge(updates)
	if err != nil {
		return err
	}
	if len(merged) >= before {
		return nil
	}

	if c.connCount(tnID, docID) != 0 {
		return nil
	}

	if err := c.Store.DeleteDoc(tnID, docID); err != nil {
		return err
	}
	if err := c.Store.PutUpdate(tnID, docID, TypeUpdate, 0, merged); err != nil {
		return err
	}
	c.Cache.evict(tnID, docID)
	return nil
}
