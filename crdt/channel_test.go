package crdt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clock"
)

const testDocID = "doc_00000000000000000001" // exactly 24 bytes

func newTestChannel(t *testing.T, c clock.Clock) *Channel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crdt.db")
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil, c)
}

func TestStoreUpdateAssignsIncreasingSeq(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	seq1, err := c.StoreUpdate(ctx, 1, testDocID, []byte("update-1"))
	require.NoError(t, err)
	seq2, err := c.StoreUpdate(ctx, 1, testDocID, []byte("update-2"))
	require.NoError(t, err)
	require.Equal(t, seq1+1, seq2)

	updates, err := c.GetUpdates(ctx, 1, testDocID)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("update-1"), []byte("update-2")}, updates)
}

func TestSubscribeSendsSnapshotOrSeed(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	snapshot, sub, err := c.Subscribe(ctx, 1, SubscribeOptions{DocID: testDocID, SendSnapshot: true})
	require.NoError(t, err)
	require.Equal(t, [][]byte{seedUpdate()}, snapshot, "brand-new doc with no updates yet seeds the snapshot")
	sub.Close()
}

func TestSubscribeReceivesLiveUpdates(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	_, sub, err := c.Subscribe(ctx, 1, SubscribeOptions{DocID: testDocID})
	require.NoError(t, err)
	defer sub.Close()

	_, err = c.StoreUpdate(ctx, 1, testDocID, []byte("hello"))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		require.Equal(t, FrameUpdate, ev.Kind)
		require.Equal(t, []byte("hello"), ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the update")
	}
}

func TestDeleteDocClearsUpdates(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	_, err := c.StoreUpdate(ctx, 1, testDocID, []byte("update-1"))
	require.NoError(t, err)
	require.NoError(t, c.DeleteDoc(ctx, 1, testDocID))

	updates, err := c.GetUpdates(ctx, 1, testDocID)
	require.NoError(t, err)
	require.Empty(t, updates)
}

// fakeMerger ignores its inputs and returns a fixed short marker, so
// compaction's "strictly smaller" check always passes.
type fakeMerger struct{ out []byte }

func (m fakeMerger) Merge(updates [][]byte) ([]byte, error) { return m.out, nil }

func TestCompactMergesWhenIdle(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	c.Merger = fakeMerger{out: []byte("m")}
	ctx := context.Background()

	_, err := c.StoreUpdate(ctx, 1, testDocID, []byte("update-1"))
	require.NoError(t, err)
	_, err = c.StoreUpdate(ctx, 1, testDocID, []byte("update-2"))
	require.NoError(t, err)

	require.NoError(t, c.compact(ctx, 1, testDocID))

	updates, err := c.GetUpdates(ctx, 1, testDocID)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("m")}, updates)
}

func TestCompactSkipsWhenStillConnected(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	c.Merger = fakeMerger{out: []byte("m")}
	ctx := context.Background()

	_, err := c.StoreUpdate(ctx, 1, testDocID, []byte("update-1"))
	require.NoError(t, err)
	_, err = c.StoreUpdate(ctx, 1, testDocID, []byte("update-2"))
	require.NoError(t, err)

	_, sub, err := c.Subscribe(ctx, 1, SubscribeOptions{DocID: testDocID})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.compact(ctx, 1, testDocID))

	updates, err := c.GetUpdates(ctx, 1, testDocID)
	require.NoError(t, err)
	require.Len(t, updates, 2, "compaction must abort while a subscriber is still connected")
}

func TestCompactNoopWithoutMerger(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	_, err := c.StoreUpdate(ctx, 1, testDocID, []byte("update-1"))
	require.NoError(t, err)
	require.Error(t, c.compact(ctx, 1, testDocID))
}
