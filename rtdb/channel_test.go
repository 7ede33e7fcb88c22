package rtdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clock"
)

func newTestChannel(t *testing.T, c clock.Clock) *Channel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtdb.db")
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil, c)
}

func TestTransactCreateThenGet(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	res, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "widget"}},
	})
	require.NoError(t, err)
	require.Len(t, res.DocIDs, 1)
	require.NotEmpty(t, res.DocIDs[0])

	doc, err := c.Get(ctx, 1, "app", "items/"+res.DocIDs[0])
	require.NoError(t, err)
	require.Equal(t, "widget", doc["name"])
}

func TestTransactUpdateMergesFields(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	res, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "widget", "qty": float64(1)}},
	})
	require.NoError(t, err)
	path := "items/" + res.DocIDs[0]

	_, err = c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpUpdate, Path: path, Patch: map[string]any{"qty": float64(5)}},
	})
	require.NoError(t, err)

	doc, err := c.Get(ctx, 1, "app", path)
	require.NoError(t, err)
	require.Equal(t, "widget", doc["name"], "update only patches the given fields")
	require.Equal(t, float64(5), doc["qty"])
}

func TestTransactUpdateMissingDocFails(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	_, err := c.Transact(context.Background(), 1, "app", "alice.example.net", []TxOp{
		{Kind: OpUpdate, Path: "items/does-not-exist", Patch: map[string]any{"qty": float64(1)}},
	})
	require.Error(t, err)
}

func TestTransactDeleteRemovesSubtree(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	res, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "widget"}},
	})
	require.NoError(t, err)
	path := "items/" + res.DocIDs[0]

	child, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: path + "/parts", Data: map[string]any{"name": "bolt"}},
	})
	require.NoError(t, err)
	childPath := path + "/parts/" + child.DocIDs[0]

	_, err = c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpDelete, Path: path},
	})
	require.NoError(t, err)

	doc, err := c.Get(ctx, 1, "app", path)
	require.NoError(t, err)
	require.Nil(t, doc, "the deleted document itself must be gone")

	doc, err = c.Get(ctx, 1, "app", childPath)
	require.NoError(t, err)
	require.Nil(t, doc, "documents under the deleted document must be gone too")
}

func TestTransactRefSubstitution(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	res, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "widget"}, Ref: "item"},
		{Kind: OpCreate, Path: "items/${$item}/parts", Data: map[string]any{"name": "bolt"}},
	})
	require.NoError(t, err)
	require.Len(t, res.DocIDs, 2)

	doc, err := c.Get(ctx, 1, "app", "items/"+res.DocIDs[0]+"/parts/"+res.DocIDs[1])
	require.NoError(t, err)
	require.Equal(t, "bolt", doc["name"])
}

func TestTransactBlockedByHardLockFromAnotherUser(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	res, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "widget"}},
	})
	require.NoError(t, err)
	path := "items/" + res.DocIDs[0]

	require.NoError(t, c.AcquireLock(ctx, 1, "app", path, "bob.example.net", LockHard, "conn-1"))

	_, err = c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpUpdate, Path: path, Patch: map[string]any{"qty": float64(2)}},
	})
	require.Error(t, err, "a different user's hard lock must block the write")

	_, err = c.Transact(ctx, 1, "app", "bob.example.net", []TxOp{
		{Kind: OpUpdate, Path: path, Patch: map[string]any{"qty": float64(2)}},
	})
	require.NoError(t, err, "the lock holder itself may still write")
}

func TestReleaseLockUnblocksWrites(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	res, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "widget"}},
	})
	require.NoError(t, err)
	path := "items/" + res.DocIDs[0]

	require.NoError(t, c.AcquireLock(ctx, 1, "app", path, "bob.example.net", LockHard, "conn-1"))
	require.NoError(t, c.ReleaseLock(ctx, 1, "app", path, "conn-1"))

	_, err = c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpUpdate, Path: path, Patch: map[string]any{"qty": float64(2)}},
	})
	require.NoError(t, err)
}

func TestSubscribeReceivesBacklogThenReadyThenLiveEvents(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	_, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "widget"}},
	})
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, 1, "app", SubscribeOptions{Path: "items"})
	require.NoError(t, err)
	defer sub.Close()

	ev := <-sub.Events
	require.Equal(t, EvCreate, ev.Kind, "backlog replays existing docs as Create events")
	ev = <-sub.Events
	require.Equal(t, EvReady, ev.Kind)

	_, err = c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "gadget"}},
	})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		require.Equal(t, EvCreate, ev.Kind)
		require.Equal(t, "gadget", ev.Data["name"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the live create event")
	}
}

func TestQuerySortsAndLimits(t *testing.T) {
	c := newTestChannel(t, clock.NewFixed(1000))
	ctx := context.Background()

	_, err := c.Transact(ctx, 1, "app", "alice.example.net", []TxOp{
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "a", "price": float64(30)}},
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "b", "price": float64(10)}},
		{Kind: OpCreate, Path: "items", Data: map[string]any{"name": "c", "price": float64(20)}},
	})
	require.NoError(t, err)

	result, err := c.Query(ctx, 1, "app", "items", QueryOptions{
		Sort:  []SortField{{Field: "price", Ascending: true}},
		Limit: 2,
	})
	require.NoError(t, err)
	docs, ok := result.([]map[string]any)
	require.True(t, ok)
	require.Len(t, docs, 2)
	require.Equal(t, "b", docs[0]["name"])
	require.Equal(t, "c", docs[1]["name"])
}
