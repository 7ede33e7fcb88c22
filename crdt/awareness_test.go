package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/clock"
)

func TestAwarenessTrackerHeartbeatAndExpiry(t *testing.T) {
	a := NewAwarenessTracker()
	a.Heartbeat("client-1", 1000)
	a.Heartbeat("client-2", 1000)

	require.Empty(t, a.Expired(1010), "10s since last heartbeat is well within the 30s timeout")

	expired := a.Expired(1031)
	require.ElementsMatch(t, []string{"client-1", "client-2"}, expired)

	require.Empty(t, a.Expired(2000), "expired entries are removed once reported")
}

func TestAwarenessTrackerForget(t *testing.T) {
	a := NewAwarenessTracker()
	a.Heartbeat("client-1", 1000)
	a.Forget("client-1")
	require.Empty(t, a.Expired(1031))
}

func TestAwarenessTrackerPartialExpiry(t *testing.T) {
	a := NewAwarenessTracker()
	a.Heartbeat("stale", 1000)
	a.Heartbeat("fresh", 1025)

	expired := a.Expired(1031)
	require.Equal(t, []string{"stale"}, expired)

	var c clock.Clock = clock.NewFixed(1031)
	require.Empty(t, a.Expired(c.Now()+10), "fresh client is not yet expired a few seconds later")
}
