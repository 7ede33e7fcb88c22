package crdt

import (
	"sync"

	"github.com/cloudillo/cloudillo/clock"
)

// awarenessTimeout is the heartbeat cutoff for a client's awareness state,
// independent of the transport's own 15-30s ping/pong (original_source
// supplemented feature: "the original's websocket.rs drops an awareness
// entry for a client that hasn't sent a heartbeat in 30s").
const awarenessTimeout = 30

// AwarenessTracker tracks per-client last-heartbeat times for one document's
// awareness state (cursor position, presence, ...), independently of the
// awareness payload bytes themselves, which the server never interprets.
type AwarenessTracker struct {
	mu       sync.Mutex
	lastSeen map[string]clock.Timestamp
}

func NewAwarenessTracker() *AwarenessTracker {
	return &AwarenessTracker{lastSeen: make(map[string]clock.Timestamp)}
}

// Heartbeat records that clientID is still present.
func (a *AwarenessTracker) Heartbeat(clientID string, now clock.Timestamp) {
	a.mu.Lock()
	a.lastSeen[clientID] = now
	a.mu.Unlock()
}

// Forget drops clientID's entry, e.g. on disconnect.
func (a *AwarenessTracker) Forget(clientID string) {
	a.mu.Lock()
	delete(a.lastSeen, clientID)
	a.mu.Unlock()
}

// Expired returns the client ids whose last heartbeat is older than
// awarenessTimeout seconds, for the caller to drop from the awareness state
// and broadcast a removal.
func (a *AwarenessTracker) Expired(now clock.Timestamp) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var expired []string
	for id, seen := range a.lastSeen {
		if int64(now-seen) >= awarenessTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(a.lastSeen, id)
	}
	return expired
}
