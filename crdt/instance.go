package crdt

import (
	"sync"
	"sync/atomic"

	"github.com/cloudillo/cloudillo/clock"
)

// FrameKind distinguishes a persisted document Update from a broadcast-only
// Awareness message (§4.10 "Session protocol").
type FrameKind byte

const (
	FrameUpdate    FrameKind = 0
	FrameAwareness FrameKind = 1
)

// ChangeEvent is broadcast to every subscriber of a document whenever a new
// update is stored (§4.10 "broadcasts a CrdtChangeEvent{doc_id, update}"),
// or whenever an awareness message arrives (never persisted, relayed the
// same way).
type ChangeEvent struct {
	DocID   string    `json:"docId"`
	Kind    FrameKind `json:"kind"`
	Payload []byte    `json:"payload"`
}

// Instance is the in-memory per-document cache entry (§4.10 "Instance
// cache"): an atomic seq counter seeded from the persisted maximum seq+1,
// a broadcaster for live fan-out, and connection bookkeeping used both for
// LRU eviction and for gating post-session compaction.
type Instance struct {
	docID       string
	seq         uint64 // atomic; holds the NEXT seq to assign
	broadcaster *Broadcaster
	cancel      func() // stops the redis listener goroutine, if any

	mu         sync.Mutex
	conns      int
	lastAccess clock.Timestamp
}

func newInstance(docID string, seed uint64, b *Broadcaster, cancel func(), now clock.Timestamp) *Instance {
	return &Instance{
		docID:       docID,
		seq:         seed,
		broadcaster: b,
		cancel:      cancel,
		lastAccess:  now,
	}
}

// nextSeq assigns and returns the next sequence number, then advances the
// counter (§4.10 invariant i: unique, monotonic per doc).
func (in *Instance) nextSeq() uint64 {
	return atomic.AddUint64(&in.seq, 1) - 1
}

func (in *Instance) touch(now clock.Timestamp) {
	in.mu.Lock()
	in.lastAccess = now
	in.mu.Unlock()
}

func (in *Instance) addConn(delta int) int {
	in.mu.Lock()
	in.conns += delta
	n := in.conns
	in.mu.Unlock()
	return n
}

func (in *Instance) connCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.conns
}

func (in *Instance) lastAccessTime() clock.Timestamp {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastAccess
}

func (in *Instance) idle(now clock.Timestamp, cutoff int64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.conns == 0 && int64(now-in.lastAccess) >= cutoff
}
