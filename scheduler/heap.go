package scheduler

import (
	"container/heap"

	"github.com/cloudillo/cloudillo/clock"
)

// scheduledEntry is one (timestamp, task id) pair in tasks_scheduled. Ready
// tasks (no deps, no explicit time) carry the time they were scheduled or
// recovered, not timestamp 0, so an overdue task with an earlier timestamp
// is taken first.
type scheduledEntry struct {
	at     clock.Timestamp
	taskID string
	index  int
}

// timeHeap is a container/heap.Interface ordering entries by timestamp then
// task id, giving the BTreeMap-like "head is earliest" access pattern §4.4
// describes without pulling in a separate ordered-map dependency.
type timeHeap []*scheduledEntry

func (h timeHeap) Len() int { return len(h) }
func (h timeHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].taskID < h[j].taskID
}
func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *timeHeap) Push(x any) {
	e := x.(*scheduledEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// removeByID removes the entry for taskID, if present, maintaining heap
// invariants. Used by cancellation and by requeue-with-different-time.
func (h *timeHeap) removeByID(taskID string) bool {
	for i, e := range *h {
		if e.taskID == taskID {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
