package lifecycle

import (
	"fmt"
	"sync"
)

// pendingIndex maps a not-yet-finalized local action's (tn_id, a_id) to the
// scheduler task id of its ActionCreatorTask, so that a sibling create
// referencing it as subject/parent can add a real dependency (§4.7 step 11)
// instead of racing the creator task.
type pendingIndex struct {
	mu   sync.Mutex
	byID map[string]string
}

func newPendingIndex() *pendingIndex { return &pendingIndex{byID: make(map[string]string)} }

func pendingKey(tnID, aID int64) string { return fmt.Sprintf("%d,%d", tnID, aID) }

func (p *pendingIndex) put(tnID, aID int64, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[pendingKey(tnID, aID)] = taskID
}

func (p *pendingIndex) get(tnID, aID int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byID[pendingKey(tnID, aID)]
	return id, ok
}

func (p *pendingIndex) remove(tnID, aID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, pendingKey(tnID, aID))
}
