package file

import (
	"fmt"
	"sync"
)

// pendingIndex maps a not-yet-finalized file's (tn_id, f_id) to the
// scheduler task id generating its first variant, mirroring
// action/lifecycle.pendingIndex so an action referencing a file placeholder
// can depend on that task the same way it depends on a placeholder parent
// action.
type pendingIndex struct {
	mu   sync.Mutex
	byID map[string]string
}

func newPendingIndex() *pendingIndex { return &pendingIndex{byID: make(map[string]string)} }

func pendingKey(tnID, fID int64) string { return fmt.Sprintf("%d,%d", tnID, fID) }

func (p *pendingIndex) put(tnID, fID int64, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[pendingKey(tnID, fID)] = taskID
}

func (p *pendingIndex) get(tnID, fID int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byID[pendingKey(tnID, fID)]
	return id, ok
}

func (p *pendingIndex) remove(tnID, fID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, pendingKey(tnID, fID))
}
