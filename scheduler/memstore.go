package scheduler

import (
	"context"
	"sync"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// memStore is a minimal in-memory Store used by scheduler tests; it mirrors
// PostgresStore's semantics without a database.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	clock clock.Clock
}

func newMemStore(c clock.Clock) *memStore {
	return &memStore{tasks: make(map[string]*Task), clock: c}
}

func (m *memStore) Add(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt == 0 {
		t.CreatedAt = m.clock.Now()
	}
	cp := *t
	m.tasks[t.TaskID] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, errs.NewNotFound("task not found")
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) FindPendingByKey(ctx context.Context, kind, key string) (*Task, error) {
	if key == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Kind == kind && t.Key == key && t.Status == StatusPending {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Update(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.TaskID] = &cp
	return nil
}

func (m *memStore) ListPending(ctx context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
