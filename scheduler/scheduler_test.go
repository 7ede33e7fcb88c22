package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

func newTestScheduler(t *testing.T, c clock.Clock) (*Scheduler, *Registry, *memStore) {
	t.Helper()
	store := newMemStore(c)
	reg := NewRegistry()
	s := New(store, reg, c)
	return s, reg, store
}

func TestScheduleRunsImmediateTask(t *testing.T) {
	c := clock.NewFixed(1_700_000_000)
	s, reg, store := newTestScheduler(t, c)

	ran := make(chan string, 1)
	reg.Register("greet", func(ctx context.Context, taskID string, input []byte) (string, error) {
		ran <- string(input)
		return "ok", nil
	})
	reg.Freeze()

	stop, err := s.Start(context.Background())
	require.NoError(t, err)
	defer stop()

	id, err := s.Schedule(context.Background(), "greet", map[string]string{"name": "world"}, ScheduleOptions{})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	require.Eventually(t, func() bool {
		task, err := store.Get(context.Background(), id)
		return err == nil && task.Status == StatusFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleKeyDedup(t *testing.T) {
	c := clock.NewFixed(1_700_000_000)
	s, reg, _ := newTestScheduler(t, c)
	reg.Freeze()
	ctx := context.Background()

	id1, err := s.Schedule(ctx, "resize", map[string]int{"n": 1}, ScheduleOptions{Key: "file:abc"})
	require.NoError(t, err)

	id2, err := s.Schedule(ctx, "resize", map[string]int{"n": 1}, ScheduleOptions{Key: "file:abc"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "same kind+key+input must not duplicate a pending task")
}

func TestRetryBackoffTerminatesAtPolicyLimit(t *testing.T) {
	c := clock.NewFixed(1_700_000_000)
	s, _, store := newTestScheduler(t, c)
	ctx := context.Background()

	task := &Task{TaskID: "t1", Kind: "deliver", Status: StatusPending, RetryMin: 10, RetryMax: 43200, RetryN: 3}
	require.NoError(t, store.Add(ctx, task))

	m := &meta{taskID: "t1", kind: "deliver", retry: RetryPolicy{WaitMin: 10, WaitMax: 43200, Times: 3}, hasRetry: true}
	failure := errs.NewServiceUnavailable("peer unreachable")

	for attempt := 0; attempt < 4; attempt++ {
		stored, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		s.completeFailure(ctx, stored, m, taskResult{taskID: "t1", err: failure})
	}

	final, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, final.Status, "task must become terminal once retry budget is exhausted")
	assert.Equal(t, 3, m.retryCnt)
}

func TestRetryBackoffCapsAtWaitMax(t *testing.T) {
	p := RetryPolicy{WaitMin: 10, WaitMax: 43200, Times: 50}
	prev := 0
	for attempt := 0; attempt < 50; attempt++ {
		d := p.Backoff(attempt)
		assert.LessOrEqual(t, d, p.WaitMax)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, p.WaitMax, p.Backoff(49))
}

func TestCompleteCronReschedulesInsteadOfFinishing(t *testing.T) {
	c := clock.NewFixed(1_700_000_000)
	s, _, store := newTestScheduler(t, c)
	ctx := context.Background()

	task := &Task{TaskID: "cron1", Kind: "digest", Status: StatusPending, Cron: "0 * * * *"}
	require.NoError(t, store.Add(ctx, task))
	m := &meta{taskID: "cron1", kind: "digest", cron: "0 * * * *"}

	s.completeCron(ctx, task, m, taskResult{taskID: "cron1", output: "sent"})

	stored, err := store.Get(ctx, "cron1")
	require.NoError(t, err)
	assert.NotEqual(t, StatusFinished, stored.Status, "recurring tasks never reach a terminal status")
	require.NotNil(t, stored.NextAt)
	assert.Greater(t, *stored.NextAt, c.Now())

	s.mu.Lock()
	_, scheduled := s.scheduledMeta["cron1"]
	s.mu.Unlock()
	assert.True(t, scheduled, "cron task must be re-enqueued after completing")
}

func TestReleaseDependentsUnblocksWaitingTask(t *testing.T) {
	c := clock.NewFixed(1_700_000_000)
	s, reg, _ := newTestScheduler(t, c)

	hold := make(chan struct{})
	reg.Register("slow", func(ctx context.Context, taskID string, input []byte) (string, error) {
		<-hold
		return "done", nil
	})
	reg.Freeze()

	parent := &meta{taskID: "parent", kind: "slow"}
	child := &meta{taskID: "child", kind: "slow"}
	s.enqueue(parent, nil)
	s.enqueue(child, []string{"parent"})

	s.mu.Lock()
	_, waiting := s.waiting["child"]
	s.mu.Unlock()
	require.True(t, waiting)

	s.releaseDependents(context.Background(), "parent")

	// The running-set insertion happens synchronously, inside the locked
	// section of releaseDependents, before the runner goroutine is spawned —
	// so it is already visible here. Holding the runner open just keeps it
	// from completing and clearing the entry out from under the assertion.
	s.mu.Lock()
	_, stillWaiting := s.waiting["child"]
	_, nowRunning := s.running["child"]
	_, dependentsLeft := s.dependents["parent"]
	s.mu.Unlock()
	close(hold)

	assert.False(t, stillWaiting, "child must leave the waiting set once its only dependency clears")
	assert.True(t, nowRunning, "released task is handed to a runner immediately")
	assert.False(t, dependentsLeft, "dependents index entry is consumed on release")
}

func TestHealthCheckReportsQueueSizes(t *testing.T) {
	c := clock.NewFixed(1_700_000_000)
	s, _, _ := newTestScheduler(t, c)

	s.enqueue(&meta{taskID: "ready"}, nil)
	s.enqueue(&meta{taskID: "blocked"}, []string{"ready"})

	hc := s.HealthCheck()
	assert.Equal(t, 1, hc.Scheduled)
	assert.Equal(t, 1, hc.Waiting)
	assert.Equal(t, 0, hc.Running)
}

func TestCancelRemovesFromEveryQueue(t *testing.T) {
	c := clock.NewFixed(1_700_000_000)
	s, _, _ := newTestScheduler(t, c)

	s.enqueue(&meta{taskID: "x"}, nil)
	s.enqueue(&meta{taskID: "y"}, []string{"x"})
	s.Cancel("x")
	s.Cancel("y")

	hc := s.HealthCheck()
	assert.Equal(t, 0, hc.Scheduled)
	assert.Equal(t, 0, hc.Waiting)
}
