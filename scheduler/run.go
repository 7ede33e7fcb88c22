package scheduler

import (
	"container/heap"
	"context"
	"time"

	"github.com/cloudillo/cloudillo/errs"
)

// taskResult is what a spawned Runner reports back to the completion
// handler goroutine.
type taskResult struct {
	taskID string
	output string
	err    error
}

// Start launches the two cooperating loops described in §4.4: the
// scheduler-timer and the completion handler. It first performs startup
// recovery (§4.4 "Startup recovery"). Returns a stop function.
func (s *Scheduler) Start(ctx context.Context) (stop func(), err error) {
	if err := s.recover(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	resultCh := make(chan taskResult, 64)

	go s.timerLoop(runCtx, resultCh)
	go s.completionLoop(runCtx, resultCh)

	return cancel, nil
}

// recover implements §4.4 "Startup recovery": load all Pending tasks and
// hand each straight to enqueue (not through Schedule), which places it in
// the scheduled or waiting queue by its remaining deps.
func (s *Scheduler) recover(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, t := range pending {
		m := &meta{
			taskID:   t.TaskID,
			kind:     t.Kind,
			key:      t.Key,
			input:    t.Input,
			cron:     t.Cron,
			retryCnt: t.RetryCnt,
		}
		if t.HasPolicy() {
			m.retry = t.Policy()
			m.hasRetry = true
		}
		if t.NextAt != nil {
			m.nextAt = *t.NextAt
		} else {
			m.nextAt = s.clock.Now()
		}
		s.enqueue(m, []string(t.Deps))
	}
	if len(pending) > 0 {
		s.log.WithField("count", len(pending)).Info("recovered pending tasks")
	}
	return nil
}

// timerLoop is the scheduler-timer cooperating task of §4.4 step 1: inspect
// tasks_scheduled's head, spawn ready work, sleep until the next head time
// or a wake notification.
func (s *Scheduler) timerLoop(ctx context.Context, results chan<- taskResult) {
	for {
		s.mu.Lock()
		now := s.clock.Now()
		var sleepFor time.Duration = time.Hour
		for len(s.scheduled) > 0 {
			head := s.scheduled[0]
			if head.at > now {
				sleepFor = head.at.Time().Sub(now.Time())
				break
			}
			heap.Pop(&s.scheduled)
			delete(s.scheduledI, head.taskID)
			m := s.scheduledMeta[head.taskID]
			delete(s.scheduledMeta, head.taskID)

			if m == nil {
				continue
			}
			// running-set insertion happens before spawning, closing the
			// race with the completion handler (§4.4 "Concurrency").
			s.running[m.taskID] = m
			go s.execute(ctx, m, results)
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(sleepFor):
		}
	}
}

// execute runs one task's Runner to completion. Task execution has no fixed
// timeout in §4.4; the 5s/100-op bound in §4.6 applies to DSL hooks, not to
// the scheduler itself.
func (s *Scheduler) execute(ctx context.Context, m *meta, results chan<- taskResult) {
	run, ok := s.registry.Lookup(m.kind)
	if !ok {
		results <- taskResult{taskID: m.taskID, err: errs.NewValidation("unregistered task kind: " + m.kind)}
		return
	}
	output, err := run(ctx, m.taskID, m.input)
	results <- taskResult{taskID: m.taskID, output: output, err: err}
}

// completionLoop is §4.4 step 2: receive finished ids, apply cron/retry
// policy, then release dependents.
func (s *Scheduler) completionLoop(ctx context.Context, results <-chan taskResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			s.handleCompletion(ctx, r)
		}
	}
}

func (s *Scheduler) handleCompletion(ctx context.Context, r taskResult) {
	s.mu.Lock()
	m, ok := s.running[r.taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.running, r.taskID)
	s.mu.Unlock()

	t, err := s.store.Get(ctx, r.taskID)
	if err != nil {
		s.log.WithError(err).WithField("task_id", r.taskID).Error("load task for completion failed")
		return
	}

	switch {
	case m.cron != "":
		s.completeCron(ctx, t, m, r)
	case r.err != nil:
		s.completeFailure(ctx, t, m, r)
	default:
		t.Status = StatusFinished
		t.Output = r.output
		t.LastError = ""
		_ = s.store.Update(ctx, t)
	}

	s.releaseDependents(ctx, r.taskID)
}

// completeCron computes the next execution and re-queues the task instead of
// finishing it (§4.4 "Cron semantics": recurring tasks alternate
// running -> scheduled -> running, never leaving the system).
func (s *Scheduler) completeCron(ctx context.Context, t *Task, m *meta, r taskResult) {
	completedAt := s.clock.Now()
	next, err := NextExecution(m.cron, completedAt)
	if err != nil {
		s.log.WithError(err).WithField("task_id", t.TaskID).Error("bad cron expression, dropping recurring task")
		t.Status = StatusError
		t.LastError = err.Error()
		_ = s.store.Update(ctx, t)
		return
	}
	t.Output = r.output
	t.LastError = ""
	if r.err != nil {
		t.LastError = r.err.Error()
	}
	t.NextAt = &next
	_ = s.store.Update(ctx, t)

	m.nextAt = next
	s.enqueue(m, nil)
}

// completeFailure applies §4.4's retry semantics: exponential backoff with a
// cap, terminal after the policy's attempt budget is exhausted.
func (s *Scheduler) completeFailure(ctx context.Context, t *Task, m *meta, r taskResult) {
	if m.hasRetry && errs.Retryable(r.err) && m.retryCnt < m.retry.Times {
		backoff := m.retry.Backoff(m.retryCnt)
		m.retryCnt++
		next := s.clock.Now().Add(time.Duration(backoff) * time.Second)

		t.RetryCnt = m.retryCnt
		t.LastError = r.err.Error()
		t.NextAt = &next
		_ = s.store.Update(ctx, t)

		m.nextAt = next
		s.enqueue(m, nil)
		return
	}

	t.Status = StatusError
	t.LastError = r.err.Error()
	_ = s.store.Update(ctx, t)
}

// releaseDependents implements §4.4's release_dependents(id): atomically
// detach id from the dependents map, and for every former dependent whose
// deps list becomes empty, spawn it immediately.
func (s *Scheduler) releaseDependents(ctx context.Context, id string) {
	s.mu.Lock()
	dependents := s.dependents[id]
	delete(s.dependents, id)

	var ready []*meta
	for _, depTaskID := range dependents {
		dm, ok := s.waiting[depTaskID]
		if !ok {
			continue
		}
		delete(dm.deps, id)
		if len(dm.deps) == 0 {
			delete(s.waiting, depTaskID)
			s.running[depTaskID] = dm
			ready = append(ready, dm)
		}
	}
	s.mu.Unlock()

	for _, dm := range ready {
		go s.spawnReady(ctx, dm)
	}
}

// spawnReady runs a dependency-released task immediately, inheriting its
// meta unchanged (§4.4 "Observable invariants").
func (s *Scheduler) spawnReady(ctx context.Context, m *meta) {
	resultsOnce := make(chan taskResult, 1)
	s.execute(ctx, m, resultsOnce)
	r := <-resultsOnce
	s.handleCompletion(ctx, r)
}
