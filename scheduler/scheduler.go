package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idgen"
	"github.com/cloudillo/cloudillo/log"
)

// meta is the in-memory bookkeeping for one task, mirroring §4.4's per-task
// meta: "owned task handle, optional next_at, remaining deps, retry count,
// retry policy, optional cron".
type meta struct {
	taskID   string
	kind     string
	key      string
	input    []byte
	nextAt   clock.Timestamp
	deps     map[string]struct{}
	retry    RetryPolicy
	hasRetry bool
	retryCnt int
	cron     string
}

// ScheduleOptions configures Schedule (§4.4).
type ScheduleOptions struct {
	Key    string
	NextAt *clock.Timestamp
	Deps   []string
	Retry  *RetryPolicy
	Cron   string
}

// HealthCheck reports the sizes of the internal queues, plus stuck/dangling
// diagnostics (§4.4 health_check()).
type HealthCheck struct {
	Waiting          int
	Scheduled        int
	Running          int
	StuckWaiting     []string // waiting tasks whose deps set is empty
	MissingDeps      []string // dependency ids referenced but never seen
}

// Scheduler is the in-memory scheduling core described in §4.4. It owns
// three disjoint queues (waiting, scheduled, running) plus the dependent-id
// index, and persists every durable fact through a Store.
type Scheduler struct {
	store    Store
	registry *Registry
	clock    clock.Clock
	notifier Notifier
	log      *logrus.Entry

	mu            sync.Mutex
	waiting       map[string]*meta
	running       map[string]*meta
	scheduled     timeHeap
	scheduledI    map[string]*scheduledEntry
	scheduledMeta map[string]*meta    // taskID -> meta for entries sitting in `scheduled`
	dependents    map[string][]string // taskID -> tasks waiting on it

	wake chan struct{}
}

// Notifier decouples "a schedule happened, wake up" from the in-process
// channel so a multi-instance deployment can share the signal over Redis
// pub/sub (see NewRedisNotifier); a single-process deployment uses
// LocalNotifier.
type Notifier interface {
	Notify()
}

// LocalNotifier is a Notifier that only wakes this process's scheduler.
type LocalNotifier struct{ ch chan struct{} }

func NewLocalNotifier() *LocalNotifier { return &LocalNotifier{ch: make(chan struct{}, 1)} }

func (n *LocalNotifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// New creates a Scheduler. Call Register on registry for every task kind
// before calling Start.
func New(store Store, registry *Registry, c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.System{}
	}
	return &Scheduler{
		store:         store,
		registry:      registry,
		clock:         c,
		waiting:       make(map[string]*meta),
		running:       make(map[string]*meta),
		scheduledI:    make(map[string]*scheduledEntry),
		scheduledMeta: make(map[string]*meta),
		dependents:    make(map[string][]string),
		wake:          make(chan struct{}, 1),
		log:           log.For("scheduler"),
	}
}

// SetNotifier attaches a Notifier so every successful Schedule call also
// wakes sibling processes sharing the same Store (e.g. via Redis pub/sub).
// Call before Start.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Notify implements Notifier, so a Scheduler can itself be handed to another
// component (e.g. wired as the wake source behind a Redis subscription).
func (s *Scheduler) Notify() { s.wakeUp() }

// Schedule implements §4.4's schedule(task, opts) -> task_id contract.
func (s *Scheduler) Schedule(ctx context.Context, kind string, input any, opts ScheduleOptions) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", errs.NewValidation("marshal task input: " + err.Error())
	}

	if opts.Key != "" {
		if existing, err := s.store.FindPendingByKey(ctx, kind, opts.Key); err != nil {
			return "", err
		} else if existing != nil && string(existing.Input) == string(raw) {
			s.reconcileExisting(ctx, existing, opts)
			return existing.TaskID, nil
		}
	}

	now := s.clock.Now()
	t := &Task{
		TaskID: idgen.Random(),
		Kind:   kind,
		Key:    opts.Key,
		Input:  raw,
		Status: StatusPending,
		Cron:   opts.Cron,
	}
	if opts.Retry != nil {
		t.RetryMin, t.RetryMax, t.RetryN = opts.Retry.WaitMin, opts.Retry.WaitMax, opts.Retry.Times
	}
	if opts.NextAt != nil {
		t.NextAt = opts.NextAt
	}
	t.Deps = StringSlice(opts.Deps)

	if err := s.store.Add(ctx, t); err != nil {
		return "", err
	}

	m := &meta{
		taskID: t.TaskID,
		kind:   kind,
		key:    opts.Key,
		input:  raw,
		cron:   opts.Cron,
	}
	if opts.Retry != nil {
		m.retry = *opts.Retry
		m.hasRetry = true
	}
	if opts.NextAt != nil {
		m.nextAt = *opts.NextAt
	} else {
		m.nextAt = now
	}

	s.enqueue(m, opts.Deps)
	s.wakeUp()
	if s.notifier != nil {
		s.notifier.Notify()
	}
	return t.TaskID, nil
}

// reconcileExisting updates cron/next_at on a reused Pending task and makes
// sure it is queued, per §4.4's key-dedup clause.
func (s *Scheduler) reconcileExisting(ctx context.Context, t *Task, opts ScheduleOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if opts.Cron != "" && opts.Cron != t.Cron {
		t.Cron = opts.Cron
		changed = true
	}
	if opts.NextAt != nil && (t.NextAt == nil || *t.NextAt != *opts.NextAt) {
		t.NextAt = opts.NextAt
		changed = true
	}
	if changed {
		_ = s.store.Update(ctx, t)
	}

	if _, inWaiting := s.waiting[t.TaskID]; inWaiting {
		return
	}
	if _, inRunning := s.running[t.TaskID]; inRunning {
		return
	}
	var existingMeta *meta
	if _, inScheduled := s.scheduledI[t.TaskID]; inScheduled {
		if changed && opts.NextAt != nil {
			existingMeta = s.scheduledMeta[t.TaskID]
			s.scheduled.removeByID(t.TaskID)
			delete(s.scheduledI, t.TaskID)
			delete(s.scheduledMeta, t.TaskID)
		} else {
			return
		}
	}

	at := s.clock.Now()
	if opts.NextAt != nil {
		at = *opts.NextAt
	}
	entry := &scheduledEntry{at: at, taskID: t.TaskID}
	heap.Push(&s.scheduled, entry)
	s.scheduledI[t.TaskID] = entry
	if existingMeta == nil {
		existingMeta = &meta{taskID: t.TaskID, kind: t.Kind, key: t.Key, input: t.Input, cron: t.Cron, retryCnt: t.RetryCnt}
		if t.HasPolicy() {
			existingMeta.retry = t.Policy()
			existingMeta.hasRetry = true
		}
	}
	existingMeta.nextAt = at
	s.scheduledMeta[t.TaskID] = existingMeta
}

// enqueue places m into exactly one queue (§4.4 step 2 of schedule()): the
// caller must not hold s.mu.
func (s *Scheduler) enqueue(m *meta, deps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(m, deps)
}

func (s *Scheduler) enqueueLocked(m *meta, deps []string) {
	if len(deps) == 0 {
		entry := &scheduledEntry{at: m.nextAt, taskID: m.taskID}
		heap.Push(&s.scheduled, entry)
		s.scheduledI[m.taskID] = entry
		s.scheduledMeta[m.taskID] = m
		return
	}
	m.deps = make(map[string]struct{}, len(deps))
	for _, d := range deps {
		m.deps[d] = struct{}{}
		s.dependents[d] = append(s.dependents[d], m.taskID)
	}
	s.waiting[m.taskID] = m
}

// Cancel removes taskID from whichever queue holds it.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, taskID)
	delete(s.running, taskID)
	if s.scheduled.removeByID(taskID) {
		delete(s.scheduledI, taskID)
		delete(s.scheduledMeta, taskID)
	}
}

// HealthCheck implements §4.4's health_check().
func (s *Scheduler) HealthCheck() HealthCheck {
	s.mu.Lock()
	defer s.mu.Unlock()

	hc := HealthCheck{
		Waiting:   len(s.waiting),
		Scheduled: len(s.scheduled),
		Running:   len(s.running),
	}
	for id, m := range s.waiting {
		if len(m.deps) == 0 {
			hc.StuckWaiting = append(hc.StuckWaiting, id)
		}
	}
	seen := make(map[string]bool)
	for dep := range s.dependents {
		if _, ok := s.waiting[dep]; ok {
			continue
		}
		if _, ok := s.running[dep]; ok {
			continue
		}
		if _, ok := s.scheduledI[dep]; ok {
			continue
		}
		if !seen[dep] {
			hc.MissingDeps = append(hc.MissingDeps, dep)
			seen[dep] = true
		}
	}
	return hc
}
