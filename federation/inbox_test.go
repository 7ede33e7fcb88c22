package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/log"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/tenant"
)

// fakeSchedStore implements scheduler.Store in memory, mirroring
// scheduler/scheduler_test.go's own memStore so Schedule can run without a
// real database. The scheduler is never Start()-ed in these tests, so
// nothing ever dequeues and runs these tasks.
type fakeSchedStore struct {
	mu    sync.Mutex
	tasks map[string]*scheduler.Task
}

func newFakeSchedStore() *fakeSchedStore {
	return &fakeSchedStore{tasks: make(map[string]*scheduler.Task)}
}

func (s *fakeSchedStore) Add(ctx context.Context, t *scheduler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *fakeSchedStore) Get(ctx context.Context, taskID string) (*scheduler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, errs.NewNotFound("task not found")
	}
	return t, nil
}

func (s *fakeSchedStore) FindPendingByKey(ctx context.Context, kind, key string) (*scheduler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Kind == kind && t.Key == key && t.Status == scheduler.StatusPending {
			return t, nil
		}
	}
	return nil, nil
}

func (s *fakeSchedStore) Update(ctx context.Context, t *scheduler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *fakeSchedStore) ListPending(ctx context.Context) ([]*scheduler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*scheduler.Task
	for _, t := range s.tasks {
		if t.Status == scheduler.StatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeSchedStore) byKind(kind string) []*scheduler.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*scheduler.Task
	for _, t := range s.tasks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func newTestFederation(t *testing.T, actions *fakeActionStore) (*Federation, *fakeSchedStore) {
	t.Helper()
	registry := scheduler.NewRegistry()
	store := newFakeSchedStore()
	sched := scheduler.New(store, registry, nil)
	f := &Federation{Store: actions, Sched: sched, log: log.For("federation-test")}
	return f, store
}

func signToken(t *testing.T, typ string) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signed, err := tenant.SignToken("k1", priv, tenant.ActionPayload{
		Typ: typ, IssuerTag: "alice.example.net", CreatedAt: 1, Visibility: "F",
	})
	require.NoError(t, err)
	return signed
}

func TestHandleInboxRejectsConnWithoutPoW(t *testing.T) {
	f, store := newTestFederation(t, newFakeActionStore())
	token := signToken(t, "CONN")

	_, err := f.HandleInbox(context.Background(), 1, InboxRequest{Token: token, ClientIP: "1.2.3.4", PoWNonce: ""})
	require.Error(t, err)
	require.Equal(t, errs.PreconditionRequired, errs.As(err))
	require.Empty(t, store.byKind(taskKindVerify), "an unproven CONN request must never reach the scheduler")
}

func TestHandleInboxSchedulesVerifyTask(t *testing.T) {
	f, store := newTestFederation(t, newFakeActionStore())
	token := signToken(t, "POST")

	actionID, err := f.HandleInbox(context.Background(), 1, InboxRequest{Token: token, ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, tenant.ActionID(token), actionID)

	tasks := store.byKind(taskKindVerify)
	require.Len(t, tasks, 1)
	require.Equal(t, "verify:"+actionID, tasks[0].Key)
}

func TestHandleInboxAcceptsConnWithValidPoW(t *testing.T) {
	f, store := newTestFederation(t, newFakeActionStore())
	token := signToken(t, "CONN")
	clientIP := "198.51.100.7"

	var nonce string
	for i := 0; ; i++ {
		candidate := strconv.Itoa(i)
		if VerifyPoW(clientIP, candidate, token) {
			nonce = candidate
			break
		}
		if i > 20_000_000 {
			t.Fatal("failed to mine a valid nonce")
		}
	}

	actionID, err := f.HandleInbox(context.Background(), 1, InboxRequest{Token: token, ClientIP: clientIP, PoWNonce: nonce})
	require.NoError(t, err)
	require.Len(t, store.byKind(taskKindVerify), 1)
	require.Equal(t, tenant.ActionID(token), actionID)
}

func TestHandleInboxStagesRelatedTokens(t *testing.T) {
	actions := newFakeActionStore()
	f, _ := newTestFederation(t, actions)

	main := signToken(t, "POST")
	related := signToken(t, "REACT")

	_, err := f.HandleInbox(context.Background(), 1, InboxRequest{Token: main, Related: [][]byte{related}, ClientIP: "1.2.3.4"})
	require.NoError(t, err)

	require.True(t, actions.inboundSeen[tenant.ActionID(related)], "a related token must be staged via CreateInboundAction")
}
