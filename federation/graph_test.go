package federation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/errs"
)

// fakeActionStore implements store.Store in memory for this package's
// tests: Graph only ever calls ListActions, HandleInbox/HandleInboxSync
// additionally need CreateInboundAction and the GetActionByActionID
// duplicate check. Everything else panics if ever called, so a test
// exercising one by accident fails loudly instead of silently no-opping.
type fakeActionStore struct {
	mu          sync.Mutex
	actions     []*store.Action
	byActionID  map[string]*store.Action
	inboundSeen map[string]bool
}

func newFakeActionStore(actions ...*store.Action) *fakeActionStore {
	return &fakeActionStore{
		actions:     actions,
		byActionID:  make(map[string]*store.Action),
		inboundSeen: make(map[string]bool),
	}
}

func (f *fakeActionStore) ListActions(ctx context.Context, tnID int64, filter store.ListFilter) ([]*store.Action, error) {
	typSet := make(map[string]bool, len(filter.Typ))
	for _, t := range filter.Typ {
		typSet[t] = true
	}
	var out []*store.Action
	for _, a := range f.actions {
		if a.TnID != tnID {
			continue
		}
		if len(typSet) > 0 && !typSet[a.Typ] {
			continue
		}
		if filter.Issuer != "" && a.IssuerTag != filter.Issuer {
			continue
		}
		if len(filter.Status) > 0 {
			ok := false
			for _, s := range filter.Status {
				if a.Status == s {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeActionStore) CreateAction(ctx context.Context, tnID int64, opts store.CreateOpts) (int64, error) {
	panic("not used by Graph")
}
func (f *fakeActionStore) FinalizeAction(ctx context.Context, tnID, aID int64, actionID string, opts store.FinalizeOpts) error {
	panic("not used by Graph")
}
func (f *fakeActionStore) StoreActionToken(ctx context.Context, tnID int64, actionID string, token []byte, status store.TokenStatus) error {
	panic("not used by Graph")
}
func (f *fakeActionStore) GetActionToken(ctx context.Context, tnID int64, actionID string) (*store.ActionToken, error) {
	panic("not used by Graph")
}
func (f *fakeActionStore) GetAction(ctx context.Context, tnID, aID int64) (*store.Action, error) {
	panic("not used by Graph")
}
func (f *fakeActionStore) GetActionByActionID(ctx context.Context, tnID int64, actionID string) (*store.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byActionID[actionID]
	if !ok {
		return nil, errs.NewNotFound("action not found")
	}
	return a, nil
}
func (f *fakeActionStore) GetActionByKey(ctx context.Context, tnID int64, key string) (*store.Action, error) {
	panic("not used by Graph")
}
func (f *fakeActionStore) UpdateActionData(ctx context.Context, tnID, aID int64, opts store.UpdateOpts) error {
	panic("not used by Graph")
}
func (f *fakeActionStore) CreateInboundAction(ctx context.Context, tnID int64, actionID string, token, ackToken []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inboundSeen[actionID] = true
	return nil
}
func (f *fakeActionStore) ListWaitingTokens(ctx context.Context, tnID int64, ack []byte) ([]*store.ActionToken, error) {
	panic("not used by Graph")
}
func (f *fakeActionStore) SetTokenStatus(ctx context.Context, tnID int64, actionID string, status store.TokenStatus) error {
	panic("not used by Graph")
}

func TestGraphRelationshipFollowingAndConnected(t *testing.T) {
	fs := &fakeActionStore{actions: []*store.Action{
		{TnID: 1, Typ: "FLLW", IssuerTag: "bob.example.net", Status: store.StatusActive},
		{TnID: 1, Typ: "CONN", IssuerTag: "carol.example.net", Status: store.StatusActive},
		{TnID: 1, Typ: "CONN", IssuerTag: "dana.example.net", Status: store.StatusDeleted},
	}}
	g := &Graph{Store: fs}
	ctx := context.Background()

	rel, err := g.Relationship(ctx, 1, "bob.example.net")
	require.NoError(t, err)
	require.True(t, rel.Following)
	require.False(t, rel.Connected)
	require.True(t, rel.Authenticated)

	rel, err = g.Relationship(ctx, 1, "carol.example.net")
	require.NoError(t, err)
	require.True(t, rel.Connected)

	rel, err = g.Relationship(ctx, 1, "dana.example.net")
	require.NoError(t, err)
	require.False(t, rel.Connected, "a deleted CONN action is not an active relationship")

	rel, err = g.Relationship(ctx, 1, "")
	require.NoError(t, err)
	require.False(t, rel.Authenticated, "an empty id_tag means an unauthenticated caller")
}

func TestGraphFollowersDedupesAcrossTypes(t *testing.T) {
	fs := &fakeActionStore{actions: []*store.Action{
		{TnID: 1, Typ: "FLLW", IssuerTag: "bob.example.net", Status: store.StatusActive},
		{TnID: 1, Typ: "CONN", IssuerTag: "bob.example.net", Status: store.StatusActive},
		{TnID: 1, Typ: "CONN", IssuerTag: "carol.example.net", Status: store.StatusActive},
		{TnID: 2, Typ: "FLLW", IssuerTag: "eve.example.net", Status: store.StatusActive},
	}}
	g := &Graph{Store: fs}

	followers, err := g.Followers(context.Background(), 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bob.example.net", "carol.example.net"}, followers)
}
