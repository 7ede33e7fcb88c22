package federation

import (
	"context"

	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/action/store"
)

// Graph implements lifecycle.SocialGraph directly off the action store's
// FLLW/CONN actions. Cloudillo has no separate relationship table —
// following and connection state is itself recorded as actions: the active
// FLLW/CONN rows in the tenant's own action store.
type Graph struct {
	Store store.Store
}

func (g *Graph) Relationship(ctx context.Context, tnID int64, otherIDTag string) (abac.Relationship, error) {
	following, err := g.hasActive(ctx, tnID, "FLLW", otherIDTag)
	if err != nil {
		return abac.Relationship{}, err
	}
	connected, err := g.hasActive(ctx, tnID, "CONN", otherIDTag)
	if err != nil {
		return abac.Relationship{}, err
	}
	return abac.Relationship{
		Following:     following,
		Connected:     connected,
		Authenticated: otherIDTag != "",
	}, nil
}

func (g *Graph) hasActive(ctx context.Context, tnID int64, typ, idTag string) (bool, error) {
	actions, err := g.Store.ListActions(ctx, tnID, store.ListFilter{
		Typ:    []string{typ},
		Issuer: idTag,
		Status: []store.Status{store.StatusActive},
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	return len(actions) > 0, nil
}

// Followers lists the issuer id_tag of every active FLLW or CONN action in
// tnID's store, deduplicated, for broadcast fan-out (§4.8 step 5, §4.9).
// Issuers are not compared with the tenant's own id_tag, so the list
// includes it whenever the tenant itself has issued an active FLLW or CONN.
func (g *Graph) Followers(ctx context.Context, tnID int64) ([]string, error) {
	actions, err := g.Store.ListActions(ctx, tnID, store.ListFilter{
		Typ:    []string{"FLLW", "CONN"},
		Status: []store.Status{store.StatusActive},
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(actions))
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		if !seen[a.IssuerTag] {
			seen[a.IssuerTag] = true
			out = append(out, a.IssuerTag)
		}
	}
	return out, nil
}
