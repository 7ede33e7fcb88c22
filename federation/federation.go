// Package federation implements Cloudillo's Federation Delivery (§4.9, C9):
// the inbound inbox entry point and its two-phase decode, the
// ActionVerifierTask that authenticates and persists a remote action, and
// the outbound ActionDeliveryTask that POSTs a local action to a peer's
// inbox. It is the one package that talks HTTP to other Cloudillo
// instances, keeping action/lifecycle free of any network dependency.
package federation

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo/action/dsl"
	"github.com/cloudillo/cloudillo/action/lifecycle"
	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/log"
	"github.com/cloudillo/cloudillo/scheduler"
)

// AddressResolver resolves a domain-like id_tag to the base URL of its
// well-known Cloudillo endpoint set (§6, §3 "id_tag ... domain-like, e.g.
// alice.example.net").
type AddressResolver interface {
	ResolveInbox(ctx context.Context, idTag string) (baseURL string, err error)
}

// WellKnownResolver is the default AddressResolver: an id_tag's endpoints
// live under its own domain's well-known path.
type WellKnownResolver struct{}

func (WellKnownResolver) ResolveInbox(ctx context.Context, idTag string) (string, error) {
	return "https://" + idTag + "/.well-known/cloudillo", nil
}

// Federation wires C5 (store), C6 (dsl registry, for permission rules on
// inbound actions), C7/C8 (lifecycle, for PostStore and the Delivery
// interface it implements) and C4 (scheduler) into the inbound/outbound
// federation pipelines.
type Federation struct {
	Store     store.Store
	Registry  *dsl.Registry
	Lifecycle *lifecycle.Lifecycle
	Sched     *scheduler.Scheduler
	Graph     lifecycle.SocialGraph
	Keys      KeyResolver
	Addr      AddressResolver
	HTTP      *http.Client
	Clock     clock.Clock
	log       *logrus.Entry
}

// New builds a Federation with sensible defaults for the collaborators that
// have one (WellKnownResolver, a 10s-timeout *http.Client, clock.System).
func New(st store.Store, registry *dsl.Registry, lc *lifecycle.Lifecycle, sched *scheduler.Scheduler, graph lifecycle.SocialGraph) *Federation {
	addr := AddressResolver(WellKnownResolver{})
	httpClient := &http.Client{Timeout: 10 * time.Second}
	f := &Federation{
		Store:     st,
		Registry:  registry,
		Lifecycle: lc,
		Sched:     sched,
		Graph:     graph,
		Addr:      addr,
		HTTP:      httpClient,
		Clock:     clock.System{},
		log:       log.For("federation"),
	}
	f.Keys = NewHTTPKeyResolver(httpClient, addr)
	return f
}

// RegisterRunners binds the federation's scheduler task kinds. Call before
// registry.Freeze().
func (f *Federation) RegisterRunners(registry *scheduler.Registry) {
	registry.Register(taskKindVerify, f.runVerifyTask)
	registry.Register(taskKindDelivery, f.runDeliveryTask)
}
