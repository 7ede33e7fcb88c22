package httpapi

import (
	"github.com/cloudillo/cloudillo/action/lifecycle"
	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/crdt"
	"github.com/cloudillo/cloudillo/federation"
	"github.com/cloudillo/cloudillo/file"
	"github.com/cloudillo/cloudillo/idp"
	"github.com/cloudillo/cloudillo/rtdb"
	"github.com/cloudillo/cloudillo/tenant"
)

// Deps bundles every component this package dispatches to. One value is
// built once at startup (cmd/cloudillod) and threaded into SetupRoutes;
// nothing in httpapi holds state of its own beyond this bundle.
type Deps struct {
	Tenants   tenant.Store
	Actions   store.Store
	Lifecycle *lifecycle.Lifecycle
	Fed       *federation.Federation
	Files     *file.Core
	IDP       *idp.Service
	CRDT      *crdt.Channel
	RTDB      *rtdb.Channel
	Awareness *crdt.AwarenessTracker
	Hub       *ClientHub
	Clock     clock.Clock

	SigningKey []byte // HMAC key for browser session tokens
	IDPDomain  string // this instance's own id_tag, used to scope idp.* calls
}
