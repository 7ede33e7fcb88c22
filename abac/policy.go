package abac

// Decision is the outcome of evaluating one Policy against a Request.
type Decision int

const (
	// Abstain means the policy has no opinion; evaluation continues.
	Abstain Decision = iota
	Allow
	Deny
)

// Operation is the kind of action being attempted on a resource.
type Operation int

const (
	OpRead Operation = iota
	OpCreate
	OpModify
	OpDelete
)

// Request bundles everything a Policy needs to decide.
type Request struct {
	Op         Operation
	Level      AccessLevel
	Visibility Visibility
	InAudience bool
	IsAdmin    bool
	// Quota, if non-nil, is consulted by collection policies that gate
	// creates on per-tenant limits (e.g. IDP registrar quota, §4.13).
	Quota func() (used, limit int)
}

// Policy evaluates a Request and returns a Decision. Policies are composed
// in three tiers, evaluated in order (§4.3):
//
//  1. TOP policies may Deny, which is final.
//  2. BOTTOM policies may Allow, which is final.
//  3. Otherwise the default rule set applies.
type Policy func(Request) Decision

// Evaluate runs top policies, then bottom policies, then the default rule
// set, short-circuiting on the first non-Abstain Deny (from top) or Allow
// (from bottom).
func Evaluate(req Request, top, bottom []Policy) bool {
	for _, p := range top {
		if p(req) == Deny {
			return false
		}
	}
	for _, p := range bottom {
		if p(req) == Allow {
			return true
		}
	}
	return defaultRule(req)
}

// defaultRule implements §4.3's default composition: admins pass all checks,
// owners may modify/delete their own resources, reads are gated by the
// visibility check, and creates defer to quota (when present).
func defaultRule(req Request) bool {
	if req.IsAdmin {
		return true
	}
	switch req.Op {
	case OpModify, OpDelete:
		return req.Level == Owner
	case OpRead:
		return CanView(req.Level, req.Visibility, req.InAudience)
	case OpCreate:
		if req.Quota == nil {
			return true
		}
		used, limit := req.Quota()
		return limit <= 0 || used < limit
	default:
		return false
	}
}
