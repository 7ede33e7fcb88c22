package dsl

func litExpr(v Value) *Expr { return &Expr{Lit: &LitExpr{Value: v}} }

// reactionDelta is the OnCreate/OnReceive hook shared by every REACT sub_typ: it
// nudges the subject action's reactions counter by delta (+1 for a new
// reaction, -1 for REACT:DEL undoing one).
func reactionDelta(delta float64) Hook {
	fo := FieldOp{}
	if delta < 0 {
		fo.Decrement = litExpr(-delta)
	} else {
		fo.Increment = litExpr(delta)
	}
	return Hook{
		Kind: HookDsl,
		Ops: []Op{
			{UpdateAction: &OpUpdateAction{
				Target: "subject.action_id",
				Set:    map[string]FieldOp{"reactions": fo},
			}},
		},
	}
}

// reactSubtype builds one REACT sub_typ Definition. A looked-up sub_typ
// Definition replaces its parent's Fields/Behavior wholesale (Registry.Lookup
// callers index def.SubTypes[subTyp] directly), so each entry restates
// REACT's own field constraints and behavior flags rather than inheriting
// them.
func reactSubtype(desc string, delta float64) Definition {
	return Definition{
		Description: desc,
		Fields:      FieldConstraints{Subject: Required, Content: Optional},
		Behavior:    BehaviorFlags{GatedBySubjectFlag: 'R', Federated: true},
		OnCreate:    reactionDelta(delta),
		OnReceive:   reactionDelta(delta),
	}
}

// RegisterBuiltins installs the core action type vocabulary named across
// §3 and §4.6's worked examples (CONN, FLLW, POST, REACT, CMNT, MSG,
// REPOST, APRV, STAT, SUBS, CONV, INVT, FSHR, IDP:REG, PRES, PRINVT) into r.
// Call before r.Freeze(). Deployments that need additional or
// differently-shaped types register them the same way before freezing.
func RegisterBuiltins(r *Registry) {
	r.Register(Definition{
		Type: "CONN", Version: 1,
		Description: "connection request between two identities",
		Category:    "social",
		Fields:      FieldConstraints{Audience: Required, Content: Optional},
		Behavior:    BehaviorFlags{Approvable: true, Federated: true},
	})
	r.Register(Definition{
		Type: "FLLW", Version: 1,
		Description: "follow request",
		Category:    "social",
		Fields:      FieldConstraints{Audience: Required},
		Behavior:    BehaviorFlags{Approvable: true, Federated: true},
	})
	r.Register(Definition{
		Type: "POST", Version: 1,
		Description: "a broadcastable content post",
		Category:    "content",
		Fields:      FieldConstraints{Content: Required},
		Behavior:    BehaviorFlags{Broadcast: true, Approvable: true, Subscribable: true, DefaultFlags: "RCO", Federated: true},
	})
	r.Register(Definition{
		Type: "REACT", Version: 1,
		Description: "a reaction (e.g. like) on another action",
		Category:    "engagement",
		Fields:      FieldConstraints{Subject: Required, Content: Optional},
		Behavior:    BehaviorFlags{GatedBySubjectFlag: 'R', Federated: true},
		KeyPattern:  "{type}:{subject}:{issuer}",
		SubTypes: map[string]Definition{
			"LIKE":  reactSubtype("like reaction", 1),
			"LOVE":  reactSubtype("love reaction", 1),
			"LAUGH": reactSubtype("laugh reaction", 1),
			"WOW":   reactSubtype("wow reaction", 1),
			"SAD":   reactSubtype("sad reaction", 1),
			"ANGRY": reactSubtype("angry reaction", 1),
			"DEL":   reactSubtype("retraction of a previous reaction", -1),
		},
	})
	r.Register(Definition{
		Type: "CMNT", Version: 1,
		Description: "a threaded comment",
		Category:    "engagement",
		Fields:      FieldConstraints{Parent: Required, Content: Required},
		Behavior:    BehaviorFlags{GatedByParentFlag: 'C', Federated: true},
	})
	r.Register(Definition{
		Type: "MSG", Version: 1,
		Description: "a direct message",
		Category:    "messaging",
		Fields:      FieldConstraints{Audience: Required, Content: Required},
		Behavior:    BehaviorFlags{Federated: true},
	})
	r.Register(Definition{
		Type: "REPOST", Version: 1,
		Description: "a repost/share of another action",
		Category:    "content",
		Fields:      FieldConstraints{Subject: Required},
		Behavior:    BehaviorFlags{Broadcast: true, DeliverSubject: true, Federated: true},
	})
	r.Register(Definition{
		Type: "APRV", Version: 1,
		Description: "approval of a subject action, authorizing the audience's network to see it",
		Category:    "lifecycle",
		Fields:      FieldConstraints{Audience: Required, Subject: Required},
		Behavior:    BehaviorFlags{DeliverSubject: true, Federated: true},
	})
	r.Register(Definition{
		Type: "STAT", Version: 1,
		Description: "a status/presence-adjacent marker",
		Category:    "lifecycle",
		Fields:      FieldConstraints{Subject: Required},
		Behavior:    BehaviorFlags{Ephemeral: true},
	})
	r.Register(Definition{
		Type: "SUBS", Version: 1,
		Description: "a subscription to a subscribable root action",
		Category:    "social",
		Fields:      FieldConstraints{Subject: Required},
		Behavior:    BehaviorFlags{RequiresSubscription: true, Federated: true},
	})
	r.Register(Definition{
		Type: "CONV", Version: 1,
		Description: "conversation/thread container",
		Category:    "messaging",
		Fields:      FieldConstraints{Audience: Optional, Content: Optional},
		Behavior:    BehaviorFlags{DefaultFlags: "C", Federated: true},
	})
	r.Register(Definition{
		Type: "INVT", Version: 1,
		Description: "invitation to a conversation or shared resource",
		Category:    "social",
		Fields:      FieldConstraints{Audience: Required, Subject: Optional},
		Behavior:    BehaviorFlags{Approvable: true, Federated: true},
	})
	r.Register(Definition{
		Type: "FSHR", Version: 1,
		Description: "file share grant",
		Category:    "content",
		Fields:      FieldConstraints{Audience: Required, Attachments: Required},
		Behavior:    BehaviorFlags{Approvable: true, DeliverToSubjectOwner: true, Federated: true},
	})
	r.Register(Definition{
		Type: "IDP:REG", Version: 1,
		Description: "identity provider registration request, handled synchronously via inbox/sync",
		Category:    "idp",
		Fields:      FieldConstraints{Content: Required},
		Behavior:    BehaviorFlags{Sync: true, AllowUnknown: true, Federated: true},
	})
	r.Register(Definition{
		Type: "PRES", Version: 1,
		Description: "presence heartbeat",
		Category:    "social",
		Fields:      FieldConstraints{Content: Optional},
		Behavior:    BehaviorFlags{Ephemeral: true, Broadcast: true},
	})
	r.Register(Definition{
		Type: "PRINVT", Version: 1,
		Description: "presence-scoped invitation",
		Category:    "social",
		Fields:      FieldConstraints{Audience: Required},
		Behavior:    BehaviorFlags{Approvable: true, Ephemeral: true, Federated: true},
	})
}
