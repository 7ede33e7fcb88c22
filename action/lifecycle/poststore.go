package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/cloudillo/cloudillo/action/dsl"
	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/errs"
)

// Outbound is set when PostStore runs after a local finalize_action.
type Outbound struct {
	TempID string // "@aID", for WS optimistic-create reconciliation
}

// Inbound is set when PostStore runs after federation verification.
type Inbound struct {
	ClientAddress string
	IsSync        bool // true for the synchronous inbox/sync path (e.g. IDP registration)
}

// PostStore implements §4.8's merge point. Callers pass an Outbound or
// Inbound value (declared above) as pc.
func (l *Lifecycle) PostStore(ctx context.Context, tnID int64, actionID string, pc any) error {
	var outbound *Outbound
	var inbound *Inbound
	switch v := pc.(type) {
	case Outbound:
		outbound = &v
	case Inbound:
		inbound = &v
	default:
		return errs.NewInternal("post-store: unrecognized processing context")
	}

	a, err := l.Store.GetActionByActionID(ctx, tnID, actionID)
	if err != nil {
		return err
	}

	// Step 1: resolve the action type definition.
	def, ok := l.Registry.Lookup(a.Typ)
	if !ok {
		return errs.NewValidation("post-store: unknown action type " + a.Typ)
	}
	behavior := def.Behavior
	var hook dsl.Hook
	if outbound != nil {
		hook, _ = l.Registry.ResolveHook(a.Typ, a.SubTyp, func(d dsl.Definition) dsl.Hook { return d.OnCreate })
	} else {
		hook, _ = l.Registry.ResolveHook(a.Typ, a.SubTyp, func(d dsl.Definition) dsl.Hook { return d.OnReceive })
	}
	if sub, ok := def.SubTypes[a.SubTyp]; ok {
		behavior = sub.Behavior
	}

	// Step 2: execute the hook via C6.
	var hookResult error
	if hook.Kind != dsl.HookNone {
		hctx := l.newHookContext(ctx, tnID, a)
		hookResult = dsl.NewInterpreter().Run(ctx, hook, hctx)
		if hookResult != nil {
			l.log.WithError(hookResult).WithField("action_id", actionID).Warn("hook execution failed")
		}
	}
	if inbound != nil && inbound.IsSync {
		return hookResult
	}

	// Step 3: forward to connected WebSocket subscribers.
	if l.Hub != nil {
		view, _ := json.Marshal(a)
		if outbound != nil {
			l.Hub.SendToIssuer(tnID, outbound.TempID, view)
		} else {
			if delivered := l.Hub.SendToAudience(a.AudienceTag, view); !delivered {
				l.log.WithField("action_id", actionID).Debug("recipient offline, no client to notify")
			}
		}
	}

	// Step 4: subscriber fan-out.
	if err := l.fanOutToSubscribers(ctx, tnID, a); err != nil {
		l.log.WithError(err).WithField("action_id", actionID).Warn("subscriber fan-out failed")
	}

	// Step 5: direct delivery scheduling (outbound only).
	if outbound != nil {
		if err := l.scheduleDirectDelivery(ctx, tnID, a, behavior); err != nil {
			l.log.WithError(err).WithField("action_id", actionID).Warn("delivery scheduling failed")
		}
	}

	// Step 6: auto-approval (inbound only, non-sync).
	if inbound != nil && behavior.Approvable {
		if err := l.maybeAutoApprove(ctx, tnID, a); err != nil {
			l.log.WithError(err).WithField("action_id", actionID).Warn("auto-approve failed")
		}
	}

	return nil
}

// fanOutToSubscribers implements §4.8 step 4: walk parent_id up to the
// nearest subscribable ancestor we own, and schedule delivery to every
// active subscriber besides ourselves and the issuer.
func (l *Lifecycle) fanOutToSubscribers(ctx context.Context, tnID int64, a *store.Action) error {
	if l.Delivery == nil {
		return nil
	}
	ancestor, err := l.nearestSubscribable(ctx, tnID, a)
	if err != nil || ancestor == nil {
		return err
	}
	selfTag, err := l.Tenants.ReadIDTag(ctx, tnID)
	if err != nil {
		return err
	}
	owned := ancestor.AudienceTag == selfTag || (ancestor.AudienceTag == "" && ancestor.IssuerTag == selfTag)
	if !owned {
		// Not locally owned by us in a way that makes us the fan-out point.
		return nil
	}
	aID := ancestor.AID
	subs, err := l.Store.ListActions(ctx, tnID, store.ListFilter{
		Typ:     []string{"SUBS"},
		Subject: &aID,
		Status:  []store.Status{store.StatusActive},
	})
	if err != nil {
		return err
	}
	tok, err := l.Store.GetActionToken(ctx, tnID, a.ActionID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.IssuerTag == a.IssuerTag || sub.IssuerTag == selfTag {
			continue
		}
		key := "fanout:" + a.ActionID + ":" + sub.IssuerTag
		if err := l.Delivery.ScheduleDelivery(ctx, tnID, sub.IssuerTag, a.ActionID, tok.Token, nil, key); err != nil {
			l.log.WithError(err).WithField("recipient", sub.IssuerTag).Warn("subscriber delivery scheduling failed")
		}
	}
	return nil
}

// nearestSubscribable walks a's parent chain to the nearest ancestor whose
// type has behavior.Subscribable set.
func (l *Lifecycle) nearestSubscribable(ctx context.Context, tnID int64, a *store.Action) (*store.Action, error) {
	cur := a
	for i := 0; i < 1000; i++ {
		if cur.ParentID == nil {
			return nil, nil
		}
		parent, err := l.Store.GetAction(ctx, tnID, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		def, ok := l.Registry.Lookup(parent.Typ)
		behavior := def.Behavior
		if ok {
			if sub, ok := def.SubTypes[parent.SubTyp]; ok {
				behavior = sub.Behavior
			}
		}
		if ok && behavior.Subscribable {
			return parent, nil
		}
		cur = parent
	}
	return nil, nil
}

// scheduleDirectDelivery implements §4.8 step 5.
func (l *Lifecycle) scheduleDirectDelivery(ctx context.Context, tnID int64, a *store.Action, behavior dsl.BehaviorFlags) error {
	if l.Delivery == nil {
		return nil
	}
	tok, err := l.Store.GetActionToken(ctx, tnID, a.ActionID)
	if err != nil {
		return err
	}

	var recipients []string
	var related [][]byte

	switch {
	case behavior.Broadcast && a.AudienceTag == "":
		if l.Graph != nil {
			followers, err := l.Graph.Followers(ctx, tnID)
			if err != nil {
				return err
			}
			recipients = followers
		}
	case a.Typ == "APRV" && a.Subject != nil:
		subject, err := l.Store.GetAction(ctx, tnID, *a.Subject)
		if err == nil {
			if def, ok := l.Registry.Lookup(subject.Typ); ok && def.Behavior.Broadcast {
				if l.Graph != nil {
					followers, ferr := l.Graph.Followers(ctx, tnID)
					if ferr == nil {
						recipients = followers
					}
				}
				recipients = append(recipients, subject.IssuerTag)
			}
		}
	default:
		if a.AudienceTag != "" {
			recipients = append(recipients, a.AudienceTag)
			if behavior.DeliverToSubjectOwner && a.Subject != nil {
				if subject, err := l.Store.GetAction(ctx, tnID, *a.Subject); err == nil {
					recipients = append(recipients, subject.IssuerTag)
				}
			}
		}
	}

	if behavior.DeliverSubject && a.Subject != nil {
		if subject, err := l.Store.GetAction(ctx, tnID, *a.Subject); err == nil {
			if subjTok, err := l.Store.GetActionToken(ctx, tnID, subject.ActionID); err == nil {
				related = append(related, subjTok.Token)
			}
		}
	}

	seen := map[string]bool{a.IssuerTag: true}
	for _, r := range recipients {
		if seen[r] {
			continue
		}
		seen[r] = true
		key := "delivery:" + a.ActionID + ":" + r
		if err := l.Delivery.ScheduleDelivery(ctx, tnID, r, a.ActionID, tok.Token, related, key); err != nil {
			l.log.WithError(err).WithField("recipient", r).Warn("direct delivery scheduling failed")
		}
	}
	return nil
}

// maybeAutoApprove implements §4.8 step 6.
func (l *Lifecycle) maybeAutoApprove(ctx context.Context, tnID int64, a *store.Action) error {
	selfTag, err := l.Tenants.ReadIDTag(ctx, tnID)
	if err != nil {
		return err
	}
	if a.AudienceTag != selfTag || a.IssuerTag == selfTag {
		return nil
	}
	if l.Graph != nil {
		rel, err := l.Graph.Relationship(ctx, tnID, a.IssuerTag)
		if err != nil {
			return err
		}
		if !rel.Connected {
			return nil
		}
	}
	autoApprove, found, err := l.Tenants.GetSetting(ctx, tnID, "federation.auto_approve")
	if err != nil {
		return err
	}
	if !found || !autoApprove.Bool() {
		return nil
	}

	active := store.StatusActive
	if err := l.Store.UpdateActionData(ctx, tnID, a.AID, store.UpdateOpts{Status: &active}); err != nil {
		return err
	}
	_, err = l.CreateAction(ctx, tnID, selfTag, CreateActionRequest{
		Typ:         "APRV",
		Subject:     a.ActionID,
		AudienceTag: a.IssuerTag,
	})
	return err
}
