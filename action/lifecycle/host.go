package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/cloudillo/cloudillo/action/dsl"
	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/errs"
)

// hookHost adapts a Lifecycle to dsl.Host for one hook execution, the way
// the teacher's executor package injects a Storage/ExecutionHooks pair into
// its interpreter — this package owns no DB or transport code of its own,
// only delegates back into Lifecycle's collaborators.
type hookHost struct {
	l    *Lifecycle
	ctx  context.Context
	tnID int64
}

// newHookContext builds the dsl.Context for a (outbound or inbound) action
// a: its own fields, its subject's fields if it has one, and the tenant's
// id_tag.
func (l *Lifecycle) newHookContext(ctx context.Context, tnID int64, a *store.Action) *dsl.Context {
	host := &hookHost{l: l, ctx: ctx, tnID: tnID}

	var subject map[string]dsl.Value
	if a.Subject != nil {
		if s, err := l.Store.GetAction(ctx, tnID, *a.Subject); err == nil {
			subject = actionToValue(s)
		}
	}
	tn := map[string]dsl.Value{}
	if tag, err := l.Tenants.ReadIDTag(ctx, tnID); err == nil {
		tn["id_tag"] = tag
	}
	return dsl.NewContext(actionToValue(a), subject, tn, host)
}

func actionToValue(a *store.Action) map[string]dsl.Value {
	m := map[string]dsl.Value{
		"action_id":    a.ActionID,
		"typ":          a.Typ,
		"sub_typ":      a.SubTyp,
		"issuer_tag":   a.IssuerTag,
		"audience_tag": a.AudienceTag,
		"status":       a.Status.String(),
		"visibility":   string(a.Visibility),
		"flags":        a.Flags,
		"key":          a.Key,
		"reactions":    a.Reactions,
		"comments":     a.Comments,
	}
	if len(a.Content) > 0 {
		var content any
		if err := json.Unmarshal(a.Content, &content); err == nil {
			m["content"] = content
		}
	}
	return m
}

func parseStatus(s string) store.Status {
	switch s {
	case "Notification":
		return store.StatusNotification
	case "Active":
		return store.StatusActive
	case "Confirmation":
		return store.StatusConfirmation
	case "Deleted":
		return store.StatusDeleted
	default:
		return store.StatusPending
	}
}

// deltaOf extracts an UpdateAction field's relative adjustment: a bare
// number is a direct delta, while a $increment/$decrement directive (the
// shape doUpdateAction emits for OpUpdateAction's Increment/Decrement
// FieldOps) carries its magnitude one level down.
func deltaOf(v dsl.Value) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case map[string]dsl.Value:
		if m, ok := n["$increment"]; ok {
			d, ok := deltaOf(m)
			return d, ok
		}
		if m, ok := n["$decrement"]; ok {
			d, ok := deltaOf(m)
			return -d, ok
		}
		return 0, false
	default:
		return 0, false
	}
}

func (h *hookHost) UpdateProfile(idTag string, set map[string]dsl.Value) error {
	h.l.log.WithField("id_tag", idTag).Debug("update_profile op: profile store not wired, no-op")
	return nil
}

func (h *hookHost) GetProfile(idTag string) (map[string]dsl.Value, error) {
	return map[string]dsl.Value{"id_tag": idTag}, nil
}

func (h *hookHost) CreateAction(spec dsl.CreateActionSpec) (string, error) {
	issuerTag, err := h.l.Tenants.ReadIDTag(h.ctx, h.tnID)
	if err != nil {
		return "", err
	}
	return h.l.CreateAction(h.ctx, h.tnID, issuerTag, CreateActionRequest{
		Typ:         spec.Type,
		SubTyp:      spec.SubType,
		AudienceTag: spec.Audience,
		ParentID:    spec.Parent,
		Subject:     spec.Subject,
		Content:     spec.Content,
		Attachments: spec.Attachments,
	})
}

func (h *hookHost) GetAction(key, actionID string) (map[string]dsl.Value, error) {
	var a *store.Action
	var err error
	switch {
	case actionID != "":
		a, err = h.l.Store.GetActionByActionID(h.ctx, h.tnID, actionID)
	case key != "":
		a, err = h.l.Store.GetActionByKey(h.ctx, h.tnID, key)
	default:
		return nil, errs.NewValidation("get_action requires key or action_id")
	}
	if err != nil {
		return nil, err
	}
	return actionToValue(a), nil
}

func (h *hookHost) UpdateAction(ref string, set map[string]dsl.Value) error {
	aID, _, err := h.l.resolveActionRef(h.ctx, h.tnID, ref)
	if err != nil {
		return err
	}
	var opts store.UpdateOpts
	if v, ok := set["status"]; ok {
		if s, ok := v.(string); ok {
			st := parseStatus(s)
			opts.Status = &st
		}
	}
	if v, ok := set["reactions"]; ok {
		if d, ok := deltaOf(v); ok {
			opts.Reactions = &d
		}
	}
	if v, ok := set["comments"]; ok {
		if d, ok := deltaOf(v); ok {
			opts.Comments = &d
		}
	}
	if v, ok := set["comments_read"]; ok {
		if d, ok := deltaOf(v); ok {
			opts.CommentsRead = &d
		}
	}
	return h.l.Store.UpdateActionData(h.ctx, h.tnID, aID, opts)
}

func (h *hookHost) DeleteAction(ref string) error {
	aID, _, err := h.l.resolveActionRef(h.ctx, h.tnID, ref)
	if err != nil {
		return err
	}
	deleted := store.StatusDeleted
	return h.l.Store.UpdateActionData(h.ctx, h.tnID, aID, store.UpdateOpts{Status: &deleted})
}

func (h *hookHost) BroadcastToFollowers(actionID string, token []byte) error {
	if h.l.Graph == nil || h.l.Delivery == nil {
		return nil
	}
	followers, err := h.l.Graph.Followers(h.ctx, h.tnID)
	if err != nil {
		return err
	}
	for _, f := range followers {
		key := "delivery:" + actionID + ":" + f
		if err := h.l.Delivery.ScheduleDelivery(h.ctx, h.tnID, f, actionID, token, nil, key); err != nil {
			h.l.log.WithError(err).WithField("recipient", f).Warn("broadcast delivery scheduling failed")
		}
	}
	return nil
}

func (h *hookHost) SendToAudience(actionID string, token []byte, audience string) error {
	if h.l.Delivery == nil {
		return nil
	}
	key := "delivery:" + actionID + ":" + audience
	return h.l.Delivery.ScheduleDelivery(h.ctx, h.tnID, audience, actionID, token, nil, key)
}

func (h *hookHost) CreateNotification(user, typ, actionID string, priority int) error {
	h.l.log.WithFields(map[string]any{
		"user": user, "typ": typ, "action_id": actionID, "priority": priority,
	}).Info("create_notification op: notification store not wired, logged only")
	return nil
}

func (h *hookHost) Log(level, message string) {
	entry := h.l.log.WithField("tn_id", h.tnID)
	switch level {
	case "warn":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}
}
