package lifecycle

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/action/dsl"
	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// CreateActionRequest is §4.7's CreateAction input.
type CreateActionRequest struct {
	Typ         string
	SubTyp      string
	AudienceTag string
	ParentID    string // action_id or "@aID" placeholder
	Subject     string // action_id or "@aID" placeholder
	Content     any
	Attachments []string // file_id or "@fID" placeholder
	ExpiresAt   *clock.Timestamp
	Visibility  string // explicit override, single wire char; empty means resolve
	Flags       string
	X           map[string]any
}

// CreateAction runs §4.7's full create pipeline: validation, then
// resolution/persistence, returning the "@aID" placeholder immediately
// (step 13) while the ActionCreatorTask finishes asynchronously.
func (l *Lifecycle) CreateAction(ctx context.Context, tnID int64, issuerTag string, req CreateActionRequest) (string, error) {
	def, ok := l.Registry.Lookup(req.Typ)
	if !ok {
		return "", errs.NewValidation("unknown action type " + req.Typ)
	}
	fc := def.Fields
	if req.SubTyp != "" {
		if sub, ok := def.SubTypes[req.SubTyp]; ok {
			fc = sub.Fields
		}
	}

	if err := dsl.ValidateFields(fc, dsl.ActionFields{
		Content:     req.Content,
		Audience:    optStr(req.AudienceTag),
		Parent:      optStr(req.ParentID),
		Subject:     optStr(req.Subject),
		Attachments: req.Attachments,
	}); err != nil {
		return "", errs.NewValidation(err.Error())
	}

	schema := def.ContentSchema
	if req.SubTyp != "" {
		if sub, ok := def.SubTypes[req.SubTyp]; ok && sub.ContentSchema != nil {
			schema = sub.ContentSchema
		}
	}
	if err := dsl.ValidateContent(schema, req.Content); err != nil {
		return "", errs.NewValidation(err.Error())
	}

	behavior := def.Behavior
	if req.SubTyp != "" {
		if sub, ok := def.SubTypes[req.SubTyp]; ok {
			behavior = sub.Behavior
		}
	}

	// Step 3: allow_unknown.
	if !behavior.AllowUnknown && req.AudienceTag != "" && req.AudienceTag != issuerTag && l.Graph != nil {
		rel, err := l.Graph.Relationship(ctx, tnID, req.AudienceTag)
		if err != nil {
			return "", err
		}
		if !rel.Following && !rel.Connected {
			return "", errs.NewPermissionDenied("audience is not related and action type does not allow unknown recipients")
		}
	}

	// Step 4: requires_subscription.
	if behavior.RequiresSubscription {
		target := req.Subject
		if target == "" {
			target = req.ParentID
		}
		if target != "" && !isPlaceholder(target) {
			if err := l.checkSubscribed(ctx, tnID, issuerTag, target); err != nil {
				return "", err
			}
		}
	}

	// Step 5: flag gating.
	if req.SubTyp != "DEL" && (behavior.GatedByParentFlag != 0 || behavior.GatedBySubjectFlag != 0) {
		if behavior.GatedByParentFlag != 0 && req.ParentID != "" && !isPlaceholder(req.ParentID) {
			if err := l.checkFlag(ctx, tnID, req.ParentID, behavior.GatedByParentFlag); err != nil {
				return "", err
			}
		}
		if behavior.GatedBySubjectFlag != 0 && req.Subject != "" && !isPlaceholder(req.Subject) {
			if err := l.checkFlag(ctx, tnID, req.Subject, behavior.GatedBySubjectFlag); err != nil {
				return "", err
			}
		}
	}

	// Step 6: serialize content.
	var contentJSON json.RawMessage
	if req.Content != nil {
		b, err := json.Marshal(req.Content)
		if err != nil {
			return "", errs.NewValidation("marshal content: " + err.Error())
		}
		contentJSON = b
	}

	// Step 7: resolve visibility.
	vis, err := l.resolveVisibility(ctx, tnID, req)
	if err != nil {
		return "", err
	}

	// Step 8: resolve parent/root ids.
	var parentID *int64
	var rootID *int64
	if req.ParentID != "" {
		pID, _, err := l.resolveActionRef(ctx, tnID, req.ParentID)
		if err != nil {
			return "", err
		}
		parentID = &pID
		// A placeholder parent's Pending row already carries its own
		// parent_id, so the chain walk works for it too.
		rID, err := l.walkToRoot(ctx, tnID, pID)
		if err != nil {
			return "", err
		}
		rootID = &rID
	}

	var subjectID *int64
	subjectIsPlaceholder := false
	if req.Subject != "" {
		sID, placeholder, err := l.resolveActionRef(ctx, tnID, req.Subject)
		if err != nil {
			return "", err
		}
		subjectID = &sID
		subjectIsPlaceholder = placeholder
	}

	// Step 9: dedup key from key_pattern.
	key := substituteKeyPattern(def.KeyPattern, req.Typ, req.SubTyp, issuerTag, req.AudienceTag, req.ParentID, req.Subject)

	// Step 10: insert Pending row.
	aID, err := l.Store.CreateAction(ctx, tnID, store.CreateOpts{
		Typ:         req.Typ,
		SubTyp:      req.SubTyp,
		IssuerTag:   issuerTag,
		AudienceTag: req.AudienceTag,
		ParentID:    parentID,
		RootID:      rootID,
		Subject:     subjectID,
		Content:     contentJSON,
		Visibility:  visFromAbac(vis),
		Flags:       resolveFlags(req.Flags, behavior.DefaultFlags),
		Key:         key,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return "", err
	}

	// Step 11: compute dependency set.
	var deps []string
	for _, att := range req.Attachments {
		if !isPlaceholder(att) {
			continue
		}
		if l.Files != nil {
			if taskID, ok := l.Files.PendingTaskID(tnID, att); ok {
				deps = append(deps, taskID)
			}
		}
	}
	if subjectIsPlaceholder && subjectID != nil {
		if taskID, ok := l.pending.get(tnID, *subjectID); ok {
			deps = append(deps, taskID)
		}
	}

	// Step 12: enqueue ActionCreatorTask.
	taskKey := pendingKey(tnID, aID)
	input := creatorInput{
		TnID:                 tnID,
		AID:                  aID,
		IssuerTag:            issuerTag,
		Typ:                  req.Typ,
		SubTyp:               req.SubTyp,
		Attachments:          req.Attachments,
		Subject:              req.Subject,
		SubjectIsPlaceholder: subjectIsPlaceholder,
		AudienceExplicit:     req.AudienceTag != "",
		KeyPattern:           def.KeyPattern,
		Visibility:           visFromAbac(vis),
	}
	taskID, err := l.Sched.Schedule(ctx, taskKindActionCreate, input, scheduleOptsFor(taskKey, deps))
	if err != nil {
		return "", err
	}
	l.pending.put(tnID, aID, taskID)

	// Step 13: return placeholder.
	return placeholder(aID), nil
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// checkSubscribed implements §4.7 step 4: pass if we created the target, or
// hold an active SUBS record against the target or its root.
func (l *Lifecycle) checkSubscribed(ctx context.Context, tnID int64, issuerTag, ref string) error {
	aID, placeholder, err := l.resolveActionRef(ctx, tnID, ref)
	if err != nil {
		return err
	}
	if placeholder {
		return nil
	}
	target, err := l.Store.GetAction(ctx, tnID, aID)
	if err != nil {
		return err
	}
	if target.IssuerTag == issuerTag {
		return nil
	}
	subjects := []int64{aID}
	if target.RootID != nil {
		subjects = append(subjects, *target.RootID)
	}
	for _, s := range subjects {
		sCopy := s
		subs, err := l.Store.ListActions(ctx, tnID, store.ListFilter{
			Typ:     []string{"SUBS"},
			Issuer:  issuerTag,
			Subject: &sCopy,
			Status:  []store.Status{store.StatusActive},
			Limit:   1,
		})
		if err != nil {
			return err
		}
		if len(subs) > 0 {
			return nil
		}
	}
	return errs.NewPermissionDenied("requires an active subscription to the target")
}

// checkFlag implements §4.7 step 5.
func (l *Lifecycle) checkFlag(ctx context.Context, tnID int64, ref string, flag byte) error {
	aID, placeholder, err := l.resolveActionRef(ctx, tnID, ref)
	if err != nil {
		return err
	}
	if placeholder {
		return nil
	}
	a, err := l.Store.GetAction(ctx, tnID, aID)
	if err != nil {
		return err
	}
	if !strings.ContainsRune(a.Flags, rune(flag)) {
		return errs.NewPermissionDenied("referenced action does not have the required capability flag")
	}
	return nil
}

// resolveVisibility implements §4.7 step 7: explicit > inherit from parent >
// tenant default setting > 'F'; the 'O' (open) capability flag forces
// Connected.
func (l *Lifecycle) resolveVisibility(ctx context.Context, tnID int64, req CreateActionRequest) (abac.Visibility, error) {
	if strings.ContainsRune(req.Flags, 'O') {
		return abac.Connected, nil
	}
	if req.Visibility != "" {
		return abac.ParseVisibility(req.Visibility), nil
	}
	if req.ParentID != "" && !isPlaceholder(req.ParentID) {
		parent, err := l.Store.GetActionByActionID(ctx, tnID, req.ParentID)
		if err == nil {
			return visToAbac(parent.Visibility), nil
		}
		if errs.As(err) != errs.NotFound {
			return 0, err
		}
	}
	if l.Tenants != nil {
		v, found, err := l.Tenants.GetSetting(ctx, tnID, "privacy.default_visibility")
		if err != nil {
			return 0, err
		}
		if found {
			return abac.ParseVisibility(v.String()), nil
		}
	}
	return abac.Follower, nil
}

// walkToRoot implements §4.7 step 8: walk the parent chain to a null
// parent.
func (l *Lifecycle) walkToRoot(ctx context.Context, tnID, aID int64) (int64, error) {
	cur := aID
	for i := 0; i < 1000; i++ { // parent chains don't cycle by construction (§9); bound as a defensive backstop
		a, err := l.Store.GetAction(ctx, tnID, cur)
		if err != nil {
			return 0, err
		}
		if a.ParentID == nil {
			return cur, nil
		}
		cur = *a.ParentID
	}
	return cur, nil
}

// resolveFlags applies default_flags when the request specified none.
func resolveFlags(explicit, defaults string) string {
	if explicit != "" {
		return explicit
	}
	return defaults
}

// substituteKeyPattern implements §4.7 step 9: {type}/{sub_typ}/{issuer}/
// {audience}/{parent}/{subject} placeholders in a type's key_pattern.
func substituteKeyPattern(pattern, typ, subTyp, issuer, audience, parent, subject string) string {
	if pattern == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{type}", typ,
		"{sub_typ}", subTyp,
		"{issuer}", issuer,
		"{audience}", audience,
		"{parent}", parent,
		"{subject}", subject,
	)
	return r.Replace(pattern)
}
