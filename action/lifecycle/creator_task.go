package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/tenant"
)

// taskKindActionCreate is the scheduler.Registry kind for ActionCreatorTask
// (§4.7 step 12).
const taskKindActionCreate = "action.create"

// creatorInput is the serialized task context handed to the
// ActionCreatorTask runner.
type creatorInput struct {
	TnID                 int64
	AID                  int64
	IssuerTag            string
	Typ                  string
	SubTyp               string
	Attachments          []string
	Subject              string
	SubjectIsPlaceholder bool
	AudienceExplicit     bool
	KeyPattern           string
	Visibility           store.Visibility
}

func scheduleOptsFor(key string, deps []string) scheduler.ScheduleOptions {
	return scheduler.ScheduleOptions{Key: key, Deps: deps}
}

// RegisterRunners binds the lifecycle's scheduler task kinds into registry.
// Call before registry.Freeze().
func (l *Lifecycle) RegisterRunners(registry *scheduler.Registry) {
	registry.Register(taskKindActionCreate, l.runCreatorTask)
}

// runCreatorTask implements §4.7's "ActionCreatorTask run".
func (l *Lifecycle) runCreatorTask(ctx context.Context, taskID string, input []byte) (string, error) {
	var in creatorInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errs.NewValidation("decode creator task input: " + err.Error())
	}
	defer l.pending.remove(in.TnID, in.AID)

	a, err := l.Store.GetAction(ctx, in.TnID, in.AID)
	if err != nil {
		return "", err
	}

	// Step 1: resolve attachment placeholders, upgrade file visibility.
	resolvedAttachments := make([]string, 0, len(in.Attachments))
	for _, ref := range in.Attachments {
		fileID := ref
		if l.Files != nil {
			id, err := l.Files.ResolveFileID(ctx, in.TnID, ref)
			if err != nil {
				return "", err
			}
			fileID = id
			if err := l.Files.UpgradeVisibility(ctx, in.TnID, fileID, visToAbac(in.Visibility)); err != nil {
				return "", err
			}
		}
		resolvedAttachments = append(resolvedAttachments, fileID)
	}

	// Step 2: resolve subject placeholder.
	var subjectID *int64
	subjectRef := in.Subject
	if in.Subject != "" {
		sID, placeholder, err := l.resolveActionRef(ctx, in.TnID, in.Subject)
		if err != nil {
			return "", err
		}
		if placeholder {
			resolved, err := l.Store.GetAction(ctx, in.TnID, sID)
			if err != nil {
				return "", err
			}
			if resolved.ActionID == "" {
				return "", errs.NewServiceUnavailable("subject action not yet finalized")
			}
			subjectRef = resolved.ActionID
		}
		subjectID = &sID
	}

	// Step 3: derive audience from parent for hierarchical replies.
	audienceTag := a.AudienceTag
	if !in.AudienceExplicit && a.ParentID != nil {
		parent, err := l.Store.GetAction(ctx, in.TnID, *a.ParentID)
		if err == nil && parent.AudienceTag != "" {
			audienceTag = parent.AudienceTag
		}
	}

	// Step 4: regenerate dedup key if the subject was a placeholder.
	key := a.Key
	if in.SubjectIsPlaceholder && in.KeyPattern != "" {
		key = substituteKeyPattern(in.KeyPattern, in.Typ, in.SubTyp, in.IssuerTag, audienceTag, "", subjectRef)
	}

	// Step 5: generate the action token, creating a signing key and
	// retrying once if absent.
	payload := tenant.ActionPayload{
		Typ:         in.Typ,
		SubTyp:      in.SubTyp,
		IssuerTag:   in.IssuerTag,
		AudienceTag: audienceTag,
		Subject:     subjectRef,
		Content:     string(a.Content),
		Attachments: resolvedAttachments,
		CreatedAt:   int64(a.CreatedAt),
		Visibility:  string(in.Visibility),
		Flags:       a.Flags,
	}
	if a.ParentID != nil {
		if parent, err := l.Store.GetAction(ctx, in.TnID, *a.ParentID); err == nil {
			payload.ParentID = parent.ActionID
		}
	}
	if a.RootID != nil {
		if root, err := l.Store.GetAction(ctx, in.TnID, *a.RootID); err == nil {
			payload.RootID = root.ActionID
		}
	}
	if a.ExpiresAt != nil {
		payload.ExpiresAt = int64(*a.ExpiresAt)
	}

	token, err := l.Tenants.CreateActionToken(ctx, in.TnID, payload)
	if errs.As(err) == errs.DbError {
		if err := l.Tenants.EnsureSigningKey(ctx, in.TnID); err != nil {
			return "", err
		}
		token, err = l.Tenants.CreateActionToken(ctx, in.TnID, payload)
	}
	if err != nil {
		return "", err
	}

	// Step 6: compute action_id.
	actionID := tenant.ActionID(token)

	// Step 7: finalize the action row.
	if err := l.Store.FinalizeAction(ctx, in.TnID, in.AID, actionID, store.FinalizeOpts{
		Attachments: resolvedAttachments,
		Subject:     subjectID,
		AudienceTag: audienceTag,
		Key:         key,
	}); err != nil {
		return "", err
	}
	if err := l.Store.StoreActionToken(ctx, in.TnID, actionID, token, store.TokenLocal); err != nil {
		return "", err
	}

	// Step 8: invoke C8 with outbound context.
	if err := l.PostStore(ctx, in.TnID, actionID, Outbound{TempID: placeholder(in.AID)}); err != nil {
		l.log.WithError(err).WithField("action_id", actionID).Warn("post-store processing failed")
	}

	return actionID, nil
}

// CreateEphemeral implements §4.7's ephemeral path: skip persistence
// entirely, sign a token, compute the id, push over WebSocket and schedule
// delivery as in the outbound non-persisted flow.
func (l *Lifecycle) CreateEphemeral(ctx context.Context, tnID int64, issuerTag string, req CreateActionRequest) (string, error) {
	var contentJSON string
	if req.Content != nil {
		b, err := json.Marshal(req.Content)
		if err != nil {
			return "", errs.NewValidation("marshal content: " + err.Error())
		}
		contentJSON = string(b)
	}

	vis, err := l.resolveVisibility(ctx, tnID, req)
	if err != nil {
		return "", err
	}

	payload := tenant.ActionPayload{
		Typ:         req.Typ,
		SubTyp:      req.SubTyp,
		IssuerTag:   issuerTag,
		AudienceTag: req.AudienceTag,
		Subject:     req.Subject,
		Content:     contentJSON,
		Attachments: req.Attachments,
		CreatedAt:   int64(l.Clock.Now()),
		Visibility:  string(visFromAbac(vis)),
		Flags:       req.Flags,
	}
	if req.ExpiresAt != nil {
		payload.ExpiresAt = int64(*req.ExpiresAt)
	}

	token, err := l.Tenants.CreateActionToken(ctx, tnID, payload)
	if errs.As(err) == errs.DbError {
		if err := l.Tenants.EnsureSigningKey(ctx, tnID); err != nil {
			return "", err
		}
		token, err = l.Tenants.CreateActionToken(ctx, tnID, payload)
	}
	if err != nil {
		return "", err
	}
	actionID := tenant.ActionID(token)

	if l.Hub != nil {
		view, _ := json.Marshal(payload)
		l.Hub.SendToIssuer(tnID, "", view)
	}
	if l.Delivery != nil && req.AudienceTag != "" {
		if err := l.Delivery.ScheduleDelivery(ctx, tnID, req.AudienceTag, actionID, token, nil, "delivery:"+actionID+":"+req.AudienceTag); err != nil {
			return "", err
		}
	}

	return actionID, nil
}
