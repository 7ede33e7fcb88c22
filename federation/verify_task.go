package federation

import (
	"context"
	"encoding/json"

	"github.com/cloudillo/cloudillo/action/lifecycle"
	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/tenant"
)

// taskKindVerify is the scheduler.Registry kind for ActionVerifierTask
// (§4.9).
const taskKindVerify = "action.verify"

// verifyRetry matches lifecycle.DeliveryRetry's shape: a key fetch or
// transient store failure is worth retrying on the same backoff curve.
var verifyRetry = lifecycle.DeliveryRetry

type verifyInput struct {
	TnID          int64
	Token         []byte
	ClientAddress string
	Sync          bool
}

func (f *Federation) runVerifyTask(ctx context.Context, taskID string, input []byte) (string, error) {
	var in verifyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errs.NewValidation("decode verify task input: " + err.Error())
	}
	return f.verifyAndPersist(ctx, in.TnID, in)
}

// verifyAndPersist implements §4.9's ActionVerifierTask run, shared by the
// async scheduler path and the synchronous inbox/sync path.
func (f *Federation) verifyAndPersist(ctx context.Context, tnID int64, in verifyInput) (string, error) {
	actionID := tenant.ActionID(in.Token)

	// Step 1: duplicate check before paying for a signature verification.
	if existing, err := f.Store.GetActionByActionID(ctx, tnID, actionID); err == nil && existing != nil {
		return actionID, nil
	} else if errs.As(err) != errs.NotFound && err != nil {
		return "", err
	}

	// Step 2: resolve issuer key and verify the signature.
	payload, err := f.verify(ctx, in.Token)
	if err != nil {
		return "", err
	}

	// Step 3: the requires_subscription gate mirroring §4.7 step 4 for
	// inbound actions, since an inbound token bypasses CreateAction. The
	// parent/subject flag gates of §4.7 step 5 are not applied on this path.
	def, ok := f.Registry.Lookup(payload.Typ)
	if !ok {
		return "", errs.NewValidation("unknown action type " + payload.Typ)
	}
	behavior := def.Behavior
	if sub, ok := def.SubTypes[payload.SubTyp]; ok {
		behavior = sub.Behavior
	}
	target := payload.Subject
	if target == "" {
		target = payload.ParentID
	}
	if behavior.RequiresSubscription && target != "" {
		if err := f.checkSubscribed(ctx, tnID, payload.IssuerTag, target); err != nil {
			return "", err
		}
	}

	// Step 4: persist.
	var parentID, rootID, subjectID *int64
	if payload.ParentID != "" {
		if a, err := f.Store.GetActionByActionID(ctx, tnID, payload.ParentID); err == nil {
			parentID = &a.AID
		}
	}
	if payload.RootID != "" {
		if a, err := f.Store.GetActionByActionID(ctx, tnID, payload.RootID); err == nil {
			rootID = &a.AID
		}
	}
	if payload.Subject != "" {
		if a, err := f.Store.GetActionByActionID(ctx, tnID, payload.Subject); err == nil {
			subjectID = &a.AID
		}
	}

	var contentJSON json.RawMessage
	if payload.Content != "" {
		contentJSON = json.RawMessage(payload.Content)
	}
	var expiresAt *clock.Timestamp
	if payload.ExpiresAt != 0 {
		t := clock.Timestamp(payload.ExpiresAt)
		expiresAt = &t
	}

	aID, err := f.Store.CreateAction(ctx, tnID, store.CreateOpts{
		Typ:         payload.Typ,
		SubTyp:      payload.SubTyp,
		IssuerTag:   payload.IssuerTag,
		AudienceTag: payload.AudienceTag,
		ParentID:    parentID,
		RootID:      rootID,
		Subject:     subjectID,
		Content:     contentJSON,
		Visibility:  store.Visibility(payload.Visibility),
		Flags:       payload.Flags,
		Key:         "",
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return "", err
	}

	status := store.StatusActive
	if behavior.Approvable {
		status = store.StatusConfirmation
	} else if behavior.Ephemeral {
		status = store.StatusNotification
	}
	if err := f.Store.FinalizeAction(ctx, tnID, aID, actionID, store.FinalizeOpts{
		Attachments: payload.Attachments,
		Subject:     subjectID,
		AudienceTag: payload.AudienceTag,
		Status:      status,
	}); err != nil {
		return "", err
	}
	if err := f.Store.StoreActionToken(ctx, tnID, actionID, in.Token, store.TokenReceived); err != nil {
		return "", err
	}

	// Step 5: release any related tokens that were staged Waiting on this
	// action's arrival (§4.9 step 5), then run the post-store processor.
	if err := f.releaseWaiting(ctx, tnID, actionID); err != nil {
		f.log.WithError(err).WithField("action_id", actionID).Warn("failed to release waiting tokens")
	}

	if err := f.Lifecycle.PostStore(ctx, tnID, actionID, lifecycle.Inbound{
		ClientAddress: in.ClientAddress,
		IsSync:        in.Sync,
	}); err != nil {
		if in.Sync {
			return "", err
		}
		f.log.WithError(err).WithField("action_id", actionID).Warn("post-store processing failed")
	}

	return actionID, nil
}

// verify resolves the issuer's current key and checks the token's
// signature, returning its decoded payload.
func (f *Federation) verify(ctx context.Context, tokenBytes []byte) (tenant.ActionPayload, error) {
	issuer, err := precheckClaim(tokenBytes, "iss")
	if err != nil {
		return tenant.ActionPayload{}, errs.NewValidation("decode token: " + err.Error())
	}
	if issuer == "" {
		return tenant.ActionPayload{}, errs.NewValidation("token has no issuer")
	}
	pub, err := f.Keys.ResolveKey(ctx, issuer)
	if err != nil {
		return tenant.ActionPayload{}, err
	}
	payload, err := tenant.VerifyToken(tokenBytes, pub)
	if err != nil {
		return tenant.ActionPayload{}, errs.NewPermissionDenied("signature verification failed: " + err.Error())
	}
	return payload, nil
}

// checkSubscribed mirrors action/lifecycle's CreateAction step 4 gate for
// the inbound path, which never goes through CreateAction.
func (f *Federation) checkSubscribed(ctx context.Context, tnID int64, issuerTag, subjectActionID string) error {
	subject, err := f.Store.GetActionByActionID(ctx, tnID, subjectActionID)
	if err != nil {
		if errs.As(err) == errs.NotFound {
			return nil // subject not known locally yet; nothing to gate against
		}
		return err
	}
	if subject.IssuerTag == issuerTag {
		return nil
	}
	subjects := []int64{subject.AID}
	if subject.RootID != nil {
		subjects = append(subjects, *subject.RootID)
	}
	for _, s := range subjects {
		sCopy := s
		subs, err := f.Store.ListActions(ctx, tnID, store.ListFilter{
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

// releaseWaiting implements §4.9 step 5: any token staged Waiting-for-APRV
// with an ack_token equal to actionID is now unblocked and re-enters
// verification.
func (f *Federation) releaseWaiting(ctx context.Context, tnID int64, actionID string) error {
	waiting, err := f.Store.ListWaitingTokens(ctx, tnID, []byte(actionID))
	if err != nil {
		return err
	}
	for _, w := range waiting {
		if err := f.Store.SetTokenStatus(ctx, tnID, w.ActionID, store.TokenPending); err != nil {
			f.log.WithError(err).WithField("action_id", w.ActionID).Warn("failed to release waiting token")
			continue
		}
		if _, err := f.Sched.Schedule(ctx, taskKindVerify, verifyInput{
			TnID:  tnID,
			Token: w.Token,
		}, scheduler.ScheduleOptions{Key: "verify:" + w.ActionID, Retry: &verifyRetry}); err != nil {
			f.log.WithError(err).WithField("action_id", w.ActionID).Warn("failed to reschedule released token")
		}
	}
	return nil
}
