package federation

import (
	"context"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/tenant"
)

// InboxRequest is POST /api/inbox's decoded body (§4.9, §6).
type InboxRequest struct {
	Token    []byte
	Related  [][]byte
	ClientIP string
	PoWNonce string
}

// precheckClaim reads a single string claim out of a token without
// verifying its signature, for the cheap pre-check phase (§4.9 step 1)
// that runs before a key fetch is worth paying for.
func precheckClaim(tokenBytes []byte, name string) (string, error) {
	tok, err := jwt.Parse(tokenBytes, jwt.WithVerify(false))
	if err != nil {
		return "", err
	}
	raw, _ := tok.Get(name)
	v, _ := raw.(string)
	return v, nil
}

// HandleInbox implements §4.9's two-phase inbound entry: a cheap pre-check
// (PoW gate for CONN-prefixed types), staging related tokens as Waiting,
// then enqueueing the main token's ActionVerifierTask.
func (f *Federation) HandleInbox(ctx context.Context, tnID int64, req InboxRequest) (string, error) {
	typ, err := precheckClaim(req.Token, "t")
	if err != nil {
		return "", errs.NewValidation("decode token: " + err.Error())
	}
	if strings.HasPrefix(typ, "CONN") {
		if !VerifyPoW(req.ClientIP, req.PoWNonce, req.Token) {
			return "", errs.NewPreconditionRequired("proof-of-work required for connection requests")
		}
	}

	actionID := tenant.ActionID(req.Token)

	for _, rel := range req.Related {
		relID := tenant.ActionID(rel)
		if err := f.Store.CreateInboundAction(ctx, tnID, relID, rel, []byte(actionID)); err != nil {
			f.log.WithError(err).WithField("related_action_id", relID).Warn("failed to stage related token")
		}
	}

	if _, err := f.Sched.Schedule(ctx, taskKindVerify, verifyInput{
		TnID:          tnID,
		Token:         req.Token,
		ClientAddress: req.ClientIP,
	}, scheduler.ScheduleOptions{Key: "verify:" + actionID, Retry: &verifyRetry}); err != nil {
		return "", err
	}

	return actionID, nil
}

// HandleInboxSync implements POST /api/inbox/sync (§6, §4.8 "the single
// exception is the synchronous inbox/sync path"): verification runs
// inline and the on_receive hook's error, if any, is returned to the
// caller instead of being swallowed.
func (f *Federation) HandleInboxSync(ctx context.Context, tnID int64, req InboxRequest) (string, error) {
	actionID, err := f.verifyAndPersist(ctx, tnID, verifyInput{
		TnID: tnID, Token: req.Token, ClientAddress: req.ClientIP, Sync: true,
	})
	if err != nil {
		return "", err
	}
	return actionID, nil
}
