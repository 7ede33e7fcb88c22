package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cloudillo/cloudillo/action/lifecycle"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/scheduler"
)

// taskKindDelivery is the scheduler.Registry kind for ActionDeliveryTask
// (§4.9).
const taskKindDelivery = "action.deliver"

type deliveryInput struct {
	TnID      int64
	Recipient string
	ActionID  string
	Token     []byte
	Related   [][]byte
}

// inboxBody is POST <base>/inbox's wire body (§6).
type inboxBody struct {
	Token   []byte   `json:"token"`
	Related [][]byte `json:"related,omitempty"`
}

// ScheduleDelivery implements lifecycle.Delivery, letting the lifecycle and
// post-store packages hand off a signed token without importing federation
// directly.
func (f *Federation) ScheduleDelivery(ctx context.Context, tnID int64, recipient, actionID string, token []byte, related [][]byte, key string) error {
	_, err := f.Sched.Schedule(ctx, taskKindDelivery, deliveryInput{
		TnID:      tnID,
		Recipient: recipient,
		ActionID:  actionID,
		Token:     token,
		Related:   related,
	}, scheduler.ScheduleOptions{Key: key, Retry: &lifecycle.DeliveryRetry})
	return err
}

func (f *Federation) runDeliveryTask(ctx context.Context, taskID string, input []byte) (string, error) {
	var in deliveryInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errs.NewValidation("decode delivery task input: " + err.Error())
	}

	base, err := f.Addr.ResolveInbox(ctx, in.Recipient)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(inboxBody{Token: in.Token, Related: in.Related})
	if err != nil {
		return "", errs.NewValidation("marshal inbox body: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/inbox", bytes.NewReader(body))
	if err != nil {
		return "", errs.NewIo("build inbox request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return "", errs.NewServiceUnavailable("inbox delivery failed: " + err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return in.ActionID, nil

	case resp.StatusCode == http.StatusPreconditionRequired:
		// The peer wants proof-of-work we cannot supply from a background
		// delivery task (only an interactive client can solve it); treat as
		// transient so the retry schedule eventually gives up rather than
		// permanently failing a delivery that might succeed through a
		// client-driven retry in the meantime.
		return "", errs.NewServiceUnavailable("peer requires proof-of-work")

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Terminal per §4.9: any other 4xx means the peer rejected the
		// action outright (bad signature, unknown recipient, ...) and
		// retrying the identical token will not help.
		return "", errs.NewValidation(fmt.Sprintf("peer rejected delivery: status %d", resp.StatusCode))

	default:
		return "", errs.NewServiceUnavailable(fmt.Sprintf("peer delivery failed: status %d", resp.StatusCode))
	}
}
