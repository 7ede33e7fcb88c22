package store

import (
	"context"

	"github.com/cloudillo/cloudillo/clock"
)

// CreateOpts are the fields known at create_action time (§4.5).
type CreateOpts struct {
	Typ         string
	SubTyp      string
	IssuerTag   string
	AudienceTag string
	ParentID    *int64
	RootID      *int64
	Subject     *int64
	Content     []byte
	Visibility  Visibility
	Flags       string
	Key         string
	ExpiresAt   *clock.Timestamp
}

// FinalizeOpts fills in the content-addressed id and late-resolved fields
// (§4.5 finalize_action).
type FinalizeOpts struct {
	Attachments []string
	Subject     *int64
	AudienceTag string
	Key         string
	Status      Status // target status; zero value means StatusActive
}

// UpdateOpts is update_action_data's partial patch (§4.5).
type UpdateOpts struct {
	Status       *Status
	Subject      *int64
	Reactions    *int // delta, applied via increment
	Comments     *int // delta
	CommentsRead *int // absolute value
}

// ListFilter is list_actions' filter set (§4.5).
type ListFilter struct {
	ActionID     string
	Typ          []string
	SubTyp       string
	Issuer       string
	Audience     string
	Involved     string // either issuer or audience
	ParentID     *int64
	RootID       *int64
	Subject      *int64
	CreatedAfter *clock.Timestamp
	Status       []Status
	Limit        int
	ViewerIDTag  string // used by the caller for ABAC filtering, not by the query itself
	SortDesc     bool
}

// Store is the Action Store contract (§4.5).
type Store interface {
	CreateAction(ctx context.Context, tnID int64, opts CreateOpts) (aID int64, err error)
	FinalizeAction(ctx context.Context, tnID, aID int64, actionID string, opts FinalizeOpts) error
	StoreActionToken(ctx context.Context, tnID int64, actionID string, token []byte, status TokenStatus) error
	GetActionToken(ctx context.Context, tnID int64, actionID string) (*ActionToken, error)
	GetAction(ctx context.Context, tnID, aID int64) (*Action, error)
	GetActionByActionID(ctx context.Context, tnID int64, actionID string) (*Action, error)
	GetActionByKey(ctx context.Context, tnID int64, key string) (*Action, error)
	ListActions(ctx context.Context, tnID int64, filter ListFilter) ([]*Action, error)
	UpdateActionData(ctx context.Context, tnID, aID int64, opts UpdateOpts) error
	CreateInboundAction(ctx context.Context, tnID int64, actionID string, token []byte, ackToken []byte) error

	// ListWaitingTokens returns tokens stored with TokenWaitingAPRV status
	// whose AckToken equals ack, so a verified action can release the
	// related actions it was gating (§4.9 step 5).
	ListWaitingTokens(ctx context.Context, tnID int64, ack []byte) ([]*ActionToken, error)
	// SetTokenStatus updates a stored token's status in place, e.g.
	// WaitingAPRV -> Pending on release.
	SetTokenStatus(ctx context.Context, tnID int64, actionID string, status TokenStatus) error
}
