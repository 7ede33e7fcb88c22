package idp

import (
	"context"

	"github.com/cloudillo/cloudillo/errs"
)

// RegRequest is the payload of an "IDP:REG" action (§4.13: "registration
// proceeds by sending an IDP:REG action to the IDP tenant's inbox/sync
// endpoint"). The httpapi layer decodes the action's content JSON into this
// shape before calling HandleReg, since the action-type catalog that would
// otherwise route this through action/dsl's hook engine is not part of this
// exercise's built scope (see DESIGN.md).
type RegRequest struct {
	IDTagPrefix string `json:"idTagPrefix"`
	Email       string `json:"email"`
	OwnerTag    string `json:"ownerTag"`
	Address     string `json:"address"`
	Dyndns      bool   `json:"dyndns"`
	Lang        string `json:"lang"`
}

// RegResult is returned synchronously to the registering peer, matching §6
// "returning success + optional activation ref".
type RegResult struct {
	IDTag         string `json:"idTag"`
	Status        string `json:"status"`
	ActivationRef string `json:"activationRef,omitempty"`
}

// HandleReg implements the synchronous registration hook invoked by
// POST /api/inbox/sync when the delivered action's type is "IDP:REG". It
// runs the same quota-checked creation path as the management API
// (CreateIdentity), defaulting to Pending so activation still requires a
// later Activate call; the activation ref itself is minted and delivered by
// the collaborator owning outbound email (email rendering is a Non-goal
// here), so ActivationRef is left empty and activation goes through
// POST /api/idp/activate.
func (s *Service) HandleReg(ctx context.Context, tnID int64, idpDomain, registrarTag string, req RegRequest) (*RegResult, error) {
	if req.IDTagPrefix == "" {
		return nil, errs.NewValidation("idp: IDP:REG requires idTagPrefix")
	}
	identity, err := s.CreateIdentity(ctx, tnID, idpDomain, CreateOptions{
		IDTagPrefix:  req.IDTagPrefix,
		IDTagDomain:  idpDomain,
		Email:        req.Email,
		RegistrarTag: registrarTag,
		OwnerTag:     req.OwnerTag,
		Address:      req.Address,
		Dyndns:       req.Dyndns,
		Lang:         req.Lang,
		Status:       StatusPending,
	})
	if err != nil {
		return nil, err
	}
	return &RegResult{IDTag: identity.IDTag(), Status: string(identity.Status)}, nil
}
