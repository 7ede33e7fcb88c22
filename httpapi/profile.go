package httpapi

import (
	"net"

	"github.com/labstack/echo/v4"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idp"
)

// profileFieldErrors is the §6 "structured per-field error codes" shape:
// {invalid, used, nodns, address}, one optional code per field.
type profileFieldErrors struct {
	Invalid string `json:"invalid,omitempty"`
	Used    string `json:"used,omitempty"`
	NoDNS   string `json:"nodns,omitempty"`
	Address string `json:"address,omitempty"`
}

type verifyBody struct {
	IDTagPrefix string `json:"idTagPrefix"`
	Address     string `json:"address"`
}

// lookupTXT is swappable so tests can avoid a real DNS resolver.
var lookupTXT = net.LookupTXT

// handleProfileVerify: POST /api/profile/verify (§6). Checks the requested
// id_tag_prefix is syntactically valid and not already taken, that the
// claimed address resolves via a `cloudillo-verify=<prefix>` TXT record
// (a check made only here; idp.Service.HandleReg does no DNS lookup), and
// that the IDP itself is open for registration.
func handleProfileVerify(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		var body verifyBody
		if err := c.Bind(&body); err != nil {
			return errs.NewValidation("malformed request body")
		}

		fieldErrs := profileFieldErrors{}

		enabled, err := d.IDP.Enabled(c.Request().Context(), tnID)
		if err != nil {
			return err
		}
		if !enabled {
			fieldErrs.Invalid = "idp_disabled"
			return ok(c, 200, fieldErrs)
		}

		if body.IDTagPrefix == "" {
			fieldErrs.Invalid = "required"
		} else if available, err := d.IDP.CheckAvailability(c.Request().Context(), tnID, d.IDPDomain, idTagFromPrefix(d, body.IDTagPrefix)); err != nil {
			return err
		} else if !available {
			fieldErrs.Used = "taken"
		}

		if body.Address != "" {
			records, err := lookupTXT(body.Address)
			if err != nil {
				fieldErrs.NoDNS = "lookup_failed"
			} else {
				want := "cloudillo-verify=" + body.IDTagPrefix
				found := false
				for _, r := range records {
					if r == want {
						found = true
						break
					}
				}
				if !found {
					fieldErrs.Address = "txt_record_missing"
				}
			}
		}

		return ok(c, 200, fieldErrs)
	}
}

type registerBody struct {
	Ref         string `json:"ref"`
	IDTagPrefix string `json:"idTagPrefix"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	Dyndns      bool   `json:"dyndns"`
	Lang        string `json:"lang"`
}

// handleProfileRegister: POST /api/profile/register (§6). Minting and
// redeeming the one-shot ref token is out of this module's built scope (see
// DESIGN.md) — this handler only enforces that one was supplied, leaving
// verification to whatever issued it, and otherwise registers exactly like
// an IDP registrar would.
func handleProfileRegister(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		var body registerBody
		if err := c.Bind(&body); err != nil {
			return errs.NewValidation("malformed request body")
		}
		if body.Ref == "" {
			return errs.NewValidation("profile: ref is required")
		}

		identity, err := d.IDP.CreateIdentity(c.Request().Context(), tnID, d.IDPDomain, idp.CreateOptions{
			IDTagPrefix: body.IDTagPrefix,
			IDTagDomain: d.IDPDomain,
			Email:       body.Email,
			Address:     body.Address,
			Dyndns:      body.Dyndns,
			Lang:        body.Lang,
			Status:      idp.StatusPending,
		})
		if err != nil {
			return err
		}
		return ok(c, 201, identity)
	}
}
