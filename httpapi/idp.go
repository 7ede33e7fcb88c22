package httpapi

import (
	"github.com/labstack/echo/v4"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idp"
)

// idTagFromPrefix rebuilds the full "prefix.domain" form idp.Service expects
// from the bare prefix carried in the :id_tag_prefix route param.
func idTagFromPrefix(d *Deps, prefix string) string {
	return prefix + "." + d.IDPDomain
}

// handleIDPInfo: GET /api/idp/info (§6) — whether registration is open on
// this instance and under which domain.
func handleIDPInfo(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		enabled, err := d.IDP.Enabled(c.Request().Context(), tnID)
		if err != nil {
			return err
		}
		return ok(c, 200, map[string]any{"enabled": enabled, "domain": d.IDPDomain})
	}
}

// handleIDPCheckAvailability: GET /api/idp/check-availability?idTagPrefix=... (§6).
func handleIDPCheckAvailability(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		prefix := c.QueryParam("idTagPrefix")
		if prefix == "" {
			return errs.NewValidation("idp: idTagPrefix is required")
		}
		available, err := d.IDP.CheckAvailability(c.Request().Context(), tnID, d.IDPDomain, idTagFromPrefix(d, prefix))
		if err != nil {
			return err
		}
		return ok(c, 200, map[string]bool{"available": available})
	}
}

type createIdentityBody struct {
	IDTagPrefix string `json:"idTagPrefix"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	Dyndns      bool   `json:"dyndns"`
	Lang        string `json:"lang"`
}

// handleIDPCreateIdentity: POST /api/idp/identities.
func handleIDPCreateIdentity(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		registrarTag := idTagFromContext(c)

		var body createIdentityBody
		if err := c.Bind(&body); err != nil {
			return errs.NewValidation("malformed request body")
		}

		identity, err := d.IDP.CreateIdentity(c.Request().Context(), tnID, d.IDPDomain, idp.CreateOptions{
			IDTagPrefix:  body.IDTagPrefix,
			IDTagDomain:  d.IDPDomain,
			Email:        body.Email,
			RegistrarTag: registrarTag,
			Address:      body.Address,
			Dyndns:       body.Dyndns,
			Lang:         body.Lang,
			Status:       idp.StatusPending,
		})
		if err != nil {
			return err
		}
		return ok(c, 201, identity)
	}
}

// handleIDPListIdentities: GET /api/idp/identities.
func handleIDPListIdentities(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		identities, err := d.IDP.ListIdentities(c.Request().Context(), tnID, idp.ListOptions{
			IDTagDomain:  d.IDPDomain,
			RegistrarTag: c.QueryParam("registrarTag"),
			OwnerTag:     c.QueryParam("ownerTag"),
		})
		if err != nil {
			return err
		}
		return ok(c, 200, identities)
	}
}

// handleIDPGetIdentity: GET /api/idp/identities/:id_tag_prefix.
func handleIDPGetIdentity(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		identity, err := d.IDP.ReadIdentity(c.Request().Context(), tnID, d.IDPDomain, idTagFromPrefix(d, c.Param("id_tag_prefix")))
		if err != nil {
			return err
		}
		return ok(c, 200, identity)
	}
}

type updateIdentityBody struct {
	Email   *string `json:"email"`
	Address *string `json:"address"`
	Dyndns  *bool   `json:"dyndns"`
	Lang    *string `json:"lang"`
}

// handleIDPUpdateIdentity: PUT /api/idp/identities/:id_tag_prefix.
func handleIDPUpdateIdentity(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		requesterTag := idTagFromContext(c)

		var body updateIdentityBody
		if err := c.Bind(&body); err != nil {
			return errs.NewValidation("malformed request body")
		}

		identity, err := d.IDP.UpdateIdentity(c.Request().Context(), tnID, d.IDPDomain, idTagFromPrefix(d, c.Param("id_tag_prefix")), requesterTag, idp.UpdateOptions{
			Email:   body.Email,
			Address: body.Address,
			Dyndns:  body.Dyndns,
			Lang:    body.Lang,
		})
		if err != nil {
			return err
		}
		return ok(c, 200, identity)
	}
}

// handleIDPDeleteIdentity: DELETE /api/idp/identities/:id_tag_prefix.
func handleIDPDeleteIdentity(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		requesterTag := idTagFromContext(c)
		if err := d.IDP.DeleteIdentity(c.Request().Context(), tnID, d.IDPDomain, idTagFromPrefix(d, c.Param("id_tag_prefix")), requesterTag); err != nil {
			return err
		}
		return c.NoContent(204)
	}
}

type activateBody struct {
	IDTagPrefix string `json:"idTagPrefix"`
}

// handleIDPActivate: POST /api/idp/activate (§6).
func handleIDPActivate(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		var body activateBody
		if err := c.Bind(&body); err != nil {
			return errs.NewValidation("malformed request body")
		}
		identity, err := d.IDP.Activate(c.Request().Context(), tnID, d.IDPDomain, idTagFromPrefix(d, body.IDTagPrefix))
		if err != nil {
			return err
		}
		return ok(c, 200, identity)
	}
}
