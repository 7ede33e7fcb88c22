package httpapi

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/action/lifecycle"
	"github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/errs"
)

// actionView is the wire shape returned for one action (§6 "finalized
// action view"), a flattened read model over store.Action so callers don't
// need the persistence layer's gorm tags or internal ids.
type actionView struct {
	ActionID    string `json:"actionId"`
	Typ         string `json:"type"`
	SubTyp      string `json:"subType,omitempty"`
	IssuerTag   string `json:"issuerTag"`
	AudienceTag string `json:"audienceTag,omitempty"`
	Content     any    `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Visibility  string `json:"visibility"`
	Status      string `json:"status"`
	Reactions   int    `json:"reactions"`
	Comments    int    `json:"comments"`
}

func toActionView(a *store.Action) actionView {
	v := actionView{
		ActionID:    a.ActionID,
		Typ:         a.Typ,
		SubTyp:      a.SubTyp,
		IssuerTag:   a.IssuerTag,
		AudienceTag: a.AudienceTag,
		Attachments: []string(a.Attachments),
		CreatedAt:   int64(a.CreatedAt),
		Visibility:  string(a.Visibility),
		Status:      a.Status.String(),
		Reactions:   a.Reactions,
		Comments:    a.Comments,
	}
	if len(a.Content) > 0 {
		v.Content = string(a.Content)
	}
	return v
}

type createActionBody struct {
	Typ         string         `json:"typ"`
	SubTyp      string         `json:"subTyp"`
	AudienceTag string         `json:"audienceTag"`
	ParentID    string         `json:"parentId"`
	Subject     string         `json:"subject"`
	Content     any            `json:"content"`
	Attachments []string       `json:"attachments"`
	Visibility  string         `json:"visibility"`
	Flags       string         `json:"flags"`
	X           map[string]any `json:"x"`
}

// handleCreateAction: POST /api/actions (§6).
func handleCreateAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		issuerTag := idTagFromContext(c)

		var body createActionBody
		if err := c.Bind(&body); err != nil {
			return errs.NewValidation("malformed request body")
		}

		placeholder, err := d.Lifecycle.CreateAction(c.Request().Context(), tnID, issuerTag, lifecycle.CreateActionRequest{
			Typ:         body.Typ,
			SubTyp:      body.SubTyp,
			AudienceTag: body.AudienceTag,
			ParentID:    body.ParentID,
			Subject:     body.Subject,
			Content:     body.Content,
			Attachments: body.Attachments,
			Visibility:  body.Visibility,
			Flags:       body.Flags,
			X:           body.X,
		})
		if err != nil {
			return err
		}
		return ok(c, 201, map[string]string{"actionId": placeholder})
	}
}

// handleListActions: GET /api/actions (§6), filter/pagination via query
// params, ABAC-filtered against the viewer's relationship to each issuer.
func handleListActions(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		viewerTag := idTagFromContext(c)

		limit := 50
		if l := c.QueryParam("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 {
				limit = n
			}
		}

		filter := store.ListFilter{
			Issuer:      c.QueryParam("issuer"),
			Audience:    c.QueryParam("audience"),
			Involved:    c.QueryParam("involved"),
			SubTyp:      c.QueryParam("subType"),
			Limit:       limit,
			ViewerIDTag: viewerTag,
			SortDesc:    true,
			Status:      []store.Status{store.StatusActive, store.StatusNotification, store.StatusConfirmation},
		}
		if typ := c.QueryParam("type"); typ != "" {
			filter.Typ = []string{typ}
		}

		actions, err := d.Actions.ListActions(c.Request().Context(), tnID, filter)
		if err != nil {
			return err
		}

		views := make([]actionView, 0, len(actions))
		for _, a := range actions {
			rel, err := d.Fed.Graph.Relationship(c.Request().Context(), tnID, a.IssuerTag)
			if err != nil {
				return err
			}
			level := abac.SubjectAccessLevel(rel)
			if !abac.CanView(level, abac.ParseVisibility(string(a.Visibility)), a.AudienceTag == viewerTag) {
				continue
			}
			views = append(views, toActionView(a))
		}
		return ok(c, 200, views)
	}
}

func loadAction(d *Deps, c echo.Context, tnID int64) (*store.Action, error) {
	actionID := c.Param("action_id")
	return d.Actions.GetActionByActionID(c.Request().Context(), tnID, actionID)
}

// handleGetAction: GET /api/actions/:action_id.
func handleGetAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		a, err := loadAction(d, c, tnID)
		if err != nil {
			return err
		}
		return ok(c, 200, toActionView(a))
	}
}

// handleDeleteAction: DELETE /api/actions/:action_id — marks the action
// Deleted, the only status transition a plain delete performs (§4.7's
// transitions are all driven through UpdateActionData).
func handleDeleteAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		a, err := loadAction(d, c, tnID)
		if err != nil {
			return err
		}
		deleted := store.StatusDeleted
		if err := d.Actions.UpdateActionData(c.Request().Context(), tnID, a.AID, store.UpdateOpts{Status: &deleted}); err != nil {
			return err
		}
		return c.NoContent(204)
	}
}

// handleAcceptAction: POST /api/actions/:action_id/accept (§6). Writes
// Active and, for an approvable action, submits an APRV action back to the
// issuer with subject set to the accepted action — exactly §6's "Accepting
// an approvable action writes status Active and submits an APRV action
// with audience = issuer, subject = action."
func handleAcceptAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		viewerTag := idTagFromContext(c)

		a, err := loadAction(d, c, tnID)
		if err != nil {
			return err
		}

		def, ok2 := d.Lifecycle.Registry.Lookup(a.Typ)
		active := store.StatusActive
		if err := d.Actions.UpdateActionData(c.Request().Context(), tnID, a.AID, store.UpdateOpts{Status: &active}); err != nil {
			return err
		}

		if ok2 && def.Behavior.Approvable {
			if _, err := d.Lifecycle.CreateAction(c.Request().Context(), tnID, viewerTag, lifecycle.CreateActionRequest{
				Typ:         "APRV",
				AudienceTag: a.IssuerTag,
				Subject:     a.ActionID,
			}); err != nil {
				return err
			}
		}
		return ok(c, 200, map[string]string{"status": "Active"})
	}
}

// handleRejectAction / handleDismissAction: POST /api/actions/:action_id/{reject,dismiss}.
// Reject is a terminal status write that marks Deleted (the issuer sees
// nothing further); dismiss leaves status alone, since the unseen-count is
// tracked by the client locally, and is surfaced as a no-op write of the
// current status so CommentsRead-style "seen" bookkeeping has one place to
// extend.
func handleRejectAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		a, err := loadAction(d, c, tnID)
		if err != nil {
			return err
		}
		deleted := store.StatusDeleted
		if err := d.Actions.UpdateActionData(c.Request().Context(), tnID, a.AID, store.UpdateOpts{Status: &deleted}); err != nil {
			return err
		}
		return ok(c, 200, map[string]string{"status": "Deleted"})
	}
}

func handleDismissAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		a, err := loadAction(d, c, tnID)
		if err != nil {
			return err
		}
		status := a.Status
		if err := d.Actions.UpdateActionData(c.Request().Context(), tnID, a.AID, store.UpdateOpts{Status: &status}); err != nil {
			return err
		}
		return ok(c, 200, map[string]string{"status": status.String()})
	}
}

// handleStatAction: POST /api/actions/:action_id/stat — marks the action's
// comment thread read up to its current comment count.
func handleStatAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		a, err := loadAction(d, c, tnID)
		if err != nil {
			return err
		}
		read := a.Comments
		if err := d.Actions.UpdateActionData(c.Request().Context(), tnID, a.AID, store.UpdateOpts{CommentsRead: &read}); err != nil {
			return err
		}
		return ok(c, 200, map[string]int{"commentsRead": read})
	}
}

// handleReactionAction: POST /api/actions/:action_id/reaction — increments
// the reaction counter by one (§3's denormalized Reactions counter).
func handleReactionAction(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		a, err := loadAction(d, c, tnID)
		if err != nil {
			return err
		}
		delta := 1
		if err := d.Actions.UpdateActionData(c.Request().Context(), tnID, a.AID, store.UpdateOpts{Reactions: &delta}); err != nil {
			return err
		}
		return ok(c, 200, map[string]int{"reactions": a.Reactions + 1})
	}
}
