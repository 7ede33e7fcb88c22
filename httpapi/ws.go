package httpapi

import (
	"github.com/labstack/echo/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cloudillo/cloudillo/crdt"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/rtdb"
)

// handleCRDTSession: /ws/crdt/:doc_id (§6, §4.10). "ro=1" requests a
// read-only session (update frames from the client are dropped).
func handleCRDTSession(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		opts := crdt.SessionOptions{
			TnID:     tnID,
			DocID:    c.Param("doc_id"),
			ReadOnly: c.QueryParam("ro") == "1",
			ClientID: idTagFromContext(c),
		}
		if err := d.CRDT.HandleSession(c.Response(), c.Request(), opts, d.Awareness); err != nil {
			if errs.As(err) != errs.IoError {
				return err
			}
		}
		return nil
	}
}

// handleRTDBSession: /ws/rtdb/:file_id (§6, §4.11).
func handleRTDBSession(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		opts := rtdb.SessionOptions{
			TnID:     tnID,
			DbID:     c.Param("file_id"),
			UserID:   idTagFromContext(c),
			ReadOnly: c.QueryParam("ro") == "1",
		}
		if err := d.RTDB.HandleSession(c.Response(), c.Request(), opts); err != nil {
			if errs.As(err) != errs.IoError {
				return err
			}
		}
		return nil
	}
}

// handleActionNotifications: /ws/actions — delivers live action-lifecycle
// notifications (a new action addressed to this identity, or status updates
// on one this tenant issued) to a connected client. Distinct from the two
// §6-named document WS surfaces; this is the transport ClientHub fans out
// over, matching how action/lifecycle.ClientHub's two delivery methods are
// keyed (by tn_id for issuer self-delivery, by id_tag for audience
// delivery).
func handleActionNotifications(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		idTag := idTagFromContext(c)

		conn, err := websocket.Accept(c.Response(), c.Request(), nil)
		if err != nil {
			return errs.NewIo("accept websocket: " + err.Error())
		}
		defer conn.CloseNow()

		ch, unregister := d.Hub.Register(tnID, idTag)
		defer unregister()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			case view, more := <-ch:
				if !more {
					_ = conn.Close(websocket.StatusNormalClosure, "")
					return nil
				}
				if err := wsjson.Write(ctx, conn, view); err != nil {
					return nil
				}
			}
		}
	}
}
