package httpapi

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes registers every §6 HTTP and WebSocket surface under e, mirroring
// the teacher's SetupRoutes(e, h) grouping: one shared auth-protected group,
// everything else dispatched straight to Deps.
func SetupRoutes(e *echo.Echo, d *Deps, maxFileSizeMB int64) {
	api := e.Group("/api")
	api.Use(AuthMiddleware(d.SigningKey))

	api.POST("/inbox", handleInbox(d))
	api.POST("/inbox/sync", handleInboxSync(d))

	api.POST("/actions", handleCreateAction(d))
	api.GET("/actions", handleListActions(d))
	api.GET("/actions/:action_id", handleGetAction(d))
	api.DELETE("/actions/:action_id", handleDeleteAction(d))
	api.POST("/actions/:action_id/accept", handleAcceptAction(d))
	api.POST("/actions/:action_id/reject", handleRejectAction(d))
	api.POST("/actions/:action_id/dismiss", handleDismissAction(d))
	api.POST("/actions/:action_id/stat", handleStatAction(d))
	api.POST("/actions/:action_id/reaction", handleReactionAction(d))

	api.POST("/files", handleCreateFile(d, maxFileSizeMB))
	api.GET("/files/:file_id", handleGetFile(d))
	api.POST("/files/:file_id/variant", handleAddVariant(d))
	api.GET("/files/variant/:variant_id", handleGetVariant(d))

	api.GET("/idp/info", handleIDPInfo(d))
	api.GET("/idp/check-availability", handleIDPCheckAvailability(d))
	api.GET("/idp/identities", handleIDPListIdentities(d))
	api.POST("/idp/identities", handleIDPCreateIdentity(d))
	api.GET("/idp/identities/:id_tag_prefix", handleIDPGetIdentity(d))
	api.PUT("/idp/identities/:id_tag_prefix", handleIDPUpdateIdentity(d))
	api.DELETE("/idp/identities/:id_tag_prefix", handleIDPDeleteIdentity(d))
	api.POST("/idp/activate", handleIDPActivate(d))

	api.POST("/profile/verify", handleProfileVerify(d))
	api.POST("/profile/register", handleProfileRegister(d))

	ws := e.Group("/ws")
	ws.Use(AuthMiddleware(d.SigningKey))
	ws.GET("/crdt/:doc_id", handleCRDTSession(d))
	ws.GET("/rtdb/:file_id", handleRTDBSession(d))
	ws.GET("/actions", handleActionNotifications(d))
}
