// Package httpapi wires Cloudillo's §6 external interfaces onto echo: the
// JSON action/file/idp/profile routes and the two WebSocket surfaces. It is
// pure plumbing — every operation it exposes is implemented by the
// component packages (action/lifecycle, action/store, federation, file,
// idp, crdt, rtdb); this package only binds requests to them.
package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/log"
)

// ApiResponse is the envelope every JSON response carries, mirroring §6's
// "ApiResponse<T>" wire shape: a result on success, a structured error
// otherwise.
type ApiResponse[T any] struct {
	Result T      `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewServer builds an echo instance with the standard middleware stack and
// error handling, the way the teacher's http package assembles one, adapted
// to this module's error vocabulary instead of bare echo.HTTPError.
func NewServer(debug bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("64M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	e.HTTPErrorHandler = errorHandler
	return e
}

var accessLog = log.For("httpapi")

// errorHandler maps errs.Kind to its HTTP status (§7) instead of echo's
// default, so every handler can just `return err` and let this translate
// it, the one place status codes and error kinds are allowed to meet.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	kind := errs.As(err)
	status := errs.HTTPStatus(kind)
	msg := err.Error()

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		}
	}

	if status >= http.StatusInternalServerError {
		accessLog.WithError(err).WithField("path", c.Request().URL.Path).Error("request failed")
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, ApiResponse[any]{Error: msg})
}

// CacheControl durations for content-addressed variant responses (§6):
// effectively permanent, since a variant_id never changes its bytes.
const immutableCacheControl = "public, max-age=31536000, immutable"

const svgCSP = "script-src 'none'; object-src 'none'"

func ok[T any](c echo.Context, status int, result T) error {
	return c.JSON(status, ApiResponse[T]{Result: result})
}

// requestTimeout is a 30-second handler budget. No handler in this package
// applies it; every handler takes its deadline from the request context.
const requestTimeout = 30 * time.Second
