package httpapi

import (
	"strconv"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/cloudillo/cloudillo/errs"
)

// sessionClaims is the local browser-session token's payload: which tenant
// the request is scoped to and which id_tag is acting, distinct from the
// federation action envelope (tenant.ActionPayload) signed per-action with
// the tenant's own Ed25519 key.
const (
	claimTnID  = "tn_id"
	claimIDTag = "id_tag"
)

// AuthMiddleware verifies the session bearer token with the server's HMAC
// signing key and stores the resolved tenant/id_tag on the echo context,
// the way the teacher's api.SetupRoutes gates its protected group behind
// echojwt.WithConfig.
func AuthMiddleware(signingKey []byte) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		TokenLookup:    "header:Authorization:Bearer ,cookie:session",
		ParseTokenFunc: parseSessionToken(signingKey),
	})
}

func parseSessionToken(key []byte) func(c echo.Context, auth string) (interface{}, error) {
	return func(c echo.Context, auth string) (interface{}, error) {
		tok, err := jwt.Parse([]byte(auth), jwt.WithKey(jwa.HS256, key))
		if err != nil {
			return nil, errs.NewPermissionDenied("invalid session token")
		}
		return tok, nil
	}
}

func tenantFromContext(c echo.Context) (int64, error) {
	tok, ok := c.Get("user").(jwt.Token)
	if !ok {
		return 0, errs.NewPermissionDenied("missing session token")
	}
	raw, found := tok.Get(claimTnID)
	if !found {
		return 0, errs.NewPermissionDenied("session token missing tn_id")
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errs.NewPermissionDenied("session token has malformed tn_id")
		}
		return n, nil
	default:
		return 0, errs.NewPermissionDenied("session token has malformed tn_id")
	}
}

func idTagFromContext(c echo.Context) string {
	tok, ok := c.Get("user").(jwt.Token)
	if !ok {
		return ""
	}
	raw, _ := tok.Get(claimIDTag)
	idTag, _ := raw.(string)
	return idTag
}
