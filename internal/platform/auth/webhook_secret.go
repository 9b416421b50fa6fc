package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// WebhookSecret authenticates inbound webhook deliveries against a shared
// secret. Senders vary in which header they use, so X-Webhook-Secret,
// X-Api-Key, and a bearer token are all accepted. An empty server-side
// secret fails closed: 500 with a distinct code so operators can tell a
// misconfigured ingress apart from a bad sender.
func WebhookSecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return c.JSON(http.StatusInternalServerError, map[string]string{
					"code":  "SECRET_NOT_CONFIGURED",
					"error": "webhook secret is not configured",
				})
			}

			presented := presentedSecret(c)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook secret")
			}

			return next(c)
		}
	}
}

func presentedSecret(c echo.Context) string {
	h := c.Request().Header
	if s := h.Get("X-Webhook-Secret"); s != "" {
		return s
	}
	if s := h.Get("X-Api-Key"); s != "" {
		return s
	}
	if authz := h.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}
