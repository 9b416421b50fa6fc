package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	ClinicIDsKey contextKey = "user_clinic_ids"
)

// Role names. super_admin implies every other role and bypasses clinic
// scoping; admin may queue orders for provider review but not approve them.
const (
	RoleProvider   = "provider"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

type Claims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	ClinicIDs []string `json:"clinic_ids"`
}

type JWTConfig struct {
	SigningKey []byte
}

// JWTMiddleware validates a bearer token and places the authenticated user's
// id, roles, and clinic memberships in the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
			ctx = context.WithValue(ctx, ClinicIDsKey, claims.ClinicIDs)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware grants every request admin access. Development only.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, "dev-user")
			ctx = context.WithValue(ctx, UserRolesKey, []string{RoleSuperAdmin})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func ClinicIDsFromContext(ctx context.Context) []string {
	ids, _ := ctx.Value(ClinicIDsKey).([]string)
	return ids
}

// Actor is the authenticated caller as seen by the domain services.
type Actor struct {
	UserID    string
	Roles     []string
	ClinicIDs []uuid.UUID
}

// ActorFromContext assembles an Actor from the request context, dropping
// clinic ids that do not parse.
func ActorFromContext(ctx context.Context) Actor {
	a := Actor{
		UserID: UserIDFromContext(ctx),
		Roles:  RolesFromContext(ctx),
	}
	for _, raw := range ClinicIDsFromContext(ctx) {
		if id, err := uuid.Parse(raw); err == nil {
			a.ClinicIDs = append(a.ClinicIDs, id)
		}
	}
	return a
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleSuperAdmin {
			return true
		}
	}
	return false
}

func (a Actor) IsSuperAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleSuperAdmin {
			return true
		}
	}
	return false
}

// MemberOfClinic reports whether the actor belongs to the clinic.
// super_admin is a member of every clinic.
func (a Actor) MemberOfClinic(clinicID uuid.UUID) bool {
	if a.IsSuperAdmin() {
		return true
	}
	for _, id := range a.ClinicIDs {
		if id == clinicID {
			return true
		}
	}
	return false
}
