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

const actorKey contextKey = "actor"

// Actor is the authenticated identity performing a request. It is threaded
// through context so services can stamp audit comments and ownership fields.
type Actor struct {
	ID    uuid.UUID
	Name  string
	OrgID uuid.UUID
	Roles []string
}

// HasRole reports whether the actor holds any of the given roles. The admin
// role implies everything.
func (a Actor) HasRole(roles ...string) bool {
	for _, has := range a.Roles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	OrgID    string   `json:"org_id"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// SigningKey enables HMAC validation; required until an external issuer
	// with JWKS is configured.
	SigningKey []byte
}

// JWTMiddleware validates the bearer token and places the Actor on the
// request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256", "RS256"}),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actorID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
			}
			orgID, err := uuid.Parse(claims.OrgID)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid org_id claim")
			}

			// Tenant middleware reads this to resolve the schema.
			c.Set("jwt_tenant_id", claims.TenantID)

			actor := Actor{ID: actorID, Name: claims.Name, OrgID: orgID, Roles: claims.Roles}
			ctx := context.WithValue(c.Request().Context(), actorKey, actor)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that grants
// every unauthenticated request a fixed admin actor.
func DevAuthMiddleware() echo.MiddlewareFunc {
	devActor := Actor{
		ID:    uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Name:  "Dev User",
		OrgID: uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
		Roles: []string{"admin"},
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("jwt_tenant_id", "default")
			ctx := context.WithValue(c.Request().Context(), actorKey, devActor)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// ActorFromContext returns the authenticated actor, or a zero Actor when the
// request is unauthenticated.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey).(Actor)
	return a
}

// WithActor returns a context carrying the given actor. Used by tests and by
// background jobs acting as the system.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}
