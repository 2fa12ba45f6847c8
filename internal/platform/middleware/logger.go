package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pvflow/pvflow/internal/platform/auth"
	"github.com/pvflow/pvflow/internal/platform/db"
)

// Logger emits one structured line per request. The tenant and actor fields
// are read from the request context after the handler ran, because the auth
// and tenant middlewares swap the request to attach them.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			req := c.Request()
			ctx := req.Context()

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Int64("bytes_out", c.Response().Size).
				Str("remote_ip", c.RealIP())

			if tenant := db.TenantFromContext(ctx); tenant != "" {
				evt = evt.Str("tenant", tenant)
			}
			if actor := auth.ActorFromContext(ctx); actor.ID != uuid.Nil {
				evt = evt.Str("actor_id", actor.ID.String())
			}

			evt.Msg("request")
			return err
		}
	}
}
