package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/auth"
)

// Logger writes one line per request. The error is handed to echo first so
// the logged status is the one the client saw.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn().Err(err)
			case isProbe(c.Path()):
				evt = logger.Debug()
			default:
				evt = logger.Info()
			}

			var ae *apperr.Error
			if errors.As(err, &ae) {
				evt = evt.Str("code", ae.Code)
			}
			if id := c.Param("id"); id != "" {
				evt = evt.Str("resource_id", id)
			}

			req := c.Request()
			rid, _ := c.Get("request_id").(string)
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Str("user_id", auth.UserIDFromContext(req.Context())).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}

func isProbe(route string) bool {
	return route == "/metrics" || strings.HasPrefix(route, "/health")
}
