package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/ai/tracing"
)

const traceHeader = "X-Trace-Id"

// traceMiddleware assigns every request a trace id (incoming header or a
// fresh one), stores a trace-tagged logger in the request context, and echoes
// the id in the response header.
func (s *Server) traceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tc := tracing.NewTrace(c.Request().Method+" "+c.Path(), c.Request().Header.Get(traceHeader))
		c.Response().Header().Set(traceHeader, tc.TraceID)

		ctx := tracing.WithContext(c.Request().Context(), tc)
		logger := logging.FromContext(ctx).WithField("traceId", tc.TraceID)
		ctx = logging.ToContext(ctx, logger)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		status := tracing.StatusOK
		if err != nil || c.Response().Status >= http.StatusInternalServerError {
			status = tracing.StatusError
		}
		tc.Finish(status)
		s.traces.Export(tc)
		return err
	}
}

// corsMiddleware applies the configured origin list with a 24h preflight
// cache.
func (s *Server) corsMiddleware() echo.MiddlewareFunc {
	origins := s.profile.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, traceHeader, "X-Admin-Token"},
		MaxAge:       86400,
	})
}

// adminAuthMiddleware guards every /admin path. Accepted credentials: the
// static admin token (Bearer or X-Admin-Token) or a previously minted session
// JWT.
func (s *Server) adminAuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !strings.HasPrefix(c.Path(), "/admin") {
			return next(c)
		}
		if s.profile.DisableAdmin {
			return respondError(c, aierrors.New(aierrors.AuthForbidden, "admin surface disabled"))
		}
		if err := s.authenticateAdmin(c.Request()); err != nil {
			logging.FromContext(c.Request().Context()).Warn("admin auth rejected",
				"path", c.Path(), "error", err)
			return respondError(c, err)
		}
		return next(c)
	}
}

// bodyLimitMiddleware rejects oversized payloads before the handler runs. A
// declared Content-Length over the limit fails immediately; chunked bodies
// are capped by a counting reader.
func (s *Server) bodyLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	limit := s.profile.MaxRequestBodySize
	return func(c echo.Context) error {
		req := c.Request()
		if req.ContentLength > limit {
			return respondError(c, aierrors.Newf(aierrors.InputTooLarge,
				"declared body of %d bytes exceeds limit %d", req.ContentLength, limit))
		}
		req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
		return next(c)
	}
}

// recoverMiddleware keeps the process alive on handler panics.
func (s *Server) recoverMiddleware() echo.MiddlewareFunc {
	return middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logging.FromContext(c.Request().Context()).Error("handler panic",
				"path", c.Path(), "error", err, "stack", string(stack))
			return respondError(c, aierrors.Wrap(err, aierrors.SystemInternal, "handler panic"))
		},
	})
}

// metricsMiddleware records request counters and latency.
func (s *Server) metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.exporter == nil {
			return next(c)
		}
		done := s.exporter.RequestStarted()
		start := time.Now()
		err := next(c)
		done()
		s.exporter.RecordRequest(c.Path(), c.Request().Method, c.Response().Status, time.Since(start))
		return err
	}
}
