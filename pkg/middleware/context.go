package middleware

import (
	"github.com/Ramsey-B/thistle/pkg/appctx"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// HeaderUserID carries the user identity set by the upstream auth proxy.
const HeaderUserID = "X-User-ID"

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := appctx.SetRequestID(req.Context(), requestID)
			ctx = appctx.SetUserID(ctx, req.Header.Get(HeaderUserID))
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
