package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/appctx"
)

// quietPrefixes are probe and scrape paths logged at debug so they do not drown run traffic.
var quietPrefixes = []string{"/health", "/metrics"}

func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}
			elapsed := time.Since(start)

			fields := map[string]any{
				"request_id":    appctx.GetRequestID(req.Context()),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"status":        res.Status,
				"route":         c.Path(),
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": elapsed,
				"request_size":  req.Header.Get(echo.HeaderContentLength),
				"response_size": strconv.FormatInt(res.Size, 10),
			}
			if user := appctx.GetUserID(req.Context()); user != "" {
				fields["user_id"] = user
			}
			if id := c.Param("id"); id != "" && strings.HasPrefix(c.Path(), "/api/v1/runs") {
				fields["run_id"] = id
			}

			entry := logger.WithContext(req.Context()).WithFields(fields)
			switch {
			case res.Status >= 500:
				entry.Error("Request")
			case isQuiet(req.URL.Path):
				entry.Debug("Request")
			default:
				entry.Info("Request")
			}
			return nil
		}
	}
}

func isQuiet(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
