package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestChecker(t *testing.T) {
	var redisErr error
	checker := NewChecker("test", map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return redisErr }),
	})
	e := echo.New()
	checker.RegisterRoutes(e)

	assert.Equal(t, http.StatusOK, get(e, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(e, "/health/ready").Code)

	checker.SetReady(true)
	assert.Equal(t, http.StatusOK, get(e, "/health/ready").Code)

	rec := get(e, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":{"status":"healthy"`)

	redisErr = errors.New("connection refused")
	rec = get(e, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	assert.Equal(t, http.StatusServiceUnavailable, get(e, "/health").Code)
	assert.Equal(t, http.StatusOK, get(e, "/health/live").Code)
}
