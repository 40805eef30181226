package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dbErr := error(nil)
	h := NewHandler(map[string]Check{
		"database": func(context.Context) error { return dbErr },
	})
	r := gin.New()
	h.RegisterRoutes(r)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	dbErr = errors.New("connection refused")
	w := get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"DOWN","checks":{"database":"connection refused"}}`, w.Body.String())

	// liveness never depends on dependencies
	assert.Equal(t, http.StatusOK, get("/health/live").Code)
}
