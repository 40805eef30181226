package calculator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler()
	h.now = func() time.Time { return time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC) }
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCalculatorEndpoints(t *testing.T) {
	r := newRouter()

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		want   string
	}{
		{"alligation", "/calculations/alligation", `{"high":20,"low":5,"desired":10,"totalQuantity":300}`, http.StatusOK,
			`{"success":true,"data":{"high_qty":100,"low_qty":200}}`},
		{"alligation out of range", "/calculations/alligation", `{"high":20,"low":5,"desired":25,"totalQuantity":300}`, http.StatusBadRequest,
			`{"success":false,"error":{"code":400,"message":"Desired concentration must fall between low and high concentrations."}}`},
		{"dilution solves v2", "/calculations/dilution", `{"c1":10,"v1":5,"c2":2}`, http.StatusOK,
			`{"success":true,"data":{"c1":10,"v1":5,"c2":2,"v2":25}}`},
		{"dilution needs three values", "/calculations/dilution", `{"c1":10,"v1":5}`, http.StatusBadRequest,
			`{"success":false,"error":{"code":400,"message":"Provide exactly 3 values for C1V1=C2V2."}}`},
		{"dose", "/calculations/dose", `{"mgPerKg":2,"weightKg":25,"frequencyPerDay":2}`, http.StatusOK,
			`{"success":true,"data":{"single_dose_mg":50,"daily_dose_mg":100}}`},
		{"dose validation", "/calculations/dose", `{"mgPerKg":0,"weightKg":25,"frequencyPerDay":2}`, http.StatusBadRequest,
			`{"success":false,"error":{"code":400,"message":"invalid request body"}}`},
		{"bud aqueous default", "/calculations/bud", `{}`, http.StatusOK,
			`{"success":true,"data":{"days":14,"budDate":"2026-03-15"}}`},
		{"bud stability capped", "/calculations/bud", `{"category":"non_aqueous","hasStabilityData":true,"stabilityDays":400}`, http.StatusOK,
			`{"success":true,"data":{"days":180,"budDate":"2026-08-28"}}`},
		{"bud bad category", "/calculations/bud", `{"category":"sterile"}`, http.StatusBadRequest,
			`{"success":false,"error":{"code":400,"message":"invalid request body"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(r, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}
}

func TestCalculatorRequiresBody(t *testing.T) {
	w := post(newRouter(), "/calculations/dose", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "request body is required")
}
