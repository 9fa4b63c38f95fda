package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *Router, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r := NewRouter(zap.NewNop())

	w := serve(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = serve(r, http.MethodHead, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checks     []ReadinessCheck
		wantCode   int
		wantStatus string
	}{
		{"no checks", nil, http.StatusOK, `"ready"`},
		{
			"all pass",
			[]ReadinessCheck{{Name: "db", Check: func(ctx context.Context) error { return nil }}},
			http.StatusOK, `"ready"`,
		},
		{
			"first failure wins",
			[]ReadinessCheck{
				{Name: "db", Check: func(ctx context.Context) error { return nil }},
				{Name: "mq", Check: func(ctx context.Context) error { return errors.New("connection closed") }},
				{Name: "rpc", Check: func(ctx context.Context) error { return errors.New("stopped") }},
			},
			http.StatusServiceUnavailable, `"mq_not_ready"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(NewRouter(zap.NewNop(), tt.checks...), http.MethodGet, "/readyz")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantStatus)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := serve(NewRouter(zap.NewNop()), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
