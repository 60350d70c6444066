package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teapot(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := Logging(logger)(http.HandlerFunc(teapot))

	req := httptest.NewRequest(http.MethodGet, "/p2p/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	line := buf.String()
	assert.Contains(t, line, `"method":"GET"`)
	assert.Contains(t, line, `"path":"/p2p/health"`)
	assert.Contains(t, line, `"status":418`)
}

func TestMetrics(t *testing.T) {
	handler := Metrics()(http.HandlerFunc(teapot))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/metrics-test", "418"))

	req := httptest.NewRequest(http.MethodGet, "/metrics-test", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/metrics-test", "418"))
	assert.Equal(t, before+2, after)
}
