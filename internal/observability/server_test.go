package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpsRouter_routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	m.WorkflowActive.Set(3)

	router := NewOpsRouter(OpsDependencies{
		Ready:       WorkerDependencies(healthy(), nil),
		Gatherer:    reg,
		MetricsPath: "/internal/metrics",
	})

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/healthz", http.StatusOK, `"alive":true`},
		{"/readyz", http.StatusOK, `"state":"ready"`},
		{"/internal/metrics", http.StatusOK, "workflow_active 3"},
		{"/metrics", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRecovery_returns500(t *testing.T) {
	h := recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOpsServer_startAndShutdown(t *testing.T) {
	srv := NewOpsServer("127.0.0.1:0", OpsDependencies{
		Ready:    WorkerDependencies(healthy(), nil),
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"alive":true`))
}
