package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy() Checker {
	return CheckerFunc(func(context.Context) error { return nil })
}

func failing(msg string) Checker {
	return CheckerFunc(func(context.Context) error { return errors.New(msg) })
}

func TestLivenessHandler(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.3", "abc1234"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var body Liveness
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Alive)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "abc1234", body.Commit)
	assert.GreaterOrEqual(t, body.UptimeSeconds, int64(0))
}

func TestDependencies_Check(t *testing.T) {
	tests := []struct {
		name    string
		deps    Dependencies
		want    string
		healthy map[string]bool
	}{
		{"worker up", WorkerDependencies(healthy(), healthy()), StateReady,
			map[string]bool{"driver": true, "worker": true}},
		{"driver only", WorkerDependencies(healthy(), nil), StateReady,
			map[string]bool{"driver": true}},
		{"driver down", WorkerDependencies(failing("connection refused"), healthy()), StateNotReady,
			map[string]bool{"driver": false, "worker": true}},
		{"worker stalled", WorkerDependencies(healthy(), failing("worker last ticked 3s ago")), StateNotReady,
			map[string]bool{"driver": true, "worker": false}},
		{"no driver", WorkerDependencies(nil, nil), StateNotReady,
			map[string]bool{"driver": false}},
		{"optional bus down", append(WorkerDependencies(healthy(), nil),
			Dependency{Name: "bus", Check: failing("nats: no servers"), Optional: true}), StateDegraded,
			map[string]bool{"driver": true, "bus": false}},
		{"nothing to check", nil, StateNotReady, map[string]bool{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.deps.Check(context.Background())
			assert.Equal(t, tt.want, got.State)
			require.Len(t, got.Dependencies, len(tt.healthy))
			for name, ok := range tt.healthy {
				st := got.Dependencies[name]
				assert.Equal(t, ok, st.Healthy, name)
				if !ok {
					assert.NotEmpty(t, st.Error, name)
				}
			}
		})
	}
}

func TestReadinessHandler_statusCodes(t *testing.T) {
	tests := []struct {
		name string
		deps Dependencies
		code int
	}{
		{"ready", WorkerDependencies(healthy(), healthy()), http.StatusOK},
		{"degraded stays in rotation", Dependencies{
			{Name: "driver", Check: healthy()},
			{Name: "bus", Check: failing("down"), Optional: true},
		}, http.StatusOK},
		{"not ready", WorkerDependencies(failing("down"), nil), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.code, rec.Code)

			var body Readiness
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Len(t, body.Dependencies, len(tt.deps))
		})
	}
}

func TestReadinessHandler_slowDependencyTimesOut(t *testing.T) {
	slow := CheckerFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	ReadinessHandler(WorkerDependencies(slow, nil)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
