package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build information, set with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var processStart = time.Now()

// Readiness states.
const (
	StateReady    = "ready"
	StateDegraded = "degraded"
	StateNotReady = "not_ready"
)

const dependencyTimeout = 2 * time.Second

// Checker reports whether a component can currently serve the worker.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Dependency is one component readiness depends on. A failing optional
// dependency degrades the process without taking it out of rotation.
type Dependency struct {
	Name     string
	Check    Checker
	Optional bool
}

// Dependencies is the set of components behind the readiness endpoint.
type Dependencies []Dependency

// WorkerDependencies returns the readiness set of a worker process: the
// storage driver and, when given, the worker loop.
func WorkerDependencies(drv, loop Checker) Dependencies {
	deps := Dependencies{{Name: "driver", Check: drv}}
	if loop != nil {
		deps = append(deps, Dependency{Name: "worker", Check: loop})
	}
	return deps
}

// DependencyState is the outcome of checking one dependency.
type DependencyState struct {
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	TookMs   int64  `json:"took_ms"`
	Error    string `json:"error,omitempty"`
}

// Readiness is the body of the readiness endpoint.
type Readiness struct {
	State        string                     `json:"state"`
	Dependencies map[string]DependencyState `json:"dependencies"`
}

// Liveness is the body of the liveness endpoint.
type Liveness struct {
	Alive         bool   `json:"alive"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Check runs every dependency concurrently, each under its own timeout.
// A dependency without a checker counts as unhealthy.
func (deps Dependencies) Check(ctx context.Context) Readiness {
	states := make([]DependencyState, len(deps))
	var g errgroup.Group
	for i, dep := range deps {
		g.Go(func() error {
			states[i] = checkDependency(ctx, dep)
			return nil
		})
	}
	_ = g.Wait()

	out := Readiness{State: StateReady, Dependencies: make(map[string]DependencyState, len(deps))}
	if len(deps) == 0 {
		out.State = StateNotReady
	}
	for i, dep := range deps {
		st := states[i]
		out.Dependencies[dep.Name] = st
		switch {
		case st.Healthy:
		case dep.Optional:
			if out.State == StateReady {
				out.State = StateDegraded
			}
		default:
			out.State = StateNotReady
		}
	}
	return out
}

func checkDependency(parent context.Context, dep Dependency) DependencyState {
	st := DependencyState{Optional: dep.Optional}
	if dep.Check == nil {
		st.Error = "not configured"
		return st
	}
	ctx, cancel := context.WithTimeout(parent, dependencyTimeout)
	defer cancel()

	began := time.Now()
	err := dep.Check.HealthCheck(ctx)
	st.TookMs = time.Since(began).Milliseconds()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Healthy = true
	return st
}

// LivenessHandler answers as long as the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Liveness{
			Alive:         true,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(processStart).Seconds()),
		})
	}
}

// ReadinessHandler checks deps on every request. It answers 503 while a
// required dependency fails.
func ReadinessHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.Check(r.Context())
		code := http.StatusOK
		if report.State == StateNotReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
