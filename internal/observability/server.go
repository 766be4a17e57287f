package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// OpsDependencies holds what the operational HTTP endpoints report on.
type OpsDependencies struct {
	Ready       Dependencies
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Logger      *zap.Logger
}

// NewOpsRouter returns the router serving liveness, readiness and metrics.
func NewOpsRouter(deps OpsDependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := deps.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(recovery(logger))

	r.Get("/healthz", LivenessHandler())
	r.Get("/readyz", ReadinessHandler(deps.Ready))
	r.Method(http.MethodGet, path, Handler(deps.Gatherer))
	return r
}

// recovery catches panics in downstream handlers, logs them, and returns a
// 500 response.
func recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// OpsServer runs the operational endpoints next to a worker.
type OpsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewOpsServer binds the ops router to addr.
func NewOpsServer(addr string, deps OpsDependencies) *OpsServer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewOpsRouter(deps),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start listens on the configured address and serves in the background. It
// returns once the listener is bound.
func (s *OpsServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.srv.Addr = ln.Addr().String()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server error", zap.Error(err))
		}
	}()
	s.logger.Info("ops server started", zap.String("addr", s.srv.Addr))
	return nil
}

// Addr returns the bound address once Start has returned.
func (s *OpsServer) Addr() string {
	return s.srv.Addr
}

// Shutdown drains in-flight requests.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
