package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
)

const (
	// Server timeouts
	defaultGracefulShutdownTimeout = 5 * time.Second
	readinessCheckTimeout          = 5 * time.Second
)

// HealthChecker is a dependency whose health gates readiness.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Server exposes Prometheus metrics and health probes.
type Server struct {
	cfg             config.MetricsConfig
	logger          *zap.Logger
	registry        *prometheus.Registry
	instrumentation *Instrumentation
	httpServer      *http.Server
	dependencies    []HealthChecker
	ready           atomic.Bool
}

// NewServer builds a metrics server instance.
func NewServer(cfg config.MetricsConfig, logger *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	inst := NewInstrumentation(reg)

	return &Server{
		cfg:             cfg,
		logger:          logger,
		registry:        reg,
		instrumentation: inst,
	}
}

// Instrumentation returns the metrics instrumentation helper.
func (s *Server) Instrumentation() *Instrumentation {
	return s.instrumentation
}

// Registry returns the underlying Prometheus registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// AddDependencies registers health checks consulted by the readiness probe.
// It must be called before Start.
func (s *Server) AddDependencies(deps ...HealthChecker) {
	s.dependencies = append(s.dependencies, deps...)
}

// Handler returns the HTTP handler serving probes and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.HealthPath, s.livenessHandler())
	mux.Handle(s.cfg.ReadinessPath, s.readinessHandler())
	gatherer := prometheus.Gatherers{ // include default registry but filter out configured prefixes
		s.registry,
		newPrefixFilter(prometheus.DefaultGatherer, s.cfg.DropPrefixes),
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start launches the HTTP endpoints and blocks until context cancellation.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("metrics server listening", zap.String("addr", s.cfg.Address))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetReady toggles readiness probing state.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) livenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// readinessHandler reports readiness based on the ready flag and dependency health checks.
func (s *Server) readinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
		defer cancel()

		var wg sync.WaitGroup
		var failed atomic.Bool
		for _, dep := range s.dependencies {
			wg.Add(1)
			go func(dep HealthChecker) {
				defer wg.Done()
				if err := dep.HealthCheck(ctx); err != nil {
					s.logger.Warn("dependency health check failed",
						zap.String("dependency", dep.Name()),
						zap.Error(err),
					)
					failed.Store(true)
				}
			}(dep)
		}
		wg.Wait()

		if failed.Load() {
			http.Error(w, "dependency health check failed", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}
