// Package statusapi exposes liveness, readiness, Prometheus metrics and the
// orchestrator status over HTTP.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/health"
	"github.com/houzhh15/meeting-worker/pkg/logger"
)

// Config configures the status server.
type Config struct {
	// Addr is the listen address, e.g. ":9090". Empty disables the server.
	Addr string `yaml:"addr"`

	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections int `yaml:"max_connections"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StatusProvider reports the orchestrator's state.
type StatusProvider interface {
	Status() orchestrator.Status
}

// Pinger checks the job store connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter is the latest health of one collaborator.
// *health.HealthChecker satisfies it.
type HealthReporter interface {
	GetStatus() health.ServiceStatus
}

// IntakeGate reports whether job intake is paused.
// *degradation.ClaimGate satisfies it.
type IntakeGate interface {
	IsDegraded() bool
	Reason() string
}

// Deps are the things the endpoints report on. Only Orchestrator and Store
// are required.
type Deps struct {
	Orchestrator StatusProvider
	Store        Pinger
	Health       []HealthReporter
	Gate         IntakeGate
	Version      string
	Logger       *slog.Logger
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool             `json:"ready"`
	Checks    []ReadinessCheck `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// ReadinessCheck is a single readiness check.
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "degraded" or "fail"
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the /api/v1/status payload.
type StatusResponse struct {
	Worker       orchestrator.Status    `json:"worker"`
	Intake       IntakeStatus           `json:"intake"`
	Dependencies []health.ServiceStatus `json:"dependencies"`
}

// IntakeStatus tells whether new jobs are being claimed.
type IntakeStatus struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// Server is the status HTTP server.
type Server struct {
	cfg       Config
	deps      Deps
	engine    *gin.Engine
	logger    *slog.Logger
	startTime time.Time
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With("component", "status_api"),
		startTime: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/v1/status", s.handleStatus)

	s.engine = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server starting", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	s.logger.Info("status server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   "meeting-worker",
		Version:   s.deps.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	})
}

// handleReadiness is ready while the store answers and the worker is not
// draining. Unhealthy collaborators are reported as degraded but do not
// make the worker unready: it simply stops claiming.
func (s *Server) handleReadiness(c *gin.Context) {
	allReady := true
	checks := make([]ReadinessCheck, 0, 2+len(s.deps.Health))

	storeCheck := ReadinessCheck{Name: "job_store", Status: "ok"}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		storeCheck.Status = "fail"
		storeCheck.Error = err.Error()
		allReady = false
	}
	checks = append(checks, storeCheck)

	workerCheck := ReadinessCheck{Name: "orchestrator", Status: "ok"}
	if s.deps.Orchestrator.Status().Draining {
		workerCheck.Status = "fail"
		workerCheck.Error = "draining"
		allReady = false
	}
	checks = append(checks, workerCheck)

	for _, h := range s.deps.Health {
		st := h.GetStatus()
		check := ReadinessCheck{Name: st.Name, Status: "ok"}
		if !st.IsHealthy {
			check.Status = "degraded"
			check.Error = st.ErrorMessage
		}
		checks = append(checks, check)
	}

	httpStatus := http.StatusOK
	if !allReady {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, ReadinessResponse{Ready: allReady, Checks: checks, Timestamp: time.Now()})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Worker:       s.deps.Orchestrator.Status(),
		Dependencies: make([]health.ServiceStatus, 0, len(s.deps.Health)),
	}
	if s.deps.Gate != nil {
		resp.Intake = IntakeStatus{Paused: s.deps.Gate.IsDegraded(), Reason: s.deps.Gate.Reason()}
	}
	for _, h := range s.deps.Health {
		resp.Dependencies = append(resp.Dependencies, h.GetStatus())
	}
	c.JSON(http.StatusOK, resp)
}
