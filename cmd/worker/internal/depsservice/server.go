// Package depsservice is the FFmpeg sidecar that workers running in remote
// or fallback dependency mode post commands to. It shares the worker's temp
// volume, so file arguments are confined to that volume.
//
// API:
//   - POST /api/v1/execute  body: dependency.CommandRequest
//     200 with a CommandResponse when the command exited 0, 500 with a
//     CommandResponse carrying the exit code otherwise. Rejected requests get
//     400 and {"error", "details"}; a full executor gets 503.
//   - GET /api/v1/health
package depsservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/statusapi"
	"github.com/houzhh15/meeting-worker/pkg/logger"
	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

const serviceName = "meeting-deps-service"

// Config configures the sidecar. The command whitelist, binary paths and
// shared volume come from the worker's dependency section.
type Config struct {
	Addr string `yaml:"addr"`

	// MaxConcurrent bounds simultaneous executions per command.
	MaxConcurrent int `yaml:"max_concurrent"`

	// AcquireTimeout is how long a request waits for a slot before 503.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// AuditLogPath receives one JSON line per request when set.
	AuditLogPath string `yaml:"audit_log_path"`
}

// Executor runs a validated command. *dependency.LocalExecutor satisfies it.
type Executor interface {
	ExecuteCommand(ctx context.Context, req dependency.CommandRequest) (dependency.CommandResponse, error)
	HealthCheck(ctx context.Context) error
}

// Server serves the execution API.
type Server struct {
	cfg     Config
	execCfg dependency.ExecutorConfig
	exec    Executor
	audit   *slog.Logger
	logger  *slog.Logger
	engine  *gin.Engine

	// one semaphore per whitelisted command
	slots map[string]*semaphore.Weighted
}

// New builds the router. audit may be nil, in which case audit records go
// to logger.
func New(cfg Config, execCfg dependency.ExecutorConfig, exec Executor, audit, log *slog.Logger) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	if audit == nil {
		audit = log.With("component", "audit")
	}

	s := &Server{
		cfg:     cfg,
		execCfg: execCfg,
		exec:    exec,
		audit:   audit,
		logger:  log.With("component", "deps_service"),
		slots:   make(map[string]*semaphore.Weighted),
	}
	for _, name := range execCfg.AllowedCommands {
		s.slots[name] = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if len(execCfg.AllowedCommands) == 0 {
		s.slots[""] = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(statusapi.RequestLogger(s.logger))
	r.POST("/api/v1/execute", s.handleExecute)
	r.GET("/api/v1/health", s.handleHealth)
	s.engine = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("deps service starting", "addr", ln.Addr().String(), "commands", s.execCfg.AllowedCommands)
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

	// Running commands can take minutes; give them the default timeout.
	grace := s.execCfg.DefaultTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("deps service shutdown: %w", err)
	}
	s.logger.Info("deps service stopped")
	return nil
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req dependency.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Details: []string{"failed to decode JSON: " + err.Error()}})
		return
	}

	if err := dependency.ValidateCommandRequest(req, s.execCfg); err != nil {
		s.audit.Warn("command_rejected",
			"command", req.Command,
			"args", req.Args,
			"reason", err.Error(),
			"source_ip", c.ClientIP())
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_arguments", Details: []string{err.Error()}})
		return
	}

	release, err := s.acquire(c.Request.Context(), req.Command)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "service_busy", Details: []string{err.Error()}})
		return
	}
	defer release()

	start := time.Now()
	resp, execErr := s.exec.ExecuteCommand(c.Request.Context(), req)
	elapsed := time.Since(start)
	if resp.Duration == 0 {
		resp.Duration = elapsed
	}

	status := "success"
	if execErr != nil || resp.ExitCode != 0 {
		status = "failed"
	}
	metrics.RecordCommandExecution(req.Command, "service", status)
	metrics.RecordCommandDuration(req.Command, "service", elapsed.Seconds())

	attrs := []any{
		"command", req.Command,
		"args", req.Args,
		"result", status,
		"exit_code", resp.ExitCode,
		"duration_ms", elapsed.Milliseconds(),
		"source_ip", c.ClientIP(),
	}
	if execErr != nil {
		attrs = append(attrs, "error", execErr.Error())
	}
	s.audit.Info("command_executed", attrs...)

	switch {
	case errors.Is(execErr, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorResponse{Error: "timeout", Details: []string{execErr.Error()}})
	case execErr != nil:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "command_failed", Details: []string{execErr.Error()}})
	case resp.ExitCode != 0:
		resp.Success = false
		c.JSON(http.StatusInternalServerError, resp)
	default:
		resp.Success = true
		c.JSON(http.StatusOK, resp)
	}
}

// acquire takes a slot for command, waiting at most AcquireTimeout.
func (s *Server) acquire(ctx context.Context, command string) (func(), error) {
	sem, ok := s.slots[command]
	if !ok {
		// Without a whitelist every command shares one semaphore.
		sem, ok = s.slots[""]
		if !ok {
			return nil, fmt.Errorf("no slot configured for command %s", command)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("max concurrent executions of %s reached", command)
	}
	return func() { sem.Release(1) }, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.exec.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": serviceName, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}
