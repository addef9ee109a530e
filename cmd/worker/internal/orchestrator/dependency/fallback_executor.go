package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

// FallbackExecutor tries remote execution first and switches to local when
// the remote service is unreachable.
type FallbackExecutor struct {
	remoteExecutor *RemoteExecutor
	localExecutor  *LocalExecutor
	primaryMode    ExecutionMode
	mu             sync.RWMutex
	logger         *slog.Logger
}

// NewFallbackExecutor creates a FallbackExecutor with remote as the
// initial primary mode.
func NewFallbackExecutor(config ExecutorConfig, logger *slog.Logger) *FallbackExecutor {
	return &FallbackExecutor{
		remoteExecutor: NewRemoteExecutor(config, logger),
		localExecutor:  NewLocalExecutor(config),
		primaryMode:    ModeRemote,
		logger:         logger.With("component", "fallback_executor"),
	}
}

// ExecuteCommand executes a command using the current primary mode.
func (e *FallbackExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	start := time.Now()
	mode := e.PrimaryMode()

	var resp CommandResponse
	var err error

	if mode == ModeRemote {
		resp, err = e.remoteExecutor.ExecuteCommand(ctx, req)
		if errors.Is(err, ErrCommandUnavailable) {
			e.logger.Warn("remote execution failed, attempting local fallback", "command", req.Command, "error", err)
			metrics.RecordCommandExecution(req.Command, string(ModeRemote), "failed")
			metrics.RecordCommandDuration(req.Command, string(ModeRemote), time.Since(start).Seconds())
			return e.fallbackToLocal(ctx, req)
		}
	} else {
		resp, err = e.localExecutor.ExecuteCommand(ctx, req)
	}

	metrics.RecordCommandExecution(req.Command, string(mode), determineExecutionStatus(resp, err))
	metrics.RecordCommandDuration(req.Command, string(mode), time.Since(start).Seconds())
	return resp, err
}

// determineExecutionStatus categorizes a result as success, timeout or failed.
func determineExecutionStatus(resp CommandResponse, err error) string {
	if err == nil && resp.Success {
		return "success"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "failed"
}

// HealthCheck probes remote then local and picks the primary mode.
func (e *FallbackExecutor) HealthCheck(ctx context.Context) error {
	remoteErr := e.remoteExecutor.HealthCheck(ctx)
	if remoteErr == nil {
		e.setPrimaryMode(ModeRemote)
		return nil
	}
	e.logger.Warn("remote dependency service unavailable, trying local", "error", remoteErr)

	localErr := e.localExecutor.HealthCheck(ctx)
	if localErr == nil {
		if e.PrimaryMode() != ModeLocal {
			metrics.RecordDegradationEvent(string(ModeRemote), string(ModeLocal))
		}
		e.setPrimaryMode(ModeLocal)
		e.logger.Info("local dependencies available, using local mode (degraded)")
		return nil
	}
	return fmt.Errorf("%w: remote: %v; local: %v", ErrCommandUnavailable, remoteErr, localErr)
}

func (e *FallbackExecutor) fallbackToLocal(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	start := time.Now()
	resp, err := e.localExecutor.ExecuteCommand(ctx, req)

	metrics.RecordCommandExecution(req.Command, string(ModeLocal), determineExecutionStatus(resp, err))
	metrics.RecordCommandDuration(req.Command, string(ModeLocal), time.Since(start).Seconds())

	if err == nil {
		e.setPrimaryMode(ModeLocal)
		e.logger.Info("local fallback succeeded, primary mode is now local", "command", req.Command)
		metrics.RecordDegradationEvent(string(ModeRemote), string(ModeLocal))
	}
	return resp, err
}

// PrimaryMode returns the mode currently tried first.
func (e *FallbackExecutor) PrimaryMode() ExecutionMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.primaryMode
}

func (e *FallbackExecutor) setPrimaryMode(mode ExecutionMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.primaryMode = mode
}
