package dependency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RemoteExecutor executes commands via the dependency service's
// POST /api/v1/execute endpoint.
type RemoteExecutor struct {
	config     ExecutorConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteExecutor creates a new RemoteExecutor with the given configuration.
func NewRemoteExecutor(config ExecutorConfig, logger *slog.Logger) *RemoteExecutor {
	return &RemoteExecutor{
		config: config,
		httpClient: &http.Client{
			// Slightly above the command timeout so the service reports it first.
			Timeout: config.DefaultTimeout + 10*time.Second,
		},
		logger: logger.With("component", "remote_executor"),
	}
}

// ExecuteCommand executes a command remotely.
func (e *RemoteExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("failed to serialize request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/execute", e.config.ServiceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return CommandResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	e.logger.Debug("sending command", "url", url, "command", req.Command)

	start := time.Now()
	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return CommandResponse{}, ctx.Err()
		}
		var timeoutErr interface{ Timeout() bool }
		if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
			return CommandResponse{}, fmt.Errorf("command execution timeout: %s: %w", req.Command, context.DeadlineExceeded)
		}
		return CommandResponse{}, fmt.Errorf("%w: dependency service network error: %v", ErrCommandUnavailable, err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch httpResp.StatusCode {
	case http.StatusServiceUnavailable:
		return CommandResponse{}, fmt.Errorf("%w: %s", ErrServiceBusy, bytes.TrimSpace(bodyBytes))
	case http.StatusGatewayTimeout:
		return CommandResponse{}, fmt.Errorf("command execution timeout on dependency service: %s: %w", req.Command, context.DeadlineExceeded)
	}

	var resp CommandResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		e.logger.Warn("unparseable response", "status", httpResp.StatusCode, "body", string(bodyBytes))
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return CommandResponse{}, fmt.Errorf("%w: dependency service returned HTTP %d", ErrCommandUnavailable, httpResp.StatusCode)
		}
		return CommandResponse{}, fmt.Errorf("failed to parse response: %w", err)
	}

	// The service reports command failures with a populated exit code; only
	// treat the HTTP status as an execution error when it did not run.
	if httpResp.StatusCode != http.StatusOK && resp.ExitCode == 0 {
		return resp, fmt.Errorf("dependency service returned error (HTTP %d): %s", httpResp.StatusCode, resp.Stderr)
	}

	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	return resp, nil
}

// HealthCheck verifies that the remote dependency service is reachable.
func (e *RemoteExecutor) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/health", e.config.ServiceURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dependency service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dependency service unhealthy (HTTP %d)", resp.StatusCode)
	}
	return nil
}
