package dependency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// LocalExecutor executes commands directly on the worker host.
type LocalExecutor struct {
	config ExecutorConfig
}

// NewLocalExecutor creates a new LocalExecutor with the given configuration.
func NewLocalExecutor(config ExecutorConfig) *LocalExecutor {
	return &LocalExecutor{config: config}
}

// ExecuteCommand executes a command locally and returns the result.
func (e *LocalExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	binaryPath, err := e.resolveBinaryPath(req.Command)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("%w: resolve %s: %v", ErrCommandUnavailable, req.Command, err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, binaryPath, req.Args...)
	cmd.Env = append(os.Environ(), e.buildEnvSlice(req.Env)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	// Run in its own process group so cancellation takes children down too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()

	resp := CommandResponse{
		Success:  runErr == nil,
		ExitCode: exitCode(runErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return resp, fmt.Errorf("command execution timeout (%v): %s: %w", timeout, req.Command, context.DeadlineExceeded)
	}
	if ctx.Err() != nil {
		return resp, ctx.Err()
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		// Start failures (permissions, missing interpreter) are not exit codes.
		return resp, fmt.Errorf("%w: start %s: %v", ErrCommandUnavailable, req.Command, runErr)
	}
	return resp, nil
}

// HealthCheck verifies that all configured local binaries are available.
func (e *LocalExecutor) HealthCheck(ctx context.Context) error {
	for cmd, path := range e.config.LocalBinaryPaths {
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("local command %s not available at %s: %w", cmd, path, err)
		}
	}
	for _, cmd := range e.config.AllowedCommands {
		if _, ok := e.config.LocalBinaryPaths[cmd]; ok {
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			return fmt.Errorf("local command %s not available in PATH: %w", cmd, err)
		}
	}
	return nil
}

func (e *LocalExecutor) resolveBinaryPath(command string) (string, error) {
	if path, ok := e.config.LocalBinaryPaths[command]; ok {
		return exec.LookPath(path)
	}
	return exec.LookPath(command)
}

func (e *LocalExecutor) buildEnvSlice(envMap map[string]string) []string {
	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
