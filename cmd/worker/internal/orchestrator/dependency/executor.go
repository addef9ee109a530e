package dependency

import "context"

// DependencyExecutor executes commands in one of the execution modes.
//
// Implementations:
//   - LocalExecutor: os/exec on the worker host
//   - RemoteExecutor: HTTP calls to the dependency service
//   - FallbackExecutor: remote first, local on network failure
type DependencyExecutor interface {
	// ExecuteCommand runs req. A command that ran and exited non-zero is
	// reported through CommandResponse; the error is reserved for failures to
	// run it at all (and for timeouts).
	ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error)

	// HealthCheck returns nil when the executor can accept commands.
	HealthCheck(ctx context.Context) error
}
