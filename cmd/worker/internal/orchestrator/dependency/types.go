// Package dependency runs external commands (FFmpeg) either on the local
// host or through a remote dependency service sharing the worker's temp
// volume.
package dependency

import (
	"errors"
	"time"
)

// ExecutionMode specifies how commands are executed.
type ExecutionMode string

const (
	// ModeLocal runs commands with os/exec.
	ModeLocal ExecutionMode = "local"

	// ModeRemote posts commands to a dependency service over HTTP.
	ModeRemote ExecutionMode = "remote"

	// ModeFallback tries remote first and degrades to local on network errors.
	ModeFallback ExecutionMode = "fallback"
)

// ErrCommandUnavailable is returned when the binary cannot be found or the
// remote service cannot be reached. It never means the command itself ran
// and failed.
var ErrCommandUnavailable = errors.New("command unavailable")

// ErrServiceBusy is returned when the dependency service has no free slot.
var ErrServiceBusy = errors.New("dependency service busy")

// CommandRequest encapsulates all information needed to execute a command.
type CommandRequest struct {
	Command    string            `json:"command" yaml:"command"`
	Args       []string          `json:"args" yaml:"args"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	// Timeout of 0 falls back to ExecutorConfig.DefaultTimeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// CommandResponse contains the result of a command execution.
type CommandResponse struct {
	Success  bool          `json:"success" yaml:"success"`
	ExitCode int           `json:"exit_code" yaml:"exit_code"`
	Stdout   string        `json:"stdout" yaml:"stdout"`
	Stderr   string        `json:"stderr" yaml:"stderr"`
	Duration time.Duration `json:"duration_ms" yaml:"duration_ms"`
}

// ExecutorConfig defines the configuration for dependency execution.
type ExecutorConfig struct {
	Mode ExecutionMode `json:"mode" yaml:"mode"`

	// ServiceURL is required for remote and fallback modes.
	ServiceURL string `json:"service_url" yaml:"service_url"`

	// SharedVolumePath is the root that every file argument must live under.
	// Empty disables the check.
	SharedVolumePath string `json:"shared_volume_path" yaml:"shared_volume_path"`

	// LocalBinaryPaths maps command names to binaries, e.g. {"ffmpeg": "/usr/bin/ffmpeg"}.
	LocalBinaryPaths map[string]string `json:"local_binary_paths" yaml:"local_binary_paths"`

	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// AllowedCommands is a whitelist; empty allows all.
	AllowedCommands []string `json:"allowed_commands" yaml:"allowed_commands"`
}
