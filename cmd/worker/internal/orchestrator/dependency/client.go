package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
)

// DependencyClient is the facade the worker uses for external tools. It
// builds commands, validates them and translates execution failures into
// job errors.
type DependencyClient struct {
	executor    DependencyExecutor
	config      ExecutorConfig
	pathManager *PathManager
	logger      *slog.Logger
}

// NewClient selects the executor for config.Mode.
func NewClient(config ExecutorConfig, logger *slog.Logger) (*DependencyClient, error) {
	var executor DependencyExecutor

	switch config.Mode {
	case ModeLocal:
		executor = NewLocalExecutor(config)
	case ModeRemote:
		executor = NewRemoteExecutor(config, logger)
	case ModeFallback:
		executor = NewFallbackExecutor(config, logger)
	default:
		return nil, fmt.Errorf("invalid execution mode: %s (must be 'local', 'remote', or 'fallback')", config.Mode)
	}

	return newClientWithExecutor(executor, config, logger), nil
}

func newClientWithExecutor(executor DependencyExecutor, config ExecutorConfig, logger *slog.Logger) *DependencyClient {
	return &DependencyClient{
		executor:    executor,
		config:      config,
		pathManager: NewPathManager(config.SharedVolumePath),
		logger:      logger.With("component", "dependency_client"),
	}
}

// ConvertAudio decodes any FFmpeg-readable container at inputPath into a
// mono 16-bit PCM WAV at outputPath, resampled to sampleRate.
//
// Error mapping:
//   - non-zero exit: input-invalid (the file is not decodable audio)
//   - binary missing or service unreachable: fatal
//   - timeout: transient
func (c *DependencyClient) ConvertAudio(ctx context.Context, inputPath, outputPath string, sampleRate int) error {
	req := CommandRequest{
		Command: "ffmpeg",
		Args: []string{
			"-nostdin", "-hide_banner",
			"-loglevel", "error",
			"-y",
			"-i", inputPath,
			"-vn",
			"-ar", strconv.Itoa(sampleRate),
			"-ac", "1",
			"-c:a", "pcm_s16le",
			outputPath,
		},
		Timeout: c.config.DefaultTimeout,
	}

	if err := ValidateCommandRequest(req, c.config); err != nil {
		return joberr.Fatal(joberr.PREPROCESS_FAILED, "decoder command rejected", err)
	}

	resp, err := c.executor.ExecuteCommand(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrCommandUnavailable):
		return joberr.Fatal(joberr.DECODER_UNAVAILABLE, "ffmpeg is not available", err)
	case errors.Is(err, ErrServiceBusy):
		return joberr.Transient(joberr.PREPROCESS_FAILED, "dependency service busy", err)
	case errors.Is(err, context.DeadlineExceeded):
		return joberr.Transient(joberr.PREPROCESS_FAILED, "ffmpeg timed out", err)
	case ctx.Err() != nil:
		return ctx.Err()
	case resp.ExitCode <= 0:
		return joberr.Fatal(joberr.PREPROCESS_FAILED, "ffmpeg execution failed", err)
	}

	if !resp.Success || resp.ExitCode != 0 {
		c.logger.Warn("ffmpeg rejected input", "input", inputPath, "exit_code", resp.ExitCode, "stderr", tail(resp.Stderr, 512))
		return joberr.InputInvalid(joberr.AUDIO_CORRUPTED,
			fmt.Sprintf("audio could not be decoded (exit code %d): %s", resp.ExitCode, tail(resp.Stderr, 200)), nil)
	}
	return nil
}

// HealthCheck delegates to the executor.
func (c *DependencyClient) HealthCheck(ctx context.Context) error {
	return c.executor.HealthCheck(ctx)
}

// PathManager returns the path manager for the shared volume. Job scopes
// must live under it so ffmpeg file arguments pass validation.
func (c *DependencyClient) PathManager() *PathManager {
	return c.pathManager
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
