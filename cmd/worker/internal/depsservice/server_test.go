package depsservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/meeting-worker/pkg/logger"
)

type fakeExecutor struct {
	mu        sync.Mutex
	calls     int
	resp      dependency.CommandResponse
	err       error
	block     chan struct{}
	started   chan struct{}
	healthErr error
}

func (f *fakeExecutor) ExecuteCommand(ctx context.Context, req dependency.CommandRequest) (dependency.CommandResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return f.resp, f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExecutor) HealthCheck(ctx context.Context) error { return f.healthErr }

func newTestServer(t *testing.T, cfg Config, exec Executor) (*Server, dependency.ExecutorConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	execCfg := dependency.ExecutorConfig{
		SharedVolumePath: t.TempDir(),
		AllowedCommands:  []string{"ffmpeg"},
		DefaultTimeout:   time.Second,
	}
	return New(cfg, execCfg, exec, nil, logger.Nop()), execCfg
}

func post(t *testing.T, h http.Handler, req dependency.CommandRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/execute", bytes.NewReader(body)))
	return w
}

func TestExecute_Success(t *testing.T) {
	exec := &fakeExecutor{resp: dependency.CommandResponse{Stdout: "ok"}}
	s, execCfg := newTestServer(t, Config{}, exec)

	w := post(t, s.Handler(), dependency.CommandRequest{
		Command: "ffmpeg",
		Args:    []string{"-i", filepath.Join(execCfg.SharedVolumePath, "in.m4a")},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp dependency.CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Stdout)
}

func TestExecute_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  dependency.CommandRequest
	}{
		{"not whitelisted", dependency.CommandRequest{Command: "rm", Args: []string{"-rf", "/"}}},
		{"path traversal", dependency.CommandRequest{Command: "ffmpeg", Args: []string{"-i", "../secret.wav"}}},
		{"system directory", dependency.CommandRequest{Command: "ffmpeg", Args: []string{"-i", "/etc/passwd"}}},
		{"outside shared volume", dependency.CommandRequest{Command: "ffmpeg", Args: []string{"-i", "/home/user/in.wav"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			s, _ := newTestServer(t, Config{}, exec)

			w := post(t, s.Handler(), tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "invalid_arguments")
			assert.Zero(t, exec.callCount())
		})
	}
}

func TestExecute_MalformedBody(t *testing.T) {
	s, _ := newTestServer(t, Config{}, &fakeExecutor{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/execute", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		resp     dependency.CommandResponse
		err      error
		wantCode int
	}{
		{"non-zero exit", dependency.CommandResponse{ExitCode: 1, Stderr: "Invalid data found"}, nil, http.StatusInternalServerError},
		{"timeout", dependency.CommandResponse{ExitCode: -1}, context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unavailable", dependency.CommandResponse{}, dependency.ErrCommandUnavailable, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, Config{}, &fakeExecutor{resp: tt.resp, err: tt.err})
			w := post(t, s.Handler(), dependency.CommandRequest{Command: "ffmpeg"})
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestExecute_BusyWhenSlotsAreTaken(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _ := newTestServer(t, Config{MaxConcurrent: 1, AcquireTimeout: 20 * time.Millisecond}, exec)

	done := make(chan int, 1)
	go func() { done <- post(t, s.Handler(), dependency.CommandRequest{Command: "ffmpeg"}).Code }()
	<-exec.started

	w := post(t, s.Handler(), dependency.CommandRequest{Command: "ffmpeg"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "service_busy")

	close(exec.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestHealth(t *testing.T) {
	exec := &fakeExecutor{}
	s, _ := newTestServer(t, Config{}, exec)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	exec.healthErr = errors.New("ffmpeg not found")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// The worker's remote executor and this service speak the same protocol.
func TestRemoteExecutorRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		resp     dependency.CommandResponse
		err      error
		wantErr  error
		wantExit int
	}{
		{name: "success", resp: dependency.CommandResponse{Stdout: "done"}},
		{name: "decode failure keeps exit code", resp: dependency.CommandResponse{ExitCode: 69, Stderr: "moov atom not found"}, wantExit: 69},
		{name: "timeout", err: context.DeadlineExceeded, wantErr: context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, execCfg := newTestServer(t, Config{}, &fakeExecutor{resp: tt.resp, err: tt.err})
			srv := httptest.NewServer(s.Handler())
			defer srv.Close()

			execCfg.ServiceURL = srv.URL
			remote := dependency.NewRemoteExecutor(execCfg, logger.Nop())
			resp, err := remote.ExecuteCommand(context.Background(), dependency.CommandRequest{Command: "ffmpeg"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExit, resp.ExitCode)
			assert.Equal(t, tt.wantExit == 0, resp.Success)
		})
	}
}
