package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, ValidateConfig(cfg))
	assert.NotEmpty(t, cfg.Orchestrator.WorkerID)
	assert.Equal(t, 4000, cfg.Summary.Reducer.ChunkSize)
	assert.Equal(t, 200, cfg.Summary.Reducer.ChunkOverlap)
	assert.Equal(t, 100, cfg.Summary.Reducer.MinChars)
	assert.Equal(t, 1000, cfg.Summary.Reducer.MaxChars)
	assert.Equal(t, 16000, cfg.Audio.TargetSampleRate)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
orchestrator:
  worker_id: worker-yaml
  poll_interval: 3s
  max_concurrent_jobs: 4
summary:
  enabled: false
  reducer:
    chunk_size: 2000
audio:
  chunking: true
  chunk_seconds: 30
dependency:
  mode: remote
  service_url: http://deps:8090
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-yaml", cfg.Orchestrator.WorkerID)
	assert.Equal(t, 3*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentJobs)
	assert.False(t, cfg.Summary.Enabled)
	assert.Equal(t, 2000, cfg.Summary.Reducer.ChunkSize)
	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 200, cfg.Summary.Reducer.ChunkOverlap)
	assert.Equal(t, 3, cfg.Orchestrator.Retry.MaxAttempts)
	assert.True(t, cfg.Audio.Chunking)
	assert.Equal(t, 30.0, cfg.Audio.ChunkSeconds)
	assert.Equal(t, dependency.ModeRemote, cfg.Dependency.Mode)
	require.NoError(t, ValidateConfig(cfg))
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "orchestrator:\n  worker_id: worker-yaml\n  max_concurrent_jobs: 4\n")
	t.Setenv("WORKER_ID", "worker-env")
	t.Setenv("POLLING_INTERVAL_SECONDS", "7")
	t.Setenv("MAX_CONCURRENT_JOBS", "9")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")
	t.Setenv("CHUNK_SIZE", "3000")
	t.Setenv("CHUNK_OVERLAP", "150")
	t.Setenv("SUMMARY_LENGTH_MIN", "50")
	t.Setenv("SUMMARY_LENGTH_MAX", "500")
	t.Setenv("SUMMARY_ENABLED", "true")
	t.Setenv("OBJECT_STORE_SCOPES", "read, audio ,")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("OBJECT_STORE_LOCAL_ROOT", "/srv/recordings")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-env", cfg.Orchestrator.WorkerID)
	assert.Equal(t, 7*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 9, cfg.Orchestrator.MaxConcurrentJobs)
	assert.Equal(t, "http://ollama:11434", cfg.Summary.Ollama.BaseURL)
	assert.Equal(t, 3000, cfg.Summary.Reducer.ChunkSize)
	assert.Equal(t, 150, cfg.Summary.Reducer.ChunkOverlap)
	assert.Equal(t, 50, cfg.Summary.Reducer.MinChars)
	assert.Equal(t, 500, cfg.Summary.Reducer.MaxChars)
	assert.Equal(t, []string{"read", "audio"}, cfg.ObjectStore.OAuth2.Scopes)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.Dependency.LocalBinaryPaths["ffmpeg"])
	assert.Equal(t, "/srv/recordings", cfg.ObjectStore.LocalRoot)
}

func TestLoad_InvalidEnvIsCollected(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "many")
	t.Setenv("SUMMARY_ENABLED", "maybe")
	t.Setenv("SHUTDOWN_GRACE", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_JOBS")
	assert.Contains(t, err.Error(), "SUMMARY_ENABLED")
	assert.Contains(t, err.Error(), "SHUTDOWN_GRACE")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrNoConfigFile)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "orchestrator: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:    "empty worker id",
			mutate:  func(c *Config) { c.Orchestrator.WorkerID = "  " },
			wantErr: []string{"WORKER_ID"},
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Orchestrator.MaxConcurrentJobs = 0 },
			wantErr: []string{"MAX_CONCURRENT_JOBS"},
		},
		{
			name:    "relative local audio root",
			mutate:  func(c *Config) { c.ObjectStore.LocalRoot = "recordings" },
			wantErr: []string{"OBJECT_STORE_LOCAL_ROOT"},
		},
		{
			name:    "overlap not below chunk size",
			mutate:  func(c *Config) { c.Summary.Reducer.ChunkOverlap = c.Summary.Reducer.ChunkSize },
			wantErr: []string{"CHUNK_OVERLAP"},
		},
		{
			name:    "inverted summary length",
			mutate:  func(c *Config) { c.Summary.Reducer.MinChars, c.Summary.Reducer.MaxChars = 500, 100 },
			wantErr: []string{"SUMMARY_LENGTH_MIN"},
		},
		{
			name: "disabled summary is not checked",
			mutate: func(c *Config) {
				c.Summary.Enabled = false
				c.Summary.Reducer.ChunkSize = 0
				c.Summary.Ollama.BaseURL = ""
			},
		},
		{
			name:    "remote without service url",
			mutate:  func(c *Config) { c.Dependency.Mode = dependency.ModeFallback },
			wantErr: []string{"DEPENDENCY_SERVICE_URL"},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Dependency.Mode = "docker" },
			wantErr: []string{"DEPENDENCY_MODE"},
		},
		{
			name: "chunk overlap too large",
			mutate: func(c *Config) {
				c.Audio.Chunking = true
				c.Audio.ChunkSeconds = 5
				c.Audio.ChunkOverlapSeconds = 5
			},
			wantErr: []string{"chunk_overlap_seconds"},
		},
		{
			name:    "oauth2 without credentials",
			mutate:  func(c *Config) { c.ObjectStore.OAuth2.TokenURL = "http://auth/token" },
			wantErr: []string{"client_id"},
		},
		{
			name: "every problem reported at once",
			mutate: func(c *Config) {
				c.Orchestrator.WorkerID = ""
				c.Speech.BaseURL = ""
				c.Store.SQLitePath = ""
			},
			wantErr: []string{"WORKER_ID", "SPEECH_BASE_URL", "SQLITE_PATH"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation failed")
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.ObjectStore.SigningKey = "super-secret-signing-key"
	cfg.ObjectStore.OAuth2.ClientSecret = "short"

	out := cfg.String()
	assert.NotContains(t, out, "super-secret-signing-key")
	assert.Contains(t, out, "supe***-key")
	assert.NotContains(t, out, "short")
	assert.Contains(t, out, "***")
}
