// Package config 汇总 worker 进程的全部配置
//
// 优先级（从低到高）：内置默认值 -> YAML 配置文件 -> 环境变量 -> 命令行标志。
// 命令行标志由 cmd/worker 在 Load 之后直接写入字段，再调用 ValidateConfig。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/audio"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/depsservice"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/speech"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/statusapi"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/store"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/summarize"
	"github.com/houzhh15/meeting-worker/pkg/logger"
)

// ErrNoConfigFile 表示显式指定的配置文件不存在
var ErrNoConfigFile = errors.New("config file not found")

// Config 进程级配置，启动时构建一次，通过构造函数向下传递
type Config struct {
	Log          logger.Config             `yaml:"log"`
	Orchestrator orchestrator.Config       `yaml:"orchestrator"`
	Audio        audio.Options             `yaml:"audio"`
	Speech       speech.HTTPConfig         `yaml:"speech"`
	Summary      SummaryConfig             `yaml:"summary"`
	ObjectStore  store.ObjectStoreConfig   `yaml:"object_store"`
	Dependency   dependency.ExecutorConfig `yaml:"dependency"`
	DepsService  depsservice.Config        `yaml:"deps_service"`
	Status       statusapi.Config          `yaml:"status"`
	Health       HealthConfig              `yaml:"health"`
	Store        StoreConfig               `yaml:"store"`

	// PreprocessWorkers CPU 密集的预处理并发上限
	PreprocessWorkers int `yaml:"preprocess_workers"`
}

// SummaryConfig 摘要阶段配置
type SummaryConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Reducer summarize.Config       `yaml:"reducer"`
	Ollama  summarize.OllamaConfig `yaml:"ollama"`
}

// HealthConfig 外部依赖健康探测
type HealthConfig struct {
	Interval      time.Duration `yaml:"interval"`
	FailThreshold int           `yaml:"fail_threshold"`
}

// StoreConfig 任务库配置
type StoreConfig struct {
	// SQLitePath 为 ":memory:" 时使用内存库（仅用于开发）
	SQLitePath string `yaml:"sqlite_path"`
}

// Default 返回内置默认值
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}

	orch := orchestrator.DefaultConfig()
	orch.WorkerID = host

	return &Config{
		Log: logger.Config{
			Level:       "info",
			Environment: "dev",
			MaxSizeMB:   100,
			MaxBackups:  5,
			MaxAgeDays:  30,
		},
		Orchestrator: orch,
		Audio:        audio.DefaultOptions(),
		Speech: speech.HTTPConfig{
			BaseURL: "http://localhost:8082",
			Timeout: 30 * time.Minute,
		},
		Summary: SummaryConfig{
			Enabled: true,
			Reducer: summarize.DefaultConfig(),
			Ollama: summarize.OllamaConfig{
				BaseURL:     "http://localhost:11434",
				Model:       "llama3",
				Temperature: 0.3,
				Timeout:     5 * time.Minute,
			},
		},
		ObjectStore: store.ObjectStoreConfig{
			TokenTTL: 15 * time.Minute,
			Issuer:   "meeting-worker",
			Timeout:  5 * time.Minute,
		},
		Dependency: dependency.ExecutorConfig{
			Mode:             dependency.ModeLocal,
			SharedVolumePath: filepath.Join(os.TempDir(), "meeting-worker"),
			LocalBinaryPaths: map[string]string{"ffmpeg": "ffmpeg"},
			DefaultTimeout:   10 * time.Minute,
			AllowedCommands:  []string{"ffmpeg"},
		},
		DepsService: depsservice.Config{
			Addr:           ":8090",
			MaxConcurrent:  4,
			AcquireTimeout: 30 * time.Second,
		},
		Status: statusapi.Config{
			Addr:              ":9090",
			MaxConnections:    64,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Health: HealthConfig{
			Interval:      30 * time.Second,
			FailThreshold: 3,
		},
		Store: StoreConfig{
			SQLitePath: "meeting-worker.db",
		},
		PreprocessWorkers: 2,
	}
}

// Load 依次应用默认值、YAML 文件（path 为空则跳过）和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoConfigFile, path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖配置；格式错误的数值统一汇总报错
func applyEnv(cfg *Config) error {
	var errs []string
	intVar := func(key string, dst *int) {
		if v, err := getEnvInt(key, *dst); err != nil {
			errs = append(errs, err.Error())
		} else {
			*dst = v
		}
	}
	floatVar := func(key string, dst *float64) {
		if v, err := getEnvFloat(key, *dst); err != nil {
			errs = append(errs, err.Error())
		} else {
			*dst = v
		}
	}
	boolVar := func(key string, dst *bool) {
		if v, err := getEnvBool(key, *dst); err != nil {
			errs = append(errs, err.Error())
		} else {
			*dst = v
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v, err := getEnvDuration(key, *dst); err != nil {
			errs = append(errs, err.Error())
		} else {
			*dst = v
		}
	}

	// 日志
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Environment = getEnv("ENV", cfg.Log.Environment)
	cfg.Log.FilePath = getEnv("LOG_FILE", cfg.Log.FilePath)

	// 编排器；轮询间隔沿用秒数形式的环境变量
	cfg.Orchestrator.WorkerID = getEnv("WORKER_ID", cfg.Orchestrator.WorkerID)
	pollSeconds := int(cfg.Orchestrator.PollInterval / time.Second)
	intVar("POLLING_INTERVAL_SECONDS", &pollSeconds)
	cfg.Orchestrator.PollInterval = time.Duration(pollSeconds) * time.Second
	intVar("MAX_CONCURRENT_JOBS", &cfg.Orchestrator.MaxConcurrentJobs)
	durationVar("SHUTDOWN_GRACE", &cfg.Orchestrator.ShutdownGrace)
	intVar("RETRY_MAX_ATTEMPTS", &cfg.Orchestrator.Retry.MaxAttempts)
	intVar("PREPROCESS_WORKERS", &cfg.PreprocessWorkers)

	// 音频
	intVar("TARGET_SAMPLE_RATE", &cfg.Audio.TargetSampleRate)
	boolVar("NOISE_REDUCTION", &cfg.Audio.NoiseReduction)
	boolVar("AUDIO_CHUNKING", &cfg.Audio.Chunking)
	floatVar("AUDIO_CHUNK_SECONDS", &cfg.Audio.ChunkSeconds)

	// 语音识别
	cfg.Speech.BaseURL = getEnv("SPEECH_BASE_URL", cfg.Speech.BaseURL)
	cfg.Speech.Model = getEnv("SPEECH_MODEL", cfg.Speech.Model)

	// 摘要
	boolVar("SUMMARY_ENABLED", &cfg.Summary.Enabled)
	cfg.Summary.Ollama.BaseURL = getEnv("OLLAMA_BASE_URL", cfg.Summary.Ollama.BaseURL)
	cfg.Summary.Ollama.Model = getEnv("OLLAMA_MODEL", cfg.Summary.Ollama.Model)
	intVar("CHUNK_SIZE", &cfg.Summary.Reducer.ChunkSize)
	intVar("CHUNK_OVERLAP", &cfg.Summary.Reducer.ChunkOverlap)
	intVar("SUMMARY_LENGTH_MIN", &cfg.Summary.Reducer.MinChars)
	intVar("SUMMARY_LENGTH_MAX", &cfg.Summary.Reducer.MaxChars)

	// 对象存储
	cfg.ObjectStore.BaseURL = getEnv("OBJECT_STORE_BASE_URL", cfg.ObjectStore.BaseURL)
	cfg.ObjectStore.SigningKey = getEnv("OBJECT_STORE_SIGNING_KEY", cfg.ObjectStore.SigningKey)
	cfg.ObjectStore.LocalRoot = getEnv("OBJECT_STORE_LOCAL_ROOT", cfg.ObjectStore.LocalRoot)
	cfg.ObjectStore.OAuth2.TokenURL = getEnv("OBJECT_STORE_TOKEN_URL", cfg.ObjectStore.OAuth2.TokenURL)
	cfg.ObjectStore.OAuth2.ClientID = getEnv("OBJECT_STORE_CLIENT_ID", cfg.ObjectStore.OAuth2.ClientID)
	cfg.ObjectStore.OAuth2.ClientSecret = getEnv("OBJECT_STORE_CLIENT_SECRET", cfg.ObjectStore.OAuth2.ClientSecret)
	if v := os.Getenv("OBJECT_STORE_SCOPES"); v != "" {
		cfg.ObjectStore.OAuth2.Scopes = parseStringList(v)
	}

	// 依赖执行器
	cfg.Dependency.Mode = dependency.ExecutionMode(getEnv("DEPENDENCY_MODE", string(cfg.Dependency.Mode)))
	cfg.Dependency.ServiceURL = getEnv("DEPENDENCY_SERVICE_URL", cfg.Dependency.ServiceURL)
	cfg.Dependency.SharedVolumePath = getEnv("SHARED_VOLUME_PATH", cfg.Dependency.SharedVolumePath)
	cfg.DepsService.Addr = getEnv("DEPS_SERVICE_ADDR", cfg.DepsService.Addr)
	cfg.DepsService.AuditLogPath = getEnv("DEPS_AUDIT_LOG", cfg.DepsService.AuditLogPath)
	if v := os.Getenv("FFMPEG_PATH"); v != "" {
		if cfg.Dependency.LocalBinaryPaths == nil {
			cfg.Dependency.LocalBinaryPaths = map[string]string{}
		}
		cfg.Dependency.LocalBinaryPaths["ffmpeg"] = v
	}

	// 状态接口与存储
	cfg.Status.Addr = getEnv("STATUS_ADDR", cfg.Status.Addr)
	durationVar("HEALTH_CHECK_INTERVAL", &cfg.Health.Interval)
	cfg.Store.SQLitePath = getEnv("SQLITE_PATH", cfg.Store.SQLitePath)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateConfig 验证配置的有效性，一次性返回全部问题
func ValidateConfig(cfg *Config) error {
	var errs []string

	// 1. 编排器
	if strings.TrimSpace(cfg.Orchestrator.WorkerID) == "" {
		errs = append(errs, "WORKER_ID cannot be empty")
	}
	if cfg.Orchestrator.PollInterval <= 0 {
		errs = append(errs, "poll interval must be positive")
	}
	if cfg.Orchestrator.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Sprintf("MAX_CONCURRENT_JOBS must be at least 1, got %d", cfg.Orchestrator.MaxConcurrentJobs))
	}
	if cfg.Orchestrator.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry max_attempts must be at least 1")
	}
	if cfg.Orchestrator.Retry.InitialBackoff <= 0 || cfg.Orchestrator.Retry.MaxBackoff < cfg.Orchestrator.Retry.InitialBackoff {
		errs = append(errs, "retry backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if cfg.PreprocessWorkers < 1 {
		errs = append(errs, "preprocess_workers must be at least 1")
	}

	// 2. 音频
	if cfg.Audio.TargetSampleRate <= 0 {
		errs = append(errs, "audio target_sample_rate must be positive")
	}
	if cfg.Audio.Normalization != audio.NormalizePeak && cfg.Audio.Normalization != audio.NormalizeRMS {
		errs = append(errs, fmt.Sprintf("audio normalization must be 'peak' or 'rms', got %q", cfg.Audio.Normalization))
	}
	if cfg.Audio.Chunking {
		if cfg.Audio.ChunkSeconds <= 0 {
			errs = append(errs, "audio chunk_seconds must be positive when chunking is enabled")
		} else if cfg.Audio.ChunkOverlapSeconds < 0 || cfg.Audio.ChunkOverlapSeconds >= cfg.Audio.ChunkSeconds {
			errs = append(errs, "audio chunk_overlap_seconds must be in [0, chunk_seconds)")
		}
	}

	// 3. 语音识别
	if cfg.Speech.BaseURL == "" {
		errs = append(errs, "SPEECH_BASE_URL cannot be empty")
	}

	// 4. 摘要；关闭时不检查
	if cfg.Summary.Enabled {
		r := cfg.Summary.Reducer
		if r.ChunkSize <= 0 {
			errs = append(errs, "CHUNK_SIZE must be positive")
		}
		if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
			errs = append(errs, fmt.Sprintf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", r.ChunkOverlap))
		}
		if r.MinChars <= 0 || r.MaxChars < r.MinChars {
			errs = append(errs, fmt.Sprintf("summary length must satisfy 0 < SUMMARY_LENGTH_MIN <= SUMMARY_LENGTH_MAX, got [%d, %d]", r.MinChars, r.MaxChars))
		}
		if cfg.Summary.Ollama.BaseURL == "" {
			errs = append(errs, "OLLAMA_BASE_URL cannot be empty when summary is enabled")
		}
	}

	// 5. 依赖执行器
	switch cfg.Dependency.Mode {
	case dependency.ModeLocal:
	case dependency.ModeRemote, dependency.ModeFallback:
		if cfg.Dependency.ServiceURL == "" {
			errs = append(errs, fmt.Sprintf("DEPENDENCY_SERVICE_URL is required in %s mode", cfg.Dependency.Mode))
		}
	default:
		errs = append(errs, fmt.Sprintf("DEPENDENCY_MODE must be local, remote or fallback, got %q", cfg.Dependency.Mode))
	}
	if cfg.Dependency.SharedVolumePath == "" {
		errs = append(errs, "SHARED_VOLUME_PATH cannot be empty")
	}

	// 6. 对象存储：OAuth2 需要成对的客户端凭据
	if o := cfg.ObjectStore.OAuth2; o.TokenURL != "" && (o.ClientID == "" || o.ClientSecret == "") {
		errs = append(errs, "object store oauth2 requires client_id and client_secret")
	}
	if r := cfg.ObjectStore.LocalRoot; r != "" && !filepath.IsAbs(r) {
		errs = append(errs, fmt.Sprintf("OBJECT_STORE_LOCAL_ROOT must be an absolute path, got %q", r))
	}

	// 7. 其他
	if cfg.Store.SQLitePath == "" {
		errs = append(errs, "SQLITE_PATH cannot be empty")
	}
	if cfg.Health.Interval <= 0 || cfg.Health.FailThreshold < 1 {
		errs = append(errs, "health interval must be positive and fail_threshold at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String 打印配置摘要（敏感信息脱敏）
func (c *Config) String() string {
	return fmt.Sprintf(`Configuration:
  Worker:       id=%s poll=%s max_jobs=%d preprocess_workers=%d
  Log:          level=%s env=%s file=%s
  Speech:       %s
  Summary:      enabled=%t ollama=%s model=%s chunk=%d/%d length=[%d,%d]
  ObjectStore:  base=%s signing_key=%s oauth2_secret=%s
  Dependency:   mode=%s service=%s volume=%s
  Status:       %s
  Store:        %s`,
		c.Orchestrator.WorkerID, c.Orchestrator.PollInterval, c.Orchestrator.MaxConcurrentJobs, c.PreprocessWorkers,
		c.Log.Level, c.Log.Environment, c.Log.FilePath,
		c.Speech.BaseURL,
		c.Summary.Enabled, c.Summary.Ollama.BaseURL, c.Summary.Ollama.Model,
		c.Summary.Reducer.ChunkSize, c.Summary.Reducer.ChunkOverlap,
		c.Summary.Reducer.MinChars, c.Summary.Reducer.MaxChars,
		c.ObjectStore.BaseURL, maskSecret(c.ObjectStore.SigningKey), maskSecret(c.ObjectStore.OAuth2.ClientSecret),
		c.Dependency.Mode, c.Dependency.ServiceURL, c.Dependency.SharedVolumePath,
		c.Status.Addr,
		c.Store.SQLitePath,
	)
}

// 辅助函数

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid number %q", key, value)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

// getEnvDuration 接受 time.ParseDuration 格式，如 "30s"
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

// parseStringList 解析逗号分隔的字符串列表
func parseStringList(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// maskSecret 对敏感信息进行脱敏
func maskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}
