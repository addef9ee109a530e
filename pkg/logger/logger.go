package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 定义日志初始化配置
// Level 支持 debug/info/warn/error，Environment 为 prod 时输出 JSON，其余输出文本
// FilePath 非空时同时写入按大小轮转的日志文件
type Config struct {
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
	WithSource  bool   `yaml:"with_source"`

	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

// New 根据配置创建新的 slog.Logger
func New(cfg Config) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stdout)
}

func newWithWriter(cfg Config, stdout io.Writer) (*slog.Logger, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = stdout
	if cfg.FilePath != "" {
		out = io.MultiWriter(stdout, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    withDefault(cfg.MaxSizeMB, 100),
			MaxBackups: withDefault(cfg.MaxBackups, 10),
			MaxAge:     withDefault(cfg.MaxAgeDays, 30),
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Environment) == "prod" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler), nil
}

// Nop 返回丢弃所有输出的 logger，供测试与未配置日志的组件使用
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// LogJobEvent 记录作业生命周期事件的结构化日志
// event: claimed/stage_start/stage_done/retry/completed/failed/abandoned
// 属性中包含 error 时以 Error 级别输出
func LogJobEvent(logger *slog.Logger, jobID, event string, attrs ...slog.Attr) {
	level := slog.LevelInfo
	for _, a := range attrs {
		if a.Key == "error" {
			level = slog.LevelError
			break
		}
	}

	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all, slog.String("job_id", jobID), slog.String("event", event))
	all = append(all, attrs...)
	logger.LogAttrs(context.Background(), level, "job event", all...)
}
