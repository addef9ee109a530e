package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/config"
	"github.com/houzhh15/meeting-worker/pkg/logger"
)

// addGlobalFlags 为 root 命令添加全局标志
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "YAML 配置文件 (env: WORKER_CONFIG)")
	cmd.PersistentFlags().String("worker-id", "", "worker 标识 (env: WORKER_ID, 默认: 主机名)")
	cmd.PersistentFlags().Int("max-jobs", 0, "并发任务上限 (env: MAX_CONCURRENT_JOBS)")
	cmd.PersistentFlags().String("sqlite", "", "任务库路径 (env: SQLITE_PATH)")
	cmd.PersistentFlags().String("status-addr", "", "状态接口监听地址，'-' 表示关闭 (env: STATUS_ADDR)")
	cmd.PersistentFlags().String("log-level", "", "日志级别 debug/info/warn/error (env: LOG_LEVEL)")
	cmd.PersistentFlags().Bool("no-summary", false, "跳过摘要阶段")
}

// loadConfig 按 默认值 -> 文件 -> 环境变量 -> 命令行标志 的顺序构建配置并校验
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("WORKER_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	// 命令行标志覆盖环境变量
	if v, _ := cmd.Flags().GetString("worker-id"); v != "" {
		cfg.Orchestrator.WorkerID = v
	}
	if v, _ := cmd.Flags().GetInt("max-jobs"); v > 0 {
		cfg.Orchestrator.MaxConcurrentJobs = v
	}
	if v, _ := cmd.Flags().GetString("sqlite"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v, _ := cmd.Flags().GetString("status-addr"); v != "" {
		cfg.Status.Addr = v
		if v == "-" {
			cfg.Status.Addr = ""
		}
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetBool("no-summary"); v {
		cfg.Summary.Enabled = false
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigAndLogger 是大多数子命令的公共入口
func loadConfigAndLogger(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log.With("worker_id", cfg.Orchestrator.WorkerID), nil
}
