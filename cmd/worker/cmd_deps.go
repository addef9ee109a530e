package main

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/depsservice"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/meeting-worker/pkg/logger"
)

func newDepsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "deps",
		Short: "运行 FFmpeg 执行服务，供 remote/fallback 模式的 worker 调用",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				cfg.DepsService.Addr = v
			}

			// 审计日志单独轮转
			audit := log.With("component", "audit")
			if cfg.DepsService.AuditLogPath != "" {
				audit, err = logger.New(logger.Config{
					Level:       "info",
					Environment: "prod",
					FilePath:    cfg.DepsService.AuditLogPath,
					MaxSizeMB:   100,
					MaxBackups:  10,
					MaxAgeDays:  30,
				})
				if err != nil {
					return fmt.Errorf("audit logger: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.DepsService.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.DepsService.Addr, err)
			}
			srv := depsservice.New(cfg.DepsService, cfg.Dependency, dependency.NewLocalExecutor(cfg.Dependency), audit, log)
			return srv.Serve(ctx, ln)
		},
	}
	c.Flags().String("addr", "", "监听地址 (env: DEPS_SERVICE_ADDR, 默认: :8090)")
	return c
}
