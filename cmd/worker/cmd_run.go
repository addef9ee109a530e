package main

import (
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "持续轮询并处理任务（默认命令），SIGINT/SIGTERM 进入排空模式",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			log.Info("worker starting", "version", version)
			log.Debug(cfg.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			a.checkOnce(ctx)
			a.startBackground(ctx)

			if err := a.orch.Run(ctx); err != nil {
				return err
			}
			st := a.orch.Status()
			log.Info("worker stopped",
				"completed", st.Completed,
				"failed", st.Failed,
				"abandoned", st.Abandoned)
			return nil
		},
	}
}

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "执行一次轮询并等待已认领的任务完成",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			// once 是一次性命令，不启动状态接口
			cfg.Status.Addr = ""

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				mu       sync.Mutex
				outcomes []orchestrator.Outcome
			)
			a, err := newApp(ctx, cfg, log, func(out orchestrator.Outcome) {
				mu.Lock()
				outcomes = append(outcomes, out)
				mu.Unlock()
			})
			if err != nil {
				return err
			}
			defer a.Close()

			a.checkOnce(ctx)
			if _, err := a.orch.RunOnce(ctx); err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			return printJSON(cmd.OutOrStdout(), outcomeReports(outcomes))
		},
	}
}
