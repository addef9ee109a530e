package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建或升级 SQLite 任务库表结构",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready: %s\n", cfg.Store.SQLitePath)
			return nil
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "enqueue",
		Short: "新建一个排队中的任务（开发工具）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = uuid.NewString()
			}
			audioRef := mustGetString(cmd, "audio")
			speakers, _ := cmd.Flags().GetInt("speakers")
			language, _ := cmd.Flags().GetString("language")

			job := models.Job{
				ID:               id,
				Status:           models.StatusQueued,
				AudioRef:         audioRef,
				ExpectedSpeakers: speakers,
				Language:         language,
			}
			if err := st.Enqueue(cmd.Context(), job); err != nil {
				return err
			}
			saved, err := st.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), saved)
		},
	}
	c.Flags().String("audio", "", "音频引用：URL、绝对路径或对象 key（必选）")
	c.Flags().String("id", "", "任务ID（默认生成 uuid）")
	c.Flags().Int("speakers", 0, "预期说话人数，0 表示自动")
	c.Flags().String("language", "", "语言提示，如 zh、en")
	_ = c.MarkFlagRequired("audio")
	return c
}

// jobReport 汇总任务及其结果，便于一次查看
type jobReport struct {
	Job        *models.Job            `json:"job"`
	Transcript *models.Transcript     `json:"transcript,omitempty"`
	Summary    *models.MeetingSummary `json:"summary,omitempty"`
}

func newJobCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "job <id>",
		Short: "查看任务状态与结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			job, err := st.Get(ctx, args[0])
			if err != nil {
				return err
			}
			report := jobReport{Job: job}

			if withResults, _ := cmd.Flags().GetBool("results"); withResults {
				t, err := st.Transcript(ctx, job.ID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				report.Transcript = t

				s, err := st.Summary(ctx, job.ID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				report.Summary = s
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	c.Flags().Bool("results", false, "同时输出转写与摘要")
	return c
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "校验并打印生效配置（敏感信息脱敏）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}

// outcomeReport is the printable form of an orchestrator.Outcome.
type outcomeReport struct {
	JobID         string           `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	Retries       map[string]int   `json:"retries,omitempty"`
	Summary       bool             `json:"summary"`
	SummarySkip   string           `json:"summary_skip_reason,omitempty"`
	Segments      int              `json:"segments"`
	Speakers      int              `json:"speakers"`
	DurationMilli int64            `json:"duration_ms"`
}

func outcomeReports(outs []orchestrator.Outcome) []outcomeReport {
	reports := make([]outcomeReport, 0, len(outs))
	for _, o := range outs {
		r := outcomeReport{
			JobID:         o.JobID,
			Status:        o.Status,
			Retries:       o.Retries,
			Summary:       o.SummaryProduced,
			SummarySkip:   o.SummarySkipReason,
			Segments:      o.Segments,
			Speakers:      o.Speakers,
			DurationMilli: o.Duration.Round(time.Millisecond).Milliseconds(),
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		reports = append(reports, r)
	}
	return reports
}
