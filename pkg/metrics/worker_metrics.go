package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal 作业结束计数
	// Labels: status (completed/failed/abandoned)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of jobs finished by final status",
		},
		[]string{"status"},
	)

	// JobErrorsTotal 作业失败按错误类别计数
	// Labels: kind (input_invalid/fatal/...), code (DOWNLOAD_FAILED/...)
	JobErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_errors_total",
			Help:      "Total number of job failures by error kind and code",
		},
		[]string{"kind", "code"},
	)

	// RetriesTotal 各阶段重试次数
	// Labels: stage (download/preprocess/recognize/summarize/persist)
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried attempts by pipeline stage",
		},
		[]string{"stage"},
	)

	// StageDuration 各阶段耗时直方图（秒）
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"stage"},
	)

	// JobsInFlight 正在处理的作业数
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// ClaimConflictsTotal 认领冲突次数（其他 worker 已认领）
	ClaimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Total number of claims rejected because another worker won",
		},
	)

	// SummariesSkippedTotal 摘要跳过次数
	// Labels: reason (unavailable/quality/failed/empty/disabled)
	SummariesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_skipped_total",
			Help:      "Total number of summaries skipped by reason",
		},
		[]string{"reason"},
	)

	// DependencyHealthy 外部依赖健康状态（0=不健康，1=健康）
	DependencyHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_healthy",
			Help:      "Health of external collaborators (0=unhealthy, 1=healthy)",
		},
		[]string{"name"},
	)
)

// RecordJobFinished 记录作业结束状态
func RecordJobFinished(status string) {
	JobsTotal.WithLabelValues(status).Inc()
}

// RecordJobError 记录作业失败原因
func RecordJobError(kind, code string) {
	JobErrorsTotal.WithLabelValues(kind, code).Inc()
}

// RecordRetry 记录一次阶段重试
func RecordRetry(stage string) {
	RetriesTotal.WithLabelValues(stage).Inc()
}

// RecordStageDuration 记录阶段耗时（秒）
func RecordStageDuration(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// SetJobsInFlight 设置在途作业数
func SetJobsInFlight(n int) {
	JobsInFlight.Set(float64(n))
}

// RecordClaimConflict 记录认领冲突
func RecordClaimConflict() {
	ClaimConflictsTotal.Inc()
}

// RecordSummarySkipped 记录摘要被跳过
func RecordSummarySkipped(reason string) {
	SummariesSkippedTotal.WithLabelValues(reason).Inc()
}

// SetDependencyHealthy 设置依赖健康状态
func SetDependencyHealthy(name string, healthy bool) {
	if healthy {
		DependencyHealthy.WithLabelValues(name).Set(1)
	} else {
		DependencyHealthy.WithLabelValues(name).Set(0)
	}
}
