package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/align"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/audio"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/speech"
	"github.com/houzhh15/meeting-worker/pkg/logger"
	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

// Pipeline stage names, used in retry counts, durations and metrics.
const (
	StageDownload   = "download"
	StagePreprocess = "preprocess"
	StageRecognize  = "recognize"
	StageAlign      = "align"
	StageSummarize  = "summarize"
	StagePersist    = "persist"
)

// StatusAbandoned marks an Outcome whose job was cancelled by shutdown. It is
// never written to the store; the job stays claimed.
const StatusAbandoned models.JobStatus = "abandoned"

// Outcome describes how one claimed job ended.
type Outcome struct {
	JobID  string
	Status models.JobStatus
	// Err is the failure (or the cancellation, when abandoned).
	Err error

	// Retries counts retried attempts per stage. Summarization retries are
	// included under StageSummarize.
	Retries map[string]int

	SummaryProduced   bool
	SummarySkipReason string

	Segments int
	Speakers int

	Stages   map[string]time.Duration
	Duration time.Duration
}

// TotalRetries sums Retries over every stage.
func (o Outcome) TotalRetries() int {
	n := 0
	for _, r := range o.Retries {
		n += r
	}
	return n
}

// jobRun is the mutable state of one job's pipeline. Stages run
// sequentially on the job goroutine, so it needs no locking.
type jobRun struct {
	job     models.Job
	scope   string
	retries map[string]int
	stages  map[string]time.Duration

	transcript *models.Transcript
	summary    *models.MeetingSummary
	skipReason string
}

func (o *Orchestrator) process(ctx context.Context, job models.Job) Outcome {
	start := o.now()
	run := &jobRun{
		job:     job,
		retries: map[string]int{},
		stages:  map[string]time.Duration{},
	}
	logger.LogJobEvent(o.logger, job.ID, "claimed",
		slog.String("audio_ref", job.AudioRef),
		slog.String("language", job.Language),
		slog.Int("expected_speakers", job.ExpectedSpeakers))

	err := o.executeRecovered(ctx, run)

	out := Outcome{
		JobID:             job.ID,
		Err:               err,
		Retries:           run.retries,
		SummaryProduced:   run.summary != nil,
		SummarySkipReason: run.skipReason,
		Stages:            run.stages,
		Duration:          o.now().Sub(start),
	}
	if run.transcript != nil {
		out.Segments = run.transcript.Len()
		out.Speakers = len(run.transcript.Speakers())
	}

	switch {
	case err == nil:
		out.Status = models.StatusCompleted
		o.completed.Add(1)
		logger.LogJobEvent(o.logger, job.ID, "completed",
			slog.Duration("duration", out.Duration),
			slog.Int("segments", out.Segments),
			slog.Int("speakers", out.Speakers),
			slog.Bool("summary", out.SummaryProduced),
			slog.Int("retries", out.TotalRetries()))

	case ctx.Err() != nil:
		// Shutdown cancelled the job. Its claimed status stays as is.
		out.Status = StatusAbandoned
		o.abandoned.Add(1)
		logger.LogJobEvent(o.logger, job.ID, "abandoned",
			slog.Duration("duration", out.Duration),
			slog.String("cause", err.Error()))

	default:
		out.Status = models.StatusFailed
		o.failed.Add(1)
		metrics.RecordJobError(string(joberr.KindOf(err)), string(joberr.CodeOf(err)))
		o.markFailed(ctx, run, err)
		logger.LogJobEvent(o.logger, job.ID, "failed",
			slog.Duration("duration", out.Duration),
			slog.String("kind", string(joberr.KindOf(err))),
			slog.String("code", string(joberr.CodeOf(err))),
			slog.Int("retries", out.TotalRetries()),
			slog.String("error", err.Error()))
	}
	metrics.RecordJobFinished(string(out.Status))
	return out
}

// executeRecovered turns a panic anywhere in the pipeline into a Fatal
// error so the job is marked failed and the worker keeps going.
func (o *Orchestrator) executeRecovered(ctx context.Context, run *jobRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job pipeline panicked", "job_id", run.job.ID, "panic", r, "stack", string(debug.Stack()))
			err = joberr.Fatal(joberr.UNKNOWN, fmt.Sprintf("pipeline panicked: %v", r), nil)
		}
	}()
	return o.execute(ctx, run)
}

// execute runs the pipeline and marks the job completed. The job scope is
// removed on every exit path.
func (o *Orchestrator) execute(ctx context.Context, run *jobRun) error {
	scope, err := o.deps.Paths.NewJobScope(run.job.ID)
	if err != nil {
		return joberr.Fatal(joberr.PREPROCESS_FAILED, "failed to create job scope", err)
	}
	run.scope = scope
	defer o.removeScope(run)

	var src string
	if err := o.stage(run, StageDownload, func() (err error) {
		src, err = o.download(ctx, run)
		return err
	}); err != nil {
		return err
	}

	var pre *audio.Result
	if err := o.stage(run, StagePreprocess, func() (err error) {
		pre, err = o.preprocess(ctx, run, src)
		return err
	}); err != nil {
		return err
	}

	var rec *speech.Result
	if err := o.stage(run, StageRecognize, func() (err error) {
		rec, err = o.recognize(ctx, run, pre)
		return err
	}); err != nil {
		return err
	}

	if err := o.stage(run, StageAlign, func() error {
		return o.align(run, pre, rec)
	}); err != nil {
		return err
	}

	if o.deps.Summarizer != nil {
		o.stage(run, StageSummarize, func() error {
			o.summarize(ctx, run)
			return nil
		})
	} else {
		run.skipReason = "disabled"
	}

	return o.stage(run, StagePersist, func() error {
		return o.persist(ctx, run)
	})
}

// stage times fn and logs its boundaries.
func (o *Orchestrator) stage(run *jobRun, name string, fn func() error) error {
	start := time.Now()
	logger.LogJobEvent(o.logger, run.job.ID, "stage_start", slog.String("stage", name))

	err := fn()

	d := time.Since(start)
	run.stages[name] = d
	metrics.RecordStageDuration(name, d.Seconds())
	if err == nil {
		logger.LogJobEvent(o.logger, run.job.ID, "stage_done",
			slog.String("stage", name),
			slog.Duration("duration", d))
	}
	return err
}

func (o *Orchestrator) download(ctx context.Context, run *jobRun) (string, error) {
	dst := filepath.Join(run.scope, "source"+sourceExt(run.job.AudioRef))

	// A resolved URL is reused across attempts; signing is retried with the
	// download itself.
	var url string
	var size int64
	err := o.retry(ctx, run, StageDownload, func(ctx context.Context) error {
		dctx, cancel := withOptionalTimeout(ctx, o.cfg.DownloadTimeout)
		defer cancel()
		if url == "" {
			u, err := o.deps.Objects.ResolveURL(dctx, run.job)
			if err != nil {
				return err
			}
			url = u
		}
		n, err := o.deps.Objects.Download(dctx, url, dst)
		size = n
		return err
	})
	if err != nil {
		return "", err
	}
	logger.LogJobEvent(o.logger, run.job.ID, "downloaded", slog.Int64("bytes", size))
	return dst, nil
}

func (o *Orchestrator) preprocess(ctx context.Context, run *jobRun, src string) (*audio.Result, error) {
	var res *audio.Result
	err := o.retry(ctx, run, StagePreprocess, func(ctx context.Context) error {
		return o.deps.Pool.Do(ctx, func() error {
			r, err := o.deps.Preprocessor.Process(ctx, src, run.scope)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	logger.LogJobEvent(o.logger, run.job.ID, "preprocessed",
		slog.Float64("duration_seconds", res.Metadata.Duration),
		slog.Int("sample_rate", res.Metadata.SampleRate),
		slog.Int("chunks", len(res.Chunks)))
	return res, nil
}

// recognize sends the canonical audio to the recognizer, or each chunk in
// turn when the preprocessor split it, and merges chunk results into
// job-wide segments and intervals.
func (o *Orchestrator) recognize(ctx context.Context, run *jobRun, pre *audio.Result) (*speech.Result, error) {
	opts := speech.Options{Language: run.job.Language, ExpectedSpeakers: run.job.ExpectedSpeakers}
	call := func(audioPath string) (*speech.Result, error) {
		var res *speech.Result
		err := o.retry(ctx, run, StageRecognize, func(ctx context.Context) error {
			rctx, cancel := withOptionalTimeout(ctx, o.cfg.RecognizeTimeout)
			defer cancel()
			r, err := o.deps.Recognizer.Recognize(rctx, audioPath, opts)
			if err != nil {
				return err
			}
			if r == nil {
				return joberr.Fatal(joberr.STT_FAILED, "recognizer returned no result", nil)
			}
			res = r
			return nil
		})
		return res, err
	}

	if len(pre.Chunks) <= 1 {
		res, err := call(pre.Path)
		if err != nil {
			return nil, err
		}
		if res.Language == "" {
			res.Language = run.job.Language
		}
		return res, nil
	}

	parts := make([]align.ChunkResult, 0, len(pre.Chunks))
	language := ""
	for _, c := range pre.Chunks {
		res, err := call(c.Path)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c.Index, err)
		}
		if language == "" {
			language = res.Language
		}
		parts = append(parts, align.ChunkResult{
			Index:     c.Index,
			Offset:    c.Offset,
			Duration:  c.Duration,
			Segments:  res.Segments,
			Intervals: res.Intervals,
		})
	}
	if language == "" {
		language = run.job.Language
	}

	segs, intervals := align.MergeChunks(parts, o.cfg.SpeakerLinkThreshold)
	return &speech.Result{
		Segments:  segs,
		Intervals: intervals,
		Language:  language,
		Duration:  pre.Metadata.Duration,
	}, nil
}

func (o *Orchestrator) align(run *jobRun, pre *audio.Result, rec *speech.Result) error {
	duration := pre.Metadata.Duration
	if duration <= 0 {
		duration = rec.Duration
	}
	t, stats, err := align.Align(align.Input{
		JobID:     run.job.ID,
		Language:  rec.Language,
		Duration:  duration,
		Segments:  rec.Segments,
		Intervals: rec.Intervals,
	}, o.cfg.Align)
	if err != nil {
		return err
	}
	if t.Len() == 0 {
		return joberr.InputInvalid(joberr.EMPTY_TRANSCRIPT, "no speech was recognized", nil)
	}
	run.transcript = t
	logger.LogJobEvent(o.logger, run.job.ID, "aligned",
		slog.Int("segments", stats.Segments),
		slog.Int("labeled", stats.Labeled),
		slog.Int("unlabeled", stats.Unlabeled),
		slog.Int("dropped", stats.Dropped),
		slog.Int("speakers", stats.Speakers))
	return nil
}

// summarize never fails the job; a skipped outcome is only recorded.
func (o *Orchestrator) summarize(ctx context.Context, run *jobRun) {
	out := o.deps.Summarizer.Summarize(ctx, run.transcript)
	if out.Retries > 0 {
		run.retries[StageSummarize] += out.Retries
	}
	if out.Skipped || out.Summary == nil {
		run.skipReason = out.Reason
		return
	}
	run.summary = out.Summary
}

// persist stores the transcript, then the summary, then marks the job
// completed. A summary that cannot be stored is dropped, not fatal.
func (o *Orchestrator) persist(ctx context.Context, run *jobRun) error {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()

	if err := o.deps.Results.SaveTranscript(pctx, run.transcript); err != nil {
		return joberr.Fatal(joberr.STORE_FAILED, "failed to save transcript", err)
	}

	if run.summary != nil {
		if err := o.deps.Results.SaveSummary(pctx, run.summary); err != nil {
			o.logger.Warn("failed to save summary, continuing without it", "job_id", run.job.ID, "error", err)
			run.summary = nil
			run.skipReason = "persist_failed"
		}
	}

	if err := o.deps.Jobs.UpdateStatus(pctx, run.job.ID, o.cfg.WorkerID, models.StatusCompleted, ""); err != nil {
		return joberr.Fatal(joberr.STORE_FAILED, "failed to mark job completed", err)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, run *jobRun, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	if err := o.deps.Jobs.UpdateStatus(fctx, run.job.ID, o.cfg.WorkerID, models.StatusFailed, cause.Error()); err != nil {
		o.logger.Error("failed to mark job failed", "job_id", run.job.ID, "cause", cause, "error", err)
	}
}

func (o *Orchestrator) removeScope(run *jobRun) {
	if err := os.RemoveAll(run.scope); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("failed to remove job scope", "job_id", run.job.ID, "scope", run.scope, "error", err)
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// sourceExt keeps a short file extension from the audio reference so the
// decoder sees a familiar name.
func sourceExt(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ext := strings.ToLower(path.Ext(ref))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
