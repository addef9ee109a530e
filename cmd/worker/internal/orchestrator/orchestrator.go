// Package orchestrator polls the job store, claims queued meetings and runs
// each one through download, preprocessing, recognition, alignment and
// summarization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/align"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/audio"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/speech"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/store"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/summarize"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/workpool"
	"github.com/houzhh15/meeting-worker/pkg/logger"
	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

// Config holds orchestrator configuration.
type Config struct {
	// WorkerID identifies this process in claims. Must be unique across
	// workers sharing one job store.
	WorkerID string `yaml:"worker_id"`

	// PollInterval is the fixed ticker period for looking at the queue.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxConcurrentJobs bounds the number of claimed jobs in flight.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// ShutdownGrace is how long drain mode waits for in-flight jobs before
	// cancelling them.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// TempMaxAge is the age after which leftover job scopes in the shared
	// temp directory are removed at startup.
	TempMaxAge time.Duration `yaml:"temp_max_age"`

	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	RecognizeTimeout time.Duration `yaml:"recognize_timeout"`
	PersistTimeout   time.Duration `yaml:"persist_timeout"`

	Retry RetryConfig `yaml:"retry"`

	Align align.Options `yaml:"align"`

	// SpeakerLinkThreshold is the embedding cosine similarity above which
	// speakers from different chunks are treated as the same person.
	SpeakerLinkThreshold float64 `yaml:"speaker_link_threshold"`
}

// RetryConfig is the exponential backoff policy for transient failures.
// MaxAttempts counts the first try.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

const defaultAbandonWait = 5 * time.Second

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      10 * time.Second,
		MaxConcurrentJobs: 2,
		ShutdownGrace:     5 * time.Minute,
		TempMaxAge:        24 * time.Hour,
		DownloadTimeout:   5 * time.Minute,
		RecognizeTimeout:  30 * time.Minute,
		PersistTimeout:    30 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     time.Minute,
		},
		Align:                align.DefaultOptions(),
		SpeakerLinkThreshold: align.DefaultLinkThreshold,
	}
}

// Preprocessor canonicalizes downloaded audio. *audio.Preprocessor
// satisfies it.
type Preprocessor interface {
	Process(ctx context.Context, inputPath, workDir string) (*audio.Result, error)
}

// Summarizer produces a summary or a skipped outcome; it never fails a job.
// *summarize.Reducer satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, t *models.Transcript) summarize.Outcome
}

// ClaimGate can pause job intake. *degradation.ClaimGate satisfies it.
type ClaimGate interface {
	Open() bool
}

// Deps are the orchestrator's collaborators. Summarizer, Gate and
// OnJobFinished are optional.
type Deps struct {
	Jobs         store.JobStore
	Results      store.ResultSink
	Objects      store.ObjectStore
	Preprocessor Preprocessor
	Recognizer   speech.Recognizer
	Summarizer   Summarizer
	Pool         *workpool.Pool
	Paths        *dependency.PathManager
	Gate         ClaimGate

	// OnJobFinished is called once per claimed job, from the job's
	// goroutine, after the final status write.
	OnJobFinished func(Outcome)

	Logger *slog.Logger
}

// Status is a point-in-time view for the status API.
type Status struct {
	WorkerID       string     `json:"worker_id"`
	InFlight       int        `json:"in_flight"`
	MaxConcurrent  int        `json:"max_concurrent"`
	Draining       bool       `json:"draining"`
	Completed      int64      `json:"completed"`
	Failed         int64      `json:"failed"`
	Abandoned      int64      `json:"abandoned"`
	ClaimConflicts int64      `json:"claim_conflicts"`
	StartedAt      time.Time  `json:"started_at"`
	LastPollAt     *time.Time `json:"last_poll_at,omitempty"`
}

// Orchestrator owns the poll loop and the per-job pipelines.
//
// Run (or RunOnce) must not be called concurrently with itself.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	// jobCtx outlives the Run context so draining jobs can finish; it is
	// cancelled when the grace period runs out.
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	// abandonWait bounds the wait for cancelled jobs after the grace
	// period. Jobs still running then are left behind, claimed.
	abandonWait time.Duration
	running     sync.Map // job ID -> struct{}

	sweepOnce sync.Once
	startedAt time.Time
	lastPoll  atomic.Int64
	inFlight  atomic.Int64
	draining  atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	conflicts atomic.Int64
}

// New validates cfg and deps and returns an idle orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	var missing []string
	if deps.Jobs == nil {
		missing = append(missing, "Jobs")
	}
	if deps.Results == nil {
		missing = append(missing, "Results")
	}
	if deps.Objects == nil {
		missing = append(missing, "Objects")
	}
	if deps.Preprocessor == nil {
		missing = append(missing, "Preprocessor")
	}
	if deps.Recognizer == nil {
		missing = append(missing, "Recognizer")
	}
	if deps.Pool == nil {
		missing = append(missing, "Pool")
	}
	if deps.Paths == nil {
		missing = append(missing, "Paths")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies %v", missing)
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("orchestrator: worker ID is required")
	}

	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.SpeakerLinkThreshold <= 0 {
		cfg.SpeakerLinkThreshold = def.SpeakerLinkThreshold
	}

	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		logger:     log.With("component", "orchestrator", "worker_id", cfg.WorkerID),
		now:        time.Now,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		jobCtx:      jobCtx,
		cancelJobs:  cancel,
		abandonWait: defaultAbandonWait,
		startedAt:   time.Now(),
	}, nil
}

// Run polls on a fixed ticker until ctx is cancelled, then drains: no new
// claims, in-flight jobs get ShutdownGrace to finish, the rest are
// cancelled and keep their claimed status.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.sweepOnce.Do(o.sweepTemp)
	o.logger.Info("orchestrator started",
		"poll_interval", o.cfg.PollInterval,
		"max_concurrent_jobs", o.cfg.MaxConcurrentJobs)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.pollAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return nil
		case <-ticker.C:
			o.pollAndLog(ctx)
		}
	}
}

// RunOnce performs a single poll cycle and waits for the jobs it claimed.
// Cancelling ctx while they run drains them like Run does.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	o.sweepOnce.Do(o.sweepTemp)

	n, err := o.poll(ctx)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.drain()
	}
	return n, err
}

// Status returns counters and the current load.
func (o *Orchestrator) Status() Status {
	s := Status{
		WorkerID:       o.cfg.WorkerID,
		InFlight:       int(o.inFlight.Load()),
		MaxConcurrent:  o.cfg.MaxConcurrentJobs,
		Draining:       o.draining.Load(),
		Completed:      o.completed.Load(),
		Failed:         o.failed.Load(),
		Abandoned:      o.abandoned.Load(),
		ClaimConflicts: o.conflicts.Load(),
		StartedAt:      o.startedAt,
	}
	if ns := o.lastPoll.Load(); ns > 0 {
		t := time.Unix(0, ns)
		s.LastPollAt = &t
	}
	return s
}

func (o *Orchestrator) pollAndLog(ctx context.Context) {
	if _, err := o.poll(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("poll failed", "error", err)
	}
}

// poll claims up to the number of free slots. The semaphore is the bound;
// the in-flight count only sizes the queue listing.
func (o *Orchestrator) poll(ctx context.Context) (int, error) {
	o.lastPoll.Store(o.now().UnixNano())
	if o.draining.Load() {
		return 0, nil
	}
	if o.deps.Gate != nil && !o.deps.Gate.Open() {
		o.logger.Debug("job intake paused")
		return 0, nil
	}

	free := o.cfg.MaxConcurrentJobs - int(o.inFlight.Load())
	if free <= 0 {
		return 0, nil
	}
	queued, err := o.deps.Jobs.ListQueued(ctx, free)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}

	launched := 0
	for _, candidate := range queued {
		if !o.slots.TryAcquire(1) {
			break
		}
		job, err := o.deps.Jobs.Claim(ctx, candidate.ID, o.cfg.WorkerID)
		if err != nil {
			o.slots.Release(1)
			if errors.Is(err, store.ErrAlreadyClaimed) {
				o.conflicts.Add(1)
				metrics.RecordClaimConflict()
				o.logger.Debug("claim lost to another worker", "job_id", candidate.ID)
				continue
			}
			o.logger.Warn("claim failed", "job_id", candidate.ID, "error", err)
			continue
		}
		o.start(*job)
		launched++
	}
	return launched, nil
}

// start runs job in its own goroutine. The caller holds one slot, which
// the goroutine releases.
func (o *Orchestrator) start(job models.Job) {
	o.wg.Add(1)
	metrics.SetJobsInFlight(int(o.inFlight.Add(1)))

	o.running.Store(job.ID, struct{}{})

	go func() {
		defer o.wg.Done()
		defer o.slots.Release(1)
		defer func() { metrics.SetJobsInFlight(int(o.inFlight.Add(-1))) }()
		defer o.running.Delete(job.ID)

		outcome := o.process(o.jobCtx, job)
		if o.deps.OnJobFinished != nil {
			o.deps.OnJobFinished(outcome)
		}
	}()
}

func (o *Orchestrator) drain() {
	o.draining.Store(true)
	o.logger.Info("draining", "in_flight", o.inFlight.Load(), "grace", o.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		o.logger.Info("drained")
	case <-timer.C:
		o.logger.Warn("shutdown grace elapsed, abandoning in-flight jobs", "in_flight", o.inFlight.Load())
		o.cancelJobs()
		wait := time.NewTimer(o.abandonWait)
		defer wait.Stop()
		select {
		case <-done:
		case <-wait.C:
			// CPU-bound stages do not observe cancellation; leave them.
			o.logger.Warn("jobs still running after cancellation, leaving them claimed",
				"job_ids", o.runningJobs())
		}
	}
	o.cancelJobs()
}

func (o *Orchestrator) runningJobs() []string {
	var ids []string
	o.running.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) sweepTemp() {
	if o.cfg.TempMaxAge <= 0 {
		return
	}
	removed, err := o.deps.Paths.RemoveStaleScopes(o.cfg.TempMaxAge, o.now())
	if err != nil {
		o.logger.Warn("temp sweep failed", "dir", o.deps.Paths.BaseDir(), "error", err)
		return
	}
	if removed > 0 {
		o.logger.Info("removed stale job scopes", "dir", o.deps.Paths.BaseDir(), "count", removed)
	}
}
