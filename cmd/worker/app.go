package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/audio"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/config"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/degradation"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/health"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/speech"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/statusapi"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/store"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/summarize"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/workpool"
)

const poolCloseWait = 5 * time.Second

// app holds every long-lived component of a worker process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.SQLiteStore
	pool     *workpool.Pool
	orch     *orchestrator.Orchestrator
	gate     *degradation.ClaimGate
	checkers []*health.HealthChecker
	status   *statusapi.Server

	wg sync.WaitGroup
}

// openStore opens the SQLite job store and makes sure the schema exists.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	st, err := store.OpenSQLite(cfg.Store.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newApp wires the adapters into an orchestrator. onFinished may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, onFinished func(orchestrator.Outcome)) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := os.MkdirAll(cfg.Dependency.SharedVolumePath, 0o755); err != nil {
		return nil, fmt.Errorf("create temp volume: %w", err)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	deps, err := dependency.NewClient(cfg.Dependency, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	recognizer := speech.NewHTTPRecognizer(cfg.Speech, logger)
	ffmpegProbe := health.ProbeFunc{ProbeName: "ffmpeg", Check: deps.HealthCheck}

	speechChecker := health.NewHealthChecker(recognizer, cfg.Health.Interval, cfg.Health.FailThreshold, logger)
	ffmpegChecker := health.NewHealthChecker(ffmpegProbe, cfg.Health.Interval, cfg.Health.FailThreshold, logger)
	a.checkers = append(a.checkers, speechChecker, ffmpegChecker)

	// Only collaborators a job cannot complete without pause intake; a
	// missing summarizer just skips summaries.
	a.gate = degradation.NewClaimGate(logger, speechChecker, ffmpegChecker)

	var summarizer orchestrator.Summarizer
	if cfg.Summary.Enabled {
		gen := summarize.NewOllamaGenerator(cfg.Summary.Ollama, logger)
		summarizer = summarize.NewReducer(gen, cfg.Summary.Reducer, logger)
		genProbe := health.ProbeFunc{ProbeName: gen.Name(), Check: gen.HealthCheck}
		a.checkers = append(a.checkers, health.NewHealthChecker(genProbe, cfg.Health.Interval, cfg.Health.FailThreshold, logger))
	}

	a.pool = workpool.New(cfg.PreprocessWorkers, logger)

	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Jobs:          st,
		Results:       st,
		Objects:       store.NewHTTPObjectStore(cfg.ObjectStore, logger),
		Preprocessor:  audio.New(cfg.Audio, deps, logger),
		Recognizer:    recognizer,
		Summarizer:    summarizer,
		Pool:          a.pool,
		Paths:         deps.PathManager(),
		Gate:          a.gate,
		OnJobFinished: onFinished,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = orch

	if cfg.Status.Addr != "" {
		reporters := make([]statusapi.HealthReporter, 0, len(a.checkers))
		for _, c := range a.checkers {
			reporters = append(reporters, c)
		}
		a.status = statusapi.New(cfg.Status, statusapi.Deps{
			Orchestrator: orch,
			Store:        st,
			Health:       reporters,
			Gate:         a.gate,
			Version:      version,
			Logger:       logger,
		})
	}
	return a, nil
}

// checkOnce probes every collaborator synchronously so the gate reflects
// reality before the first poll.
func (a *app) checkOnce(ctx context.Context) {
	for _, c := range a.checkers {
		c.CheckNow(ctx)
	}
}

// startBackground launches the health checkers and the status server.
// They stop when ctx is cancelled.
func (a *app) startBackground(ctx context.Context) {
	for _, c := range a.checkers {
		a.wg.Add(1)
		go func(c *health.HealthChecker) {
			defer a.wg.Done()
			c.Start(ctx)
		}(c)
	}

	if a.status != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.status.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("status server failed", "error", err)
			}
		}()
	}
}

// Close stops background work and releases the store and the pool.
func (a *app) Close() {
	for _, c := range a.checkers {
		c.Stop()
	}
	a.wg.Wait()
	if a.pool != nil {
		// Abandoned jobs may still be running DSP tasks.
		closed := make(chan struct{})
		go func() {
			a.pool.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(poolCloseWait):
			a.logger.Warn("work pool still busy at exit", "running", a.pool.Running())
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
