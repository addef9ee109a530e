package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

// Skip reasons reported in Outcome.Reason.
const (
	SkipEmpty       = "empty_transcript"
	SkipUnavailable = "unavailable"
	SkipQuality     = "quality"
	SkipFailed      = "failed"
)

// Config tunes the map-reduce.
type Config struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	MinChars     int `yaml:"min_chars"`
	MaxChars     int `yaml:"max_chars"`
	MaxItems     int `yaml:"max_items"`

	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	MapConcurrency int           `yaml:"map_concurrency"`

	ExtractTopics    bool `yaml:"extract_topics"`
	ExtractSentiment bool `yaml:"extract_sentiment"`
}

// DefaultConfig returns 4000/200 chunking, a [100, 1000] summary and three
// attempts per call starting at a two second backoff.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      4000,
		ChunkOverlap:   200,
		MinChars:       100,
		MaxChars:       1000,
		MaxItems:       5,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		CallTimeout:    5 * time.Minute,
		HealthTimeout:  5 * time.Second,
		MapConcurrency: 2,
	}
}

// Outcome is the result of one summarization. Exactly one of Summary and
// Skipped is set; a skipped outcome never fails the job.
type Outcome struct {
	Summary    *models.MeetingSummary
	Skipped    bool
	Reason     string
	Err        error
	Chunks     int
	MapSkipped bool
	Retries    int
}

// Reducer runs the summarization pipeline against a Generator.
type Reducer struct {
	gen    Generator
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewReducer creates a Reducer.
func NewReducer(gen Generator, cfg Config, logger *slog.Logger) *Reducer {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MapConcurrency <= 0 {
		cfg.MapConcurrency = 1
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	return &Reducer{
		gen:    gen,
		cfg:    cfg,
		logger: logger.With("component", "summarizer"),
		now:    time.Now,
	}
}

// Summarize produces a summary for t or a skipped outcome. Any failure
// skips the whole summary; nothing partial is returned.
func (r *Reducer) Summarize(ctx context.Context, t *models.Transcript) Outcome {
	run := &summaryRun{r: r}
	out := run.execute(ctx, t)
	out.Retries = int(run.retries.Load())

	if out.Skipped {
		metrics.RecordSummarySkipped(out.Reason)
		r.logger.Warn("summary skipped", "job_id", t.JobID, "reason", out.Reason, "retries", out.Retries, "error", out.Err)
	} else {
		r.logger.Info("summary produced",
			"job_id", t.JobID,
			"chunks", out.Chunks,
			"map_skipped", out.MapSkipped,
			"summary_chars", utf8.RuneCountInString(out.Summary.Summary),
			"key_points", len(out.Summary.KeyPoints),
			"action_items", len(out.Summary.ActionItems),
			"retries", out.Retries)
	}
	return out
}

type summaryRun struct {
	r       *Reducer
	retries atomic.Int64
}

func (s *summaryRun) execute(ctx context.Context, t *models.Transcript) Outcome {
	r := s.r
	if t == nil || t.Len() == 0 {
		return skipped(SkipEmpty, joberr.Quality(joberr.SUMMARY_FAILED, "nothing to summarize", nil))
	}

	hctx := ctx
	if r.cfg.HealthTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, r.cfg.HealthTimeout)
		defer cancel()
	}
	if err := r.gen.HealthCheck(hctx); err != nil {
		return skipped(SkipUnavailable, joberr.Quality(joberr.SUMMARY_UNAVAILABLE, r.gen.Name()+" unavailable", err))
	}

	text := FormatTranscript(t)
	chunks, err := SplitText(text, r.cfg.ChunkSize, r.cfg.ChunkOverlap)
	if err != nil || len(chunks) == 0 {
		return skipped(SkipEmpty, joberr.Quality(joberr.SUMMARY_FAILED, "transcript has no text", err))
	}

	out := Outcome{Chunks: len(chunks)}
	material := chunks[0]
	if len(chunks) == 1 {
		out.MapSkipped = true
	} else {
		partials, err := s.mapChunks(ctx, chunks)
		if err != nil {
			return s.failed(err)
		}
		material = strings.Join(partials, "\n\n")
	}

	summary, err := s.call(ctx, "reduce", reducePrompt(material, r.cfg.MinChars, r.cfg.MaxChars))
	if err != nil {
		return s.failed(err)
	}
	if n := utf8.RuneCountInString(summary); n < r.cfg.MinChars || (r.cfg.MaxChars > 0 && n > r.cfg.MaxChars) {
		return skipped(SkipQuality, joberr.Quality(joberr.SUMMARY_QUALITY,
			fmt.Sprintf("summary length %d outside [%d, %d]", n, r.cfg.MinChars, r.cfg.MaxChars), nil))
	}

	ms := &models.MeetingSummary{
		JobID:     t.JobID,
		Summary:   summary,
		ModelUsed: r.gen.Name(),
	}

	reply, err := s.call(ctx, "key_points", keyPointsPrompt(summary, r.cfg.MaxItems))
	if err != nil {
		return s.failed(err)
	}
	ms.KeyPoints = ParseBullets(reply, r.cfg.MaxItems)

	reply, err = s.call(ctx, "action_items", actionItemsPrompt(summary, r.cfg.MaxItems))
	if err != nil && !joberr.Is(err, joberr.KindQuality) {
		return s.failed(err)
	}
	// an empty reply means there are no action items
	ms.ActionItems = ParseBullets(reply, r.cfg.MaxItems)

	if r.cfg.ExtractTopics {
		reply, err := s.call(ctx, "topics", topicsPrompt(summary, r.cfg.MaxItems))
		if err != nil {
			return s.failed(err)
		}
		ms.Topics = ParseBullets(reply, r.cfg.MaxItems)
	}
	if r.cfg.ExtractSentiment {
		reply, err := s.call(ctx, "sentiment", sentimentPrompt(summary))
		if err != nil {
			return s.failed(err)
		}
		ms.Sentiment = ParseSentiment(reply)
	}

	if ms.KeyPoints == nil {
		ms.KeyPoints = []string{}
	}
	if ms.ActionItems == nil {
		ms.ActionItems = []string{}
	}
	ms.CreatedAt = r.now().UTC()
	out.Summary = ms
	return out
}

// mapChunks summarizes every chunk, keeping chunk order.
func (s *summaryRun) mapChunks(ctx context.Context, chunks []string) ([]string, error) {
	partials := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.r.cfg.MapConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			reply, err := s.call(gctx, fmt.Sprintf("map[%d]", i), mapPrompt(chunk, i, len(chunks)))
			if err != nil {
				return err
			}
			partials[i] = reply
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return partials, nil
}

// call performs one generation with exponential backoff. Only transient
// errors are retried.
func (s *summaryRun) call(ctx context.Context, stage, prompt string) (string, error) {
	r := s.r
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialBackoff > 0 {
		b.InitialInterval = r.cfg.InitialBackoff
	}
	if r.cfg.MaxBackoff > 0 {
		b.MaxInterval = r.cfg.MaxBackoff
	}
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)

	var reply string
	op := func() error {
		cctx := ctx
		if r.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
		}
		out, err := r.gen.Generate(cctx, prompt)
		if err != nil {
			if !joberr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		reply = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.retries.Add(1)
		metrics.RecordRetry("summarize")
		r.logger.Warn("generation failed, retrying", "stage", stage, "backoff", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", err
	}
	return reply, nil
}

func (s *summaryRun) failed(err error) Outcome {
	var je *joberr.Error
	if errors.As(err, &je) && je.Kind == joberr.KindQuality {
		return skipped(SkipQuality, err)
	}
	return skipped(SkipFailed, joberr.Quality(joberr.SUMMARY_FAILED, "summarization failed", err))
}

func skipped(reason string, err error) Outcome {
	return Outcome{Skipped: true, Reason: reason, Err: err}
}
