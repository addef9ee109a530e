package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/audio"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/speech"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/store"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/summarize"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/workpool"
	"github.com/houzhh15/meeting-worker/pkg/logger"
)

// fakeObjects serves a fixed payload; the first `timeouts` downloads fail
// with a transient timeout, the first `resolveTimeouts` resolves likewise.
type fakeObjects struct {
	mu       sync.Mutex
	payload  []byte
	timeouts int
	calls    int

	resolveTimeouts int
	resolves        int
}

func (f *fakeObjects) ResolveURL(ctx context.Context, job models.Job) (string, error) {
	f.mu.Lock()
	f.resolves++
	timedOut := f.resolves <= f.resolveTimeouts
	f.mu.Unlock()

	if timedOut {
		return "", joberr.Transient(joberr.DOWNLOAD_FAILED, "signing service timed out", context.DeadlineExceeded)
	}
	return "mem://" + job.AudioRef, nil
}

func (f *fakeObjects) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves
}

func (f *fakeObjects) Download(ctx context.Context, url, dst string) (int64, error) {
	f.mu.Lock()
	f.calls++
	timedOut := f.calls <= f.timeouts
	payload := f.payload
	f.mu.Unlock()

	if timedOut {
		return 0, joberr.Transient(joberr.DOWNLOAD_FAILED, "download timed out", context.DeadlineExceeded)
	}
	if err := os.WriteFile(dst, payload, 0o644); err != nil {
		return 0, err
	}
	return int64(len(payload)), nil
}

func (f *fakeObjects) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRecognizer records calls and can block until released.
type fakeRecognizer struct {
	mu       sync.Mutex
	paths    []string
	lastOpts speech.Options

	respond func(call int, audioPath string) (*speech.Result, error)
	block   chan struct{}
	started chan struct{}

	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeRecognizer) Recognize(ctx context.Context, audioPath string, opts speech.Options) (*speech.Result, error) {
	f.mu.Lock()
	f.paths = append(f.paths, audioPath)
	f.lastOpts = opts
	n := len(f.paths)
	f.mu.Unlock()

	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond != nil {
		return f.respond(n, audioPath)
	}
	return twoSpeakers(), nil
}

func (f *fakeRecognizer) HealthCheck(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeRecognizer) Name() string { return "fake-speech" }

func (f *fakeRecognizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

func twoSpeakers() *speech.Result {
	return &speech.Result{
		Segments: []models.TranscriptSegment{
			{Start: 0.5, End: 0.9, Text: "let's start with the roadmap", Confidence: 0.9},
			{Start: 0, End: 0.4, Text: "hello everyone", Confidence: 0.95},
		},
		Intervals: []models.SpeakerInterval{
			{Start: 0, End: 0.45, Speaker: "SPEAKER_00"},
			{Start: 0.45, End: 1, Speaker: "SPEAKER_01"},
		},
		Language: "en",
		Duration: 1,
	}
}

type fakeSummarizer struct {
	outcome summarize.Outcome
	calls   atomic.Int32
}

func (f *fakeSummarizer) Summarize(ctx context.Context, t *models.Transcript) summarize.Outcome {
	f.calls.Add(1)
	out := f.outcome
	if out.Summary != nil {
		s := *out.Summary
		s.JobID = t.JobID
		out.Summary = &s
	}
	return out
}

// stealingStore lets another worker win the claim race for selected jobs.
type stealingStore struct {
	*store.MemoryStore
	steal map[string]bool
}

func (s *stealingStore) Claim(ctx context.Context, id, workerID string) (*models.Job, error) {
	if s.steal[id] {
		if _, err := s.MemoryStore.Claim(ctx, id, "worker-other"); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.Claim(ctx, id, workerID)
}

type closedGate struct{}

func (closedGate) Open() bool { return false }

type harness struct {
	t          *testing.T
	cfg        Config
	deps       Deps
	store      *store.MemoryStore
	objects    *fakeObjects
	recognizer *fakeRecognizer
	summarizer *fakeSummarizer
	paths      *dependency.PathManager
	outcomes   chan Outcome
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-test"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownGrace = 5 * time.Second
	cfg.DownloadTimeout = time.Second
	cfg.RecognizeTimeout = 10 * time.Second
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return cfg
}

func wavBytes(t *testing.T, seconds float64) []byte {
	t.Helper()
	const rate = 16000
	samples := make([]float64, int(seconds*rate))
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/rate)
	}
	var buf bytes.Buffer
	require.NoError(t, audio.EncodeWAV(&buf, samples, rate))
	return buf.Bytes()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := workpool.New(2, logger.Nop())
	t.Cleanup(pool.Close)

	opts := audio.DefaultOptions()
	opts.NoiseReduction = false
	opts.BandPass = false

	h := &harness{
		t:          t,
		cfg:        testConfig(),
		store:      store.NewMemoryStore(),
		objects:    &fakeObjects{payload: wavBytes(t, 1)},
		recognizer: &fakeRecognizer{},
		summarizer: &fakeSummarizer{outcome: summarize.Outcome{Summary: &models.MeetingSummary{
			Summary:     strings.Repeat("The team reviewed the roadmap. ", 5),
			KeyPoints:   []string{"Roadmap reviewed"},
			ActionItems: []string{},
			ModelUsed:   "fake-model",
		}}},
		paths:    dependency.NewPathManager(t.TempDir()),
		outcomes: make(chan Outcome, 64),
	}
	h.deps = Deps{
		Jobs:          h.store,
		Results:       h.store,
		Objects:       h.objects,
		Preprocessor:  audio.New(opts, nil, logger.Nop()),
		Recognizer:    h.recognizer,
		Summarizer:    h.summarizer,
		Pool:          pool,
		Paths:         h.paths,
		OnJobFinished: func(o Outcome) { h.outcomes <- o },
		Logger:        logger.Nop(),
	}
	return h
}

func (h *harness) build() *Orchestrator {
	h.t.Helper()
	o, err := New(h.cfg, h.deps)
	require.NoError(h.t, err)
	return o
}

func (h *harness) enqueue(ids ...string) {
	h.t.Helper()
	for _, id := range ids {
		require.NoError(h.t, h.store.Enqueue(context.Background(), models.Job{
			ID:               id,
			AudioRef:         "meetings/" + id + ".wav",
			ExpectedSpeakers: 2,
			Language:         "en",
		}))
	}
}

func (h *harness) job(id string) *models.Job {
	h.t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return j
}

func (h *harness) nextOutcome() Outcome {
	h.t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a job outcome")
		return Outcome{}
	}
}

func (h *harness) assertTempEmpty() {
	h.t.Helper()
	entries, err := os.ReadDir(h.paths.BaseDir())
	require.NoError(h.t, err)
	assert.Empty(h.t, entries, "job scopes are removed")
}

func waitStarted(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d recognitions started", i, n)
		}
	}
}

func TestOrchestrator_CompletesJob(t *testing.T) {
	h := newHarness(t)
	h.enqueue("job-1")
	o := h.build()

	n, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.NoError(t, out.Err)
	assert.Zero(t, out.TotalRetries())
	assert.True(t, out.SummaryProduced)
	assert.Equal(t, 2, out.Segments)
	assert.Equal(t, 2, out.Speakers)
	for _, stage := range []string{StageDownload, StagePreprocess, StageRecognize, StageAlign, StageSummarize, StagePersist} {
		assert.Contains(t, out.Stages, stage)
	}

	j := h.job("job-1")
	assert.Equal(t, models.StatusCompleted, j.Status)
	assert.Equal(t, "worker-test", j.WorkerID)
	assert.Empty(t, j.ErrorMessage)

	tr, err := h.store.Transcript(context.Background(), "job-1")
	require.NoError(t, err)
	segs := tr.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, "hello everyone", segs[0].Text)
	assert.Equal(t, "SPEAKER_00", segs[0].Speaker)
	assert.Equal(t, "SPEAKER_01", segs[1].Speaker)
	assert.Equal(t, "en", tr.Language)

	sum, err := h.store.Summary(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "fake-model", sum.ModelUsed)

	assert.Equal(t, speech.Options{Language: "en", ExpectedSpeakers: 2}, h.recognizer.lastOpts)
	assert.Equal(t, int64(1), o.Status().Completed)
	assert.Zero(t, o.Status().InFlight)
	h.assertTempEmpty()
}

func TestOrchestrator_DownloadTimesOutTwiceThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.objects.timeouts = 2
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 2, out.Retries[StageDownload])
	assert.Equal(t, 2, out.TotalRetries())
	assert.Equal(t, 3, h.objects.callCount())
	assert.Equal(t, models.StatusCompleted, h.job("job-1").Status)
}

func TestOrchestrator_ResolveFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.objects.resolveTimeouts = 1
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	require.Equal(t, models.StatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, 1, out.Retries[StageDownload])
	assert.Equal(t, 2, h.objects.resolveCount())
	assert.Equal(t, 1, h.objects.callCount())
}

func TestOrchestrator_DownloadRetryReusesResolvedURL(t *testing.T) {
	h := newHarness(t)
	h.objects.timeouts = 2
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	require.Equal(t, models.StatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, 1, h.objects.resolveCount())
}

func TestOrchestrator_ZeroByteAudioFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.objects.payload = nil
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, joberr.KindInputInvalid, joberr.KindOf(out.Err))
	assert.Equal(t, joberr.AUDIO_CORRUPTED, joberr.CodeOf(out.Err))
	assert.Zero(t, out.TotalRetries())
	assert.Zero(t, h.recognizer.callCount())

	j := h.job("job-1")
	assert.Equal(t, models.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "AUDIO_CORRUPTED")

	_, err = h.store.Transcript(context.Background(), "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	h.assertTempEmpty()
}

func TestOrchestrator_RetryExhaustionFailsJob(t *testing.T) {
	h := newHarness(t)
	h.objects.timeouts = 100
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, joberr.KindFatal, joberr.KindOf(out.Err))
	assert.Equal(t, joberr.RETRY_EXHAUSTED, joberr.CodeOf(out.Err))
	assert.Equal(t, 2, out.Retries[StageDownload])
	assert.Equal(t, 3, h.objects.callCount())
	assert.Contains(t, h.job("job-1").ErrorMessage, "RETRY_EXHAUSTED")
}

func TestOrchestrator_RecognizerErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind joberr.Kind
		wantCode joberr.Code
		calls    int
	}{
		{"input invalid fails at once", joberr.InputInvalid(joberr.STT_FAILED, "unsupported language", nil), joberr.KindInputInvalid, joberr.STT_FAILED, 1},
		{"fatal fails at once", joberr.Fatal(joberr.STT_FAILED, "bad response", nil), joberr.KindFatal, joberr.STT_FAILED, 1},
		{"unavailable is retried then exhausted", joberr.Transient(joberr.STT_UNAVAILABLE, "503", nil), joberr.KindFatal, joberr.RETRY_EXHAUSTED, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.recognizer.respond = func(int, string) (*speech.Result, error) { return nil, tt.err }
			h.enqueue("job-1")

			_, err := h.build().RunOnce(context.Background())
			require.NoError(t, err)

			out := h.nextOutcome()
			assert.Equal(t, models.StatusFailed, out.Status)
			assert.Equal(t, tt.wantKind, joberr.KindOf(out.Err))
			assert.Equal(t, tt.wantCode, joberr.CodeOf(out.Err))
			assert.Equal(t, tt.calls, h.recognizer.callCount())
			assert.Equal(t, tt.calls-1, out.Retries[StageRecognize])
		})
	}
}

func TestOrchestrator_EmptyTranscriptIsInputInvalid(t *testing.T) {
	h := newHarness(t)
	h.recognizer.respond = func(int, string) (*speech.Result, error) {
		return &speech.Result{Language: "en", Duration: 1}, nil
	}
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, joberr.KindInputInvalid, joberr.KindOf(out.Err))
	assert.Equal(t, joberr.EMPTY_TRANSCRIPT, joberr.CodeOf(out.Err))
	assert.Zero(t, h.summarizer.calls.Load())
}

func TestOrchestrator_SummaryFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.summarizer.outcome = summarize.Outcome{
		Skipped: true,
		Reason:  summarize.SkipUnavailable,
		Err:     joberr.Quality(joberr.SUMMARY_UNAVAILABLE, "ollama is down", nil),
		Retries: 2,
	}
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.False(t, out.SummaryProduced)
	assert.Equal(t, summarize.SkipUnavailable, out.SummarySkipReason)
	assert.Equal(t, 2, out.Retries[StageSummarize])

	_, err = h.store.Transcript(context.Background(), "job-1")
	assert.NoError(t, err)
	_, err = h.store.Summary(context.Background(), "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOrchestrator_NoSummarizer(t *testing.T) {
	h := newHarness(t)
	h.deps.Summarizer = nil
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, "disabled", out.SummarySkipReason)
	assert.NotContains(t, out.Stages, StageSummarize)
}

func TestOrchestrator_SkipsClaimConflicts(t *testing.T) {
	h := newHarness(t)
	h.enqueue("job-1", "job-2")
	h.deps.Jobs = &stealingStore{MemoryStore: h.store, steal: map[string]bool{"job-1": true}}
	o := h.build()

	n, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := h.nextOutcome()
	assert.Equal(t, "job-2", out.JobID)
	assert.Equal(t, models.StatusCompleted, out.Status)

	stolen := h.job("job-1")
	assert.Equal(t, models.StatusClaimed, stolen.Status)
	assert.Equal(t, "worker-other", stolen.WorkerID)
	assert.Equal(t, int64(1), o.Status().ClaimConflicts)
	assert.Empty(t, h.outcomes, "a lost claim produces no outcome")
}

func TestOrchestrator_RespectsConcurrencyBound(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxConcurrentJobs = 2
	h.recognizer.block = make(chan struct{})
	h.recognizer.started = make(chan struct{}, 8)
	h.enqueue("job-1", "job-2", "job-3", "job-4", "job-5")
	o := h.build()
	ctx := context.Background()

	n, err := o.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	waitStarted(t, h.recognizer.started, 2)

	n, err = o.poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no claims beyond the bound")
	assert.Equal(t, 2, o.Status().InFlight)

	queued, err := h.store.ListQueued(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 3)

	close(h.recognizer.block)
	o.wg.Wait()

	for i := 0; i < 5 && o.Status().Completed < 5; i++ {
		_, err := o.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, h.recognizer.peak.Load(), int32(2))
	for _, id := range []string{"job-1", "job-2", "job-3", "job-4", "job-5"} {
		assert.Equal(t, models.StatusCompleted, h.job(id).Status, id)
	}
}

func TestOrchestrator_ClaimGateStopsIntake(t *testing.T) {
	h := newHarness(t)
	h.deps.Gate = closedGate{}
	h.enqueue("job-1")

	n, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusQueued, h.job("job-1").Status)
}

func TestOrchestrator_DrainWaitsForInFlightJobs(t *testing.T) {
	h := newHarness(t)
	h.recognizer.block = make(chan struct{})
	h.recognizer.started = make(chan struct{}, 4)
	h.enqueue("job-1")
	o := h.build()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitStarted(t, h.recognizer.started, 1)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, o.Status().Draining)

	h.enqueue("job-2")
	close(h.recognizer.block)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after drain")
	}

	assert.Equal(t, models.StatusCompleted, h.job("job-1").Status)
	assert.Equal(t, models.StatusQueued, h.job("job-2").Status, "no claims while draining")
}

func TestOrchestrator_DrainAbandonsAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.cfg.ShutdownGrace = 50 * time.Millisecond
	h.recognizer.block = make(chan struct{})
	h.recognizer.started = make(chan struct{}, 4)
	h.enqueue("job-1")
	o := h.build()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitStarted(t, h.recognizer.started, 1)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the grace period")
	}

	out := h.nextOutcome()
	assert.Equal(t, StatusAbandoned, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)

	j := h.job("job-1")
	assert.Equal(t, models.StatusClaimed, j.Status, "abandoned jobs keep their status")
	assert.Empty(t, j.ErrorMessage)
	assert.Equal(t, int64(1), o.Status().Abandoned)
	h.assertTempEmpty()
}

func TestOrchestrator_ChunkedRecognitionMergesChunks(t *testing.T) {
	h := newHarness(t)
	h.objects.payload = wavBytes(t, 3)

	opts := audio.DefaultOptions()
	opts.NoiseReduction = false
	opts.BandPass = false
	opts.Chunking = true
	opts.ChunkSeconds = 1
	opts.ChunkOverlapSeconds = 0.25
	h.deps.Preprocessor = audio.New(opts, nil, logger.Nop())

	h.recognizer.respond = func(call int, audioPath string) (*speech.Result, error) {
		return &speech.Result{
			Segments: []models.TranscriptSegment{
				{Start: 0.1, End: 0.3, Text: "part " + filepath.Base(audioPath), Confidence: 0.9},
			},
			Intervals: []models.SpeakerInterval{
				{Start: 0, End: 0.5, Speaker: "SPEAKER_00", Embedding: []float64{1, 0, 0}},
			},
			Language: "en",
		}, nil
	}
	h.enqueue("job-1")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	require.Equal(t, models.StatusCompleted, out.Status, "%v", out.Err)

	// 3 s in 1 s chunks stepping 0.75 s: offsets 0, 0.75, 1.5, 2.25
	assert.Equal(t, 4, h.recognizer.callCount())

	tr, err := h.store.Transcript(context.Background(), "job-1")
	require.NoError(t, err)
	segs := tr.Segments()
	require.Len(t, segs, 4)
	for i, want := range []float64{0.1, 0.85, 1.6, 2.35} {
		assert.InDelta(t, want, segs[i].Start, 1e-6)
	}
	assert.Len(t, tr.Speakers(), 1, "identical embeddings link to one speaker")
}

func TestOrchestrator_SweepsStaleScopesAtStartup(t *testing.T) {
	h := newHarness(t)
	stale := filepath.Join(h.paths.BaseDir(), "job-old-1234")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := New(h.cfg, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Jobs")
	assert.Contains(t, err.Error(), "Recognizer")

	cfg := h.cfg
	cfg.WorkerID = ""
	_, err = New(cfg, h.deps)
	assert.Error(t, err)

	cfg = h.cfg
	cfg.MaxConcurrentJobs = 0
	cfg.PollInterval = 0
	o, err := New(cfg, h.deps)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxConcurrentJobs, o.Status().MaxConcurrent)
}

func TestSourceExt(t *testing.T) {
	tests := map[string]string{
		"meetings/a.WAV":                    ".wav",
		"https://cdn/x/standup.m4a?sig=abc": ".m4a",
		"/data/recording.opus#t=3":          ".opus",
		"meetings/noext":                    "",
		"meetings/weird.ext with space":     "",
		"archive.tar.gz":                    ".gz",
	}
	for ref, want := range tests {
		assert.Equal(t, want, sourceExt(ref), ref)
	}
}

func TestOrchestrator_NilRecognizerResultFailsJob(t *testing.T) {
	h := newHarness(t)
	h.recognizer.respond = func(int, string) (*speech.Result, error) { return nil, nil }
	h.enqueue("job-1", "job-2")

	_, err := h.build().RunOnce(context.Background())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out := h.nextOutcome()
		assert.Equal(t, models.StatusFailed, out.Status)
		assert.Equal(t, joberr.KindFatal, joberr.KindOf(out.Err))
		assert.Equal(t, joberr.STT_FAILED, joberr.CodeOf(out.Err))
	}
	assert.Equal(t, models.StatusFailed, h.job("job-1").Status)
	assert.Equal(t, models.StatusFailed, h.job("job-2").Status)
}

// panickingSummarizer blows up inside the pipeline goroutine, outside the
// work pool.
type panickingSummarizer struct{}

func (panickingSummarizer) Summarize(ctx context.Context, t *models.Transcript) summarize.Outcome {
	panic("summarizer exploded")
}

func TestOrchestrator_PanicFailsJobAndWorkerContinues(t *testing.T) {
	h := newHarness(t)
	h.deps.Summarizer = panickingSummarizer{}
	h.enqueue("job-1")
	o := h.build()

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	out := h.nextOutcome()
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, joberr.KindFatal, joberr.KindOf(out.Err))
	assert.Contains(t, out.Err.Error(), "summarizer exploded")

	j := h.job("job-1")
	assert.Equal(t, models.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "panicked")
	h.assertTempEmpty()

	h.deps.Summarizer = h.summarizer
	h.enqueue("job-2")
	_, err = h.build().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, h.nextOutcome().Status)
}

// stuckPreprocessor ignores ctx until released, like a long DSP pass.
type stuckPreprocessor struct {
	started chan struct{}
	release chan struct{}
}

func (p *stuckPreprocessor) Process(ctx context.Context, inputPath, workDir string) (*audio.Result, error) {
	p.started <- struct{}{}
	<-p.release
	return nil, joberr.Fatal(joberr.PREPROCESS_FAILED, "released", nil)
}

func TestOrchestrator_DrainReturnsWhenJobIgnoresCancellation(t *testing.T) {
	h := newHarness(t)
	h.cfg.ShutdownGrace = 20 * time.Millisecond
	pre := &stuckPreprocessor{started: make(chan struct{}, 1), release: make(chan struct{})}
	h.deps.Preprocessor = pre
	h.enqueue("job-1")
	o := h.build()
	o.abandonWait = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitStarted(t, pre.started, 1)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored the shutdown grace period")
	}
	assert.Equal(t, []string{"job-1"}, o.runningJobs())

	// The job finishes later as abandoned and keeps its claim.
	close(pre.release)
	out := h.nextOutcome()
	assert.Equal(t, StatusAbandoned, out.Status)
	assert.Equal(t, models.StatusClaimed, h.job("job-1").Status)
}

func TestStatus_LastPollOmittedUntilFirstPoll(t *testing.T) {
	h := newHarness(t)
	o := h.build()

	raw, err := json.Marshal(o.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "last_poll_at")

	_, err = o.RunOnce(context.Background())
	require.NoError(t, err)
	st := o.Status()
	require.NotNil(t, st.LastPollAt)
	raw, err = json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "last_poll_at")
}
