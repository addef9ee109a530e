package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

// MemoryStore is an in-process JobStore and ResultSink for tests and local
// development. All methods are safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	order       []string
	transcripts map[string]*models.Transcript
	summaries   map[string]*models.MeetingSummary
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        map[string]*models.Job{},
		transcripts: map[string]*models.Transcript{},
		summaries:   map[string]*models.MeetingSummary{},
		now:         time.Now,
	}
}

// Enqueue implements JobStore.
func (m *MemoryStore) Enqueue(ctx context.Context, job models.Job) error {
	job, err := prepareQueued(job, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
	}
	m.jobs[job.ID] = &job
	m.order = append(m.order, job.ID)
	return nil
}

// ListQueued implements JobStore.
func (m *MemoryStore) ListQueued(ctx context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, id := range m.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j := m.jobs[id]; j.Status == models.StatusQueued {
			out = append(out, *j)
		}
	}
	return out, nil
}

// Claim implements JobStore.
func (m *MemoryStore) Claim(ctx context.Context, id, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status != models.StatusQueued {
		return nil, fmt.Errorf("job %s is %s: %w", id, j.Status, ErrAlreadyClaimed)
	}
	j.Status = models.StatusClaimed
	j.WorkerID = workerID
	j.UpdatedAt = m.now()
	claimed := *j
	return &claimed, nil
}

// UpdateStatus implements JobStore.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id, workerID string, status models.JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !j.Status.CanTransition(status) || status == models.StatusClaimed {
		return fmt.Errorf("job %s: %s -> %s: %w", id, j.Status, status, ErrInvalidTransition)
	}
	if j.WorkerID != workerID {
		return fmt.Errorf("job %s is held by %q, not %q: %w", id, j.WorkerID, workerID, ErrInvalidTransition)
	}
	j.Status = status
	j.ErrorMessage = ""
	if status == models.StatusFailed {
		j.ErrorMessage = errMsg
	}
	j.UpdatedAt = m.now()
	return nil
}

// Get implements JobStore.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	out := *j
	return &out, nil
}

// SaveTranscript implements ResultSink.
func (m *MemoryStore) SaveTranscript(ctx context.Context, t *models.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transcripts[t.JobID]; exists {
		return fmt.Errorf("transcript for job %s: %w", t.JobID, ErrAlreadyExists)
	}
	m.transcripts[t.JobID] = t
	return nil
}

// SaveSummary implements ResultSink.
func (m *MemoryStore) SaveSummary(ctx context.Context, s *models.MeetingSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.summaries[s.JobID]; exists {
		return fmt.Errorf("summary for job %s: %w", s.JobID, ErrAlreadyExists)
	}
	copied := *s
	m.summaries[s.JobID] = &copied
	return nil
}

// Transcript returns the saved transcript for jobID.
func (m *MemoryStore) Transcript(ctx context.Context, jobID string) (*models.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transcripts[jobID]
	if !ok {
		return nil, fmt.Errorf("transcript for job %s: %w", jobID, ErrNotFound)
	}
	return t, nil
}

// Summary returns the saved summary for jobID.
func (m *MemoryStore) Summary(ctx context.Context, jobID string) (*models.MeetingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.summaries[jobID]
	if !ok {
		return nil, fmt.Errorf("summary for job %s: %w", jobID, ErrNotFound)
	}
	out := *s
	return &out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func prepareQueued(job models.Job, now time.Time) (models.Job, error) {
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if err := job.Validate(); err != nil {
		return job, err
	}
	if job.Status != models.StatusQueued {
		return job, fmt.Errorf("job %s: new jobs must be queued, got %s", job.ID, job.Status)
	}
	job.WorkerID = ""
	job.ErrorMessage = ""
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	return job, nil
}
