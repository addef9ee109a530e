// Package store holds the worker's persistence adapters: the job queue, the
// write-once result sink and the object store audio is downloaded from.
package store

import (
	"context"
	"errors"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

var (
	// ErrNotFound is returned when a job or result does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned by Claim when another worker won the
	// conditional update, or the job is no longer queued.
	ErrAlreadyClaimed = errors.New("job already claimed")

	// ErrAlreadyExists is returned when a job id is reused or a result is
	// written twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned by UpdateStatus for any move the job
	// state machine does not allow, including updates from a worker that
	// does not hold the claim.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobStore is the shared queue of processing jobs.
type JobStore interface {
	// Enqueue inserts a new queued job.
	Enqueue(ctx context.Context, job models.Job) error

	// ListQueued returns up to limit queued jobs, oldest first.
	ListQueued(ctx context.Context, limit int) ([]models.Job, error)

	// Claim atomically moves a queued job to claimed for workerID. It is
	// the only cross-process mutation and fails with ErrAlreadyClaimed when
	// the job is not queued any more.
	Claim(ctx context.Context, id, workerID string) (*models.Job, error)

	// UpdateStatus finalizes a job claimed by workerID. errMsg is stored
	// only when status is failed.
	UpdateStatus(ctx context.Context, id, workerID string, status models.JobStatus, errMsg string) error

	Get(ctx context.Context, id string) (*models.Job, error)
}

// ResultSink persists job results. Both writes are write-once per job.
type ResultSink interface {
	SaveTranscript(ctx context.Context, t *models.Transcript) error
	SaveSummary(ctx context.Context, s *models.MeetingSummary) error
}

// ObjectStore resolves a job's audio reference and downloads it.
type ObjectStore interface {
	ResolveURL(ctx context.Context, job models.Job) (string, error)

	// Download writes the object at url to dst and returns its size.
	Download(ctx context.Context, url, dst string) (int64, error)
}
