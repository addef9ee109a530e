// Package models holds the records that flow between the worker's stages:
// jobs, transcripts, speaker intervals and summaries.
package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusClaimed   JobStatus = "claimed"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusClaimed, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition encodes queued -> claimed -> {completed, failed}.
// There is no unclaim and terminal statuses never move.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case StatusQueued:
		return to == StatusClaimed
	case StatusClaimed:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Job is one recording waiting for, or going through, processing.
type Job struct {
	ID       string    `json:"id"`
	Status   JobStatus `json:"status"`
	AudioRef string    `json:"audio_ref"`
	// WorkerID is set when the job is claimed.
	WorkerID string `json:"worker_id,omitempty"`
	// ErrorMessage is only populated for failed jobs.
	ErrorMessage string `json:"error_message,omitempty"`
	// ExpectedSpeakers is a diarization hint, 0 means auto-detect.
	ExpectedSpeakers int       `json:"expected_speakers,omitempty"`
	Language         string    `json:"language,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks the fields a queued job must carry.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.AudioRef == "" {
		return fmt.Errorf("job %s: audio_ref is required", j.ID)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: invalid status %q", j.ID, j.Status)
	}
	if j.ExpectedSpeakers < 0 {
		return fmt.Errorf("job %s: expected_speakers must not be negative", j.ID)
	}
	return nil
}

// AudioMetadata describes the canonical audio produced by preprocessing.
type AudioMetadata struct {
	Path       string  `json:"path"`
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	// Format is the container detected on the source file (wav, mp3, ...).
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
	// Checksum is the hex BLAKE2b-256 digest of the source file.
	Checksum string `json:"checksum,omitempty"`
}
