// Package speech provides the speech-to-text and diarization boundary of the
// worker. A Recognizer returns text segments without speakers and speaker
// intervals without text; joining the two is the aligner's job.
package speech

import (
	"context"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

// Options are per-request recognition hints. All fields are optional.
type Options struct {
	// Language forces an ISO 639-1 language; empty means auto-detect.
	Language string

	// ExpectedSpeakers is passed to the diarizer when known; 0 means auto.
	ExpectedSpeakers int

	// Model overrides the recognizer's default model.
	Model string
}

// Result is the output of one recognition call. Timestamps are relative to
// the start of the submitted file.
type Result struct {
	Segments  []models.TranscriptSegment
	Intervals []models.SpeakerInterval
	Language  string
	Duration  float64
}

// Recognizer transcribes and diarizes an audio file.
type Recognizer interface {
	// Recognize must respect ctx cancellation. Errors are joberr values so
	// callers can decide whether to retry.
	Recognize(ctx context.Context, audioPath string, opts Options) (*Result, error)

	// HealthCheck reports whether the service is ready.
	HealthCheck(ctx context.Context) (bool, error)

	Name() string
}
