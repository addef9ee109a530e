// Package align merges recognized speech segments with diarization
// intervals into a speaker-labeled transcript.
package align

import (
	"fmt"
	"sort"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

// LowConfidencePolicy decides what happens to segments whose confidence is
// below Options.ConfidenceThreshold.
type LowConfidencePolicy string

const (
	PolicyKeep LowConfidencePolicy = "keep"
	PolicyFlag LowConfidencePolicy = "flag"
	PolicyDrop LowConfidencePolicy = "drop"
)

// Valid reports whether p is a known policy.
func (p LowConfidencePolicy) Valid() bool {
	switch p {
	case PolicyKeep, PolicyFlag, PolicyDrop:
		return true
	}
	return false
}

// overlapEpsilon absorbs float noise when comparing overlaps, so two
// intervals covering the same span tie and the earlier one wins.
const overlapEpsilon = 1e-9

// Options configures alignment.
type Options struct {
	LowConfidence       LowConfidencePolicy `yaml:"low_confidence"`
	ConfidenceThreshold float64             `yaml:"confidence_threshold"`
}

// DefaultOptions keeps every segment.
func DefaultOptions() Options {
	return Options{LowConfidence: PolicyKeep, ConfidenceThreshold: 0.5}
}

// Input is everything the recognizer returned for a job.
type Input struct {
	JobID     string
	Language  string
	Duration  float64
	Segments  []models.TranscriptSegment
	Intervals []models.SpeakerInterval
}

// Stats summarizes one alignment run for logging.
type Stats struct {
	Segments         int `json:"segments"`
	Labeled          int `json:"labeled"`
	Unlabeled        int `json:"unlabeled"`
	Flagged          int `json:"flagged"`
	Dropped          int `json:"dropped"`
	Speakers         int `json:"speakers"`
	IgnoredIntervals int `json:"ignored_intervals"`
}

// Align labels every segment with the speaker whose interval overlaps it
// the most. A segment with no overlapping interval stays unlabeled; on
// equal overlap the interval that starts first wins. Zero-length segments
// take the first interval containing their timestamp. An empty interval
// list is not an error: every segment comes back unlabeled.
func Align(in Input, opts Options) (*models.Transcript, Stats, error) {
	if opts.LowConfidence == "" {
		opts.LowConfidence = PolicyKeep
	}
	if !opts.LowConfidence.Valid() {
		return nil, Stats{}, joberr.Fatal(joberr.ALIGN_FAILED,
			fmt.Sprintf("unknown low-confidence policy %q", opts.LowConfidence), nil)
	}

	intervals, ignored := sortedIntervals(in.Intervals)
	stats := Stats{IgnoredIntervals: ignored}

	out := make([]models.TranscriptSegment, 0, len(in.Segments))
	for i, seg := range in.Segments {
		if err := seg.Validate(); err != nil {
			return nil, Stats{}, joberr.Fatal(joberr.ALIGN_FAILED, fmt.Sprintf("invalid segment %d", i), err)
		}
		seg.Speaker = AssignSpeaker(seg, intervals)

		if seg.Confidence < opts.ConfidenceThreshold {
			switch opts.LowConfidence {
			case PolicyDrop:
				stats.Dropped++
				continue
			case PolicyFlag:
				seg.LowConfidence = true
				stats.Flagged++
			}
		}
		if seg.Speaker != "" {
			stats.Labeled++
		} else {
			stats.Unlabeled++
		}
		out = append(out, seg)
	}

	t, err := models.NewTranscript(in.JobID, in.Language, in.Duration, out)
	if err != nil {
		return nil, Stats{}, joberr.Fatal(joberr.ALIGN_FAILED, "failed to build transcript", err)
	}
	stats.Segments = t.Len()
	stats.Speakers = len(t.Speakers())
	return t, stats, nil
}

// AssignSpeaker picks the speaker for one segment. intervals must be sorted
// by start (stable), as returned by sortedIntervals.
func AssignSpeaker(seg models.TranscriptSegment, intervals []models.SpeakerInterval) string {
	if seg.Duration() <= 0 {
		for _, iv := range intervals {
			if iv.Start > seg.Start {
				break
			}
			if iv.Contains(seg.Start) {
				return iv.Speaker
			}
		}
		return ""
	}

	best, bestOverlap := "", 0.0
	for _, iv := range intervals {
		if iv.Start >= seg.End {
			break
		}
		if ov := iv.Overlap(seg.Start, seg.End); ov > bestOverlap+overlapEpsilon {
			best, bestOverlap = iv.Speaker, ov
		}
	}
	return best
}

// sortedIntervals drops untagged or reversed intervals and stable-sorts the
// rest by start time.
func sortedIntervals(in []models.SpeakerInterval) ([]models.SpeakerInterval, int) {
	out := make([]models.SpeakerInterval, 0, len(in))
	ignored := 0
	for _, iv := range in {
		if iv.Speaker == "" || iv.End < iv.Start {
			ignored++
			continue
		}
		out = append(out, iv)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, ignored
}
