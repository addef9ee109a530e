package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TranscriptSegment is a span of recognized speech.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	// Speaker is empty until alignment assigns a tag.
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence"`
	// LowConfidence is set by the aligner's flag policy.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Duration returns End - Start in seconds.
func (s TranscriptSegment) Duration() float64 {
	return s.End - s.Start
}

// Midpoint returns the center of the segment.
func (s TranscriptSegment) Midpoint() float64 {
	return (s.Start + s.End) / 2
}

// Validate rejects negative times, reversed spans and out of range confidence.
func (s TranscriptSegment) Validate() error {
	if s.Start < 0 {
		return fmt.Errorf("segment start %.3f is negative", s.Start)
	}
	if s.End < s.Start {
		return fmt.Errorf("segment end %.3f precedes start %.3f", s.End, s.Start)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("segment confidence %.3f outside [0,1]", s.Confidence)
	}
	return nil
}

// SpeakerInterval is a diarization span with a provisional speaker tag.
type SpeakerInterval struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	// Embedding is an optional fixed-length voice vector.
	Embedding []float64 `json:"embedding,omitempty"`
}

// Overlap returns the length in seconds of the intersection of the
// interval with [start, end], or 0 when they are disjoint.
func (iv SpeakerInterval) Overlap(start, end float64) float64 {
	lo := iv.Start
	if start > lo {
		lo = start
	}
	hi := iv.End
	if end < hi {
		hi = end
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// Contains reports whether t lies within the closed interval.
func (iv SpeakerInterval) Contains(t float64) bool {
	return iv.Start <= t && t <= iv.End
}

// Transcript is an ordered, speaker-labeled sequence of segments.
// Segments are always sorted by start time; the only way to build one is
// NewTranscript, which sorts and validates.
type Transcript struct {
	JobID    string
	Language string
	Duration float64
	segments []TranscriptSegment
}

// NewTranscript validates segs and returns a transcript holding a stably
// sorted copy (by start, then end).
func NewTranscript(jobID, language string, duration float64, segs []TranscriptSegment) (*Transcript, error) {
	sorted := make([]TranscriptSegment, len(segs))
	copy(sorted, segs)
	for i, s := range sorted {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})
	if n := len(sorted); n > 0 && sorted[n-1].End > duration {
		duration = sorted[n-1].End
	}
	return &Transcript{JobID: jobID, Language: language, Duration: duration, segments: sorted}, nil
}

// Segments returns a copy of the ordered segments.
func (t *Transcript) Segments() []TranscriptSegment {
	out := make([]TranscriptSegment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Len returns the number of segments.
func (t *Transcript) Len() int {
	return len(t.segments)
}

// Speakers returns the distinct speaker tags in order of first appearance.
func (t *Transcript) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range t.segments {
		if s.Speaker == "" || seen[s.Speaker] {
			continue
		}
		seen[s.Speaker] = true
		out = append(out, s.Speaker)
	}
	return out
}

// Text joins segment texts with single spaces.
func (t *Transcript) Text() string {
	parts := make([]string, 0, len(t.segments))
	for _, s := range t.segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

type transcriptJSON struct {
	JobID    string              `json:"job_id"`
	Language string              `json:"language,omitempty"`
	Duration float64             `json:"duration"`
	Segments []TranscriptSegment `json:"segments"`
}

// MarshalJSON implements json.Marshaler.
func (t *Transcript) MarshalJSON() ([]byte, error) {
	segs := t.segments
	if segs == nil {
		segs = []TranscriptSegment{}
	}
	return json.Marshal(transcriptJSON{JobID: t.JobID, Language: t.Language, Duration: t.Duration, Segments: segs})
}

// UnmarshalJSON goes through NewTranscript so decoded values keep the
// ordering guarantee.
func (t *Transcript) UnmarshalJSON(data []byte) error {
	var raw transcriptJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewTranscript(raw.JobID, raw.Language, raw.Duration, raw.Segments)
	if err != nil {
		return err
	}
	*t = *built
	return nil
}
