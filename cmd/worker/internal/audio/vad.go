package audio

import (
	"math"
	"sort"
)

// VADOptions tunes the energy-based voice activity detector.
type VADOptions struct {
	FrameMs int `yaml:"frame_ms"`
	// ThresholdRatio multiplies the noise floor (10th percentile frame RMS).
	ThresholdRatio float64 `yaml:"threshold_ratio"`
	// MinThreshold and MaxThreshold clamp the resulting RMS threshold.
	MinThreshold float64 `yaml:"min_threshold"`
	MaxThreshold float64 `yaml:"max_threshold"`
	MinSpeechMs  int     `yaml:"min_speech_ms"`
	MaxGapMs     int     `yaml:"max_gap_ms"`
}

// DefaultVADOptions returns 30 ms frames with a 3x noise floor threshold.
func DefaultVADOptions() VADOptions {
	return VADOptions{
		FrameMs:        30,
		ThresholdRatio: 3.0,
		MinThreshold:   0.01,
		MaxThreshold:   0.05,
		MinSpeechMs:    120,
		MaxGapMs:       300,
	}
}

// Interval is a voiced region in seconds.
type Interval struct {
	Start float64
	End   float64
}

// DetectVoice returns voiced intervals in chronological order. Gaps shorter
// than MaxGapMs are bridged; bursts shorter than MinSpeechMs are dropped.
func DetectVoice(samples []float64, rate int, opts VADOptions) []Interval {
	if rate <= 0 || len(samples) == 0 {
		return nil
	}
	frameLen := max(1, rate*max(opts.FrameMs, 1)/1000)
	frames := (len(samples) + frameLen - 1) / frameLen

	rms := make([]float64, frames)
	for f := range rms {
		end := min((f+1)*frameLen, len(samples))
		rms[f] = RMS(samples[f*frameLen : end])
	}

	sorted := append([]float64(nil), rms...)
	sort.Float64s(sorted)
	floor := sorted[int(0.1*float64(len(sorted)-1))]
	threshold := floor * opts.ThresholdRatio
	if opts.MaxThreshold > 0 {
		threshold = math.Min(threshold, opts.MaxThreshold)
	}
	threshold = math.Max(threshold, opts.MinThreshold)

	frameSec := float64(frameLen) / float64(rate)
	total := float64(len(samples)) / float64(rate)
	var runs []Interval
	inRun := false
	for f, v := range rms {
		voiced := v > threshold
		switch {
		case voiced && !inRun:
			runs = append(runs, Interval{Start: float64(f) * frameSec})
			inRun = true
		case !voiced && inRun:
			runs[len(runs)-1].End = float64(f) * frameSec
			inRun = false
		}
	}
	if inRun {
		runs[len(runs)-1].End = total
	}

	maxGap := float64(opts.MaxGapMs) / 1000
	var merged []Interval
	for _, r := range runs {
		if n := len(merged); n > 0 && r.Start-merged[n-1].End <= maxGap {
			merged[n-1].End = r.End
			continue
		}
		merged = append(merged, r)
	}

	minSpeech := float64(opts.MinSpeechMs) / 1000
	out := merged[:0]
	for _, r := range merged {
		if r.End-r.Start >= minSpeech {
			out = append(out, r)
		}
	}
	return out
}

// VoicedFraction reports how much of [start, end) is covered by intervals.
func VoicedFraction(intervals []Interval, start, end float64) float64 {
	if end <= start {
		return 0
	}
	var covered float64
	for _, iv := range intervals {
		lo, hi := math.Max(start, iv.Start), math.Min(end, iv.End)
		if hi > lo {
			covered += hi - lo
		}
	}
	return covered / (end - start)
}
