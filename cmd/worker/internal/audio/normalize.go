package audio

import "math"

// Normalization modes.
const (
	NormalizePeak = "peak"
	NormalizeRMS  = "rms"
)

// Peak returns the largest absolute sample.
func Peak(samples []float64) float64 {
	var p float64
	for _, v := range samples {
		if a := math.Abs(v); a > p {
			p = a
		}
	}
	return p
}

// RMS returns the root mean square of samples.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PeakNormalize scales samples so the peak equals target. Silent input is
// returned unchanged.
func PeakNormalize(samples []float64, target float64) []float64 {
	out := make([]float64, len(samples))
	p := Peak(samples)
	if p == 0 {
		copy(out, samples)
		return out
	}
	g := target / p
	for i, v := range samples {
		out[i] = v * g
	}
	return out
}

// RMSNormalize scales samples to the target RMS, then limits the gain so
// the peak never exceeds ceiling.
func RMSNormalize(samples []float64, target, ceiling float64) []float64 {
	out := make([]float64, len(samples))
	r := RMS(samples)
	if r == 0 {
		copy(out, samples)
		return out
	}
	g := target / r
	if p := Peak(samples); p*g > ceiling {
		g = ceiling / p
	}
	for i, v := range samples {
		out[i] = v * g
	}
	return out
}
