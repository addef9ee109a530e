package audio

import "math"

// Q factors of the two biquad sections of a 4th-order Butterworth filter.
var butterworth4Q = [2]float64{0.54119610, 1.30656296}

// filterPadSamples caps the reflected padding used by filtfilt.
const filterPadSamples = 1000

type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

func newBiquad(b0, b1, b2, a0, a1, a2 float64) biquad {
	return biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// RBJ cookbook low-pass.
func lowPassBiquad(cutoff, rate, q float64) biquad {
	w0 := 2 * math.Pi * cutoff / rate
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	return newBiquad((1-cos)/2, 1-cos, (1-cos)/2, 1+alpha, -2*cos, 1-alpha)
}

// RBJ cookbook high-pass.
func highPassBiquad(cutoff, rate, q float64) biquad {
	w0 := 2 * math.Pi * cutoff / rate
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	return newBiquad((1+cos)/2, -(1 + cos), (1+cos)/2, 1+alpha, -2*cos, 1-alpha)
}

// process runs the section in place (transposed direct form II).
func (f biquad) process(x []float64) {
	var z1, z2 float64
	for i, in := range x {
		out := f.b0*in + z1
		z1 = f.b1*in - f.a1*out + z2
		z2 = f.b2*in - f.a2*out
		x[i] = out
	}
}

// BandPass keeps the band [lowHz, highHz] with 4th-order Butterworth
// sections applied forward and backward, so the result has no phase shift.
// A cutoff at or beyond Nyquist (or <= 0) disables that side.
func BandPass(samples []float64, rate int, lowHz, highHz float64) []float64 {
	nyquist := float64(rate) / 2
	var sections []biquad
	if lowHz > 0 && lowHz < nyquist {
		for _, q := range butterworth4Q {
			sections = append(sections, highPassBiquad(lowHz, float64(rate), q))
		}
	}
	if highHz > 0 && highHz < nyquist {
		for _, q := range butterworth4Q {
			sections = append(sections, lowPassBiquad(highHz, float64(rate), q))
		}
	}
	return filtfilt(samples, sections)
}

func filtfilt(x []float64, sections []biquad) []float64 {
	n := len(x)
	if n < 2 || len(sections) == 0 {
		out := make([]float64, n)
		copy(out, x)
		return out
	}

	// odd reflection at both ends keeps the start-up transient out of the signal
	pad := min(n-1, filterPadSamples)
	ext := make([]float64, n+2*pad)
	for i := 0; i < pad; i++ {
		ext[i] = 2*x[0] - x[pad-i]
		ext[pad+n+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(ext[pad:], x)

	for _, s := range sections {
		s.process(ext)
	}
	reverse(ext)
	for _, s := range sections {
		s.process(ext)
	}
	reverse(ext)

	out := make([]float64, n)
	copy(out, ext[pad:pad+n])
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
