package audio

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

// DenoiseOptions tunes spectral gating.
type DenoiseOptions struct {
	// PropDecrease is the fraction removed from bins judged to be noise (0..1).
	PropDecrease float64 `yaml:"prop_decrease"`
	// FrameSize is the FFT length in samples, rounded up to even.
	FrameSize int `yaml:"frame_size"`
	// NoiseQuantile selects the quietest fraction of frames used for the noise profile.
	NoiseQuantile float64 `yaml:"noise_quantile"`
	// ThresholdFactor: bins below factor × noise magnitude are attenuated.
	ThresholdFactor float64 `yaml:"threshold_factor"`
}

// DefaultDenoiseOptions returns the spectral gating defaults.
func DefaultDenoiseOptions() DenoiseOptions {
	return DenoiseOptions{
		PropDecrease:    0.8,
		FrameSize:       512,
		NoiseQuantile:   0.1,
		ThresholdFactor: 2.0,
	}
}

// ReduceNoise applies stationary spectral gating. The noise profile is the
// mean bin magnitude over the quietest frames; any bin that stays below
// ThresholdFactor times that profile is scaled by 1-PropDecrease. Frames use
// a square-root Hann window at 50% overlap for both analysis and synthesis.
func ReduceNoise(samples []float64, opts DenoiseOptions) []float64 {
	size := opts.FrameSize
	if size <= 0 {
		size = 512
	}
	size += size % 2
	hop := size / 2

	out := make([]float64, len(samples))
	if len(samples) < size || opts.PropDecrease <= 0 {
		copy(out, samples)
		return out
	}

	window := make([]float64, size)
	for i := range window {
		window[i] = math.Sqrt(0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size)))
	}

	frames := 1 + (len(samples)-size+hop-1)/hop
	padded := make([]float64, (frames-1)*hop+size)
	copy(padded, samples)

	fft := fourier.NewFFT(size)
	scale := inverseScale(fft, size)

	// quietest frames by time-domain energy
	energies := make([]frameEnergy, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for _, v := range padded[f*hop : f*hop+size] {
			sum += v * v
		}
		energies[f] = frameEnergy{index: f, energy: sum}
	}
	sort.SliceStable(energies, func(i, j int) bool { return energies[i].energy < energies[j].energy })
	noiseFrames := max(1, int(float64(frames)*opts.NoiseQuantile))

	bins := size/2 + 1
	profile := make([]float64, bins)
	seq := make([]float64, size)
	coeff := make([]complex128, bins)
	for _, fe := range energies[:noiseFrames] {
		windowed(seq, padded[fe.index*hop:], window)
		coeff = fft.Coefficients(coeff, seq)
		for k, c := range coeff {
			profile[k] += cmplx.Abs(c)
		}
	}
	for k := range profile {
		profile[k] = profile[k] / float64(noiseFrames) * opts.ThresholdFactor
	}

	floorGain := 1 - math.Min(opts.PropDecrease, 1)
	acc := make([]float64, len(padded))
	norm := make([]float64, len(padded))
	for f := 0; f < frames; f++ {
		pos := f * hop
		windowed(seq, padded[pos:], window)
		coeff = fft.Coefficients(coeff, seq)
		for k, c := range coeff {
			if cmplx.Abs(c) < profile[k] {
				coeff[k] = c * complex(floorGain, 0)
			}
		}
		seq = fft.Sequence(seq, coeff)
		for i, v := range seq {
			acc[pos+i] += v * scale * window[i]
			norm[pos+i] += window[i] * window[i]
		}
	}

	for i := range out {
		if norm[i] > 1e-6 {
			out[i] = acc[i] / norm[i]
		} else {
			out[i] = samples[i] * floorGain
		}
	}
	return out
}

type frameEnergy struct {
	index  int
	energy float64
}

func windowed(dst, src, window []float64) {
	for i := range dst {
		dst[i] = src[i] * window[i]
	}
}

// inverseScale measures the factor that makes Sequence(Coefficients(x)) == x.
func inverseScale(fft *fourier.FFT, size int) float64 {
	delta := make([]float64, size)
	delta[0] = 1
	back := fft.Sequence(nil, fft.Coefficients(nil, delta))
	if back[0] == 0 {
		return 1 / float64(size)
	}
	return 1 / back[0]
}
