package audio

import "math"

// sincZeroCrossings is the half-width of the interpolation kernel in
// zero crossings of the (possibly lowered) cutoff.
const sincZeroCrossings = 16

// maxPhases bounds the polyphase table. Rate pairs with a larger reduced
// numerator fall back to evaluating the kernel per tap.
const maxPhases = 4096

// Resample converts samples between rates with a Hann-windowed sinc
// interpolator. When downsampling the cutoff drops to the target Nyquist.
// Equal rates return a copy.
func Resample(samples []float64, from, to int) []float64 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}

	g := gcd(from, to)
	up, down := to/g, from/g
	if up > maxPhases {
		return resampleDirect(samples, from, to)
	}

	ratio := float64(to) / float64(from)
	cutoff := math.Min(1, ratio)
	radius := sincZeroCrossings / cutoff
	reach := int(math.Ceil(radius))

	// Output i sits at i*down/up input samples; its fractional part takes
	// one of `up` values, so the kernel is tabulated once per phase.
	width := 2*reach + 1
	table := make([]float64, up*width)
	for phase := 0; phase < up; phase++ {
		frac := float64(phase) / float64(up)
		row := table[phase*width : (phase+1)*width]
		for t := range row {
			x := frac + float64(reach-t)
			row[t] = sinc(cutoff*x) * hann(x/radius)
		}
	}

	out := make([]float64, int(math.Round(float64(len(samples))*ratio)))
	last := len(samples) - 1
	for i := range out {
		pos := i * down
		base, phase := pos/up, pos%up
		row := table[phase*width : (phase+1)*width]

		var acc, wsum float64
		for t, w := range row {
			j := base - reach + t
			if j < 0 || j > last {
				continue
			}
			acc += samples[j] * w
			wsum += w
		}
		if wsum != 0 {
			out[i] = acc / wsum
		}
	}
	return out
}

// resampleDirect evaluates the kernel at every tap.
func resampleDirect(samples []float64, from, to int) []float64 {
	ratio := float64(to) / float64(from)
	cutoff := math.Min(1, ratio)
	radius := sincZeroCrossings / cutoff

	out := make([]float64, int(math.Round(float64(len(samples))*ratio)))
	last := len(samples) - 1
	for i := range out {
		center := float64(i) / ratio
		lo := max(int(math.Ceil(center-radius)), 0)
		hi := min(int(math.Floor(center+radius)), last)

		var acc, wsum float64
		for j := lo; j <= hi; j++ {
			x := center - float64(j)
			w := sinc(cutoff*x) * hann(x/radius)
			acc += samples[j] * w
			wsum += w
		}
		if wsum != 0 {
			out[i] = acc / wsum
		}
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// hann evaluates a Hann window on t in [-1, 1].
func hann(t float64) float64 {
	if t <= -1 || t >= 1 {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*t))
}
