// Package audio turns an uploaded recording into canonical speech audio:
// 16 kHz mono 16-bit PCM, denoised, band-limited, normalized and optionally
// trimmed and split into overlapping chunks.
package audio

// Buffer holds decoded samples in [-1, 1], one slice per channel.
type Buffer struct {
	SampleRate int
	Channels   [][]float64
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Downmix averages all channels into one.
func (b *Buffer) Downmix() []float64 {
	n := b.Frames()
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if len(b.Channels) == 1 {
		copy(out, b.Channels[0])
		return out
	}
	scale := 1 / float64(len(b.Channels))
	for _, ch := range b.Channels {
		for i, v := range ch {
			out[i] += v * scale
		}
	}
	return out
}
