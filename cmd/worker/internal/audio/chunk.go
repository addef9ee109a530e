package audio

import "fmt"

// Span is a half-open sample range [Start, End).
type Span struct {
	Start int
	End   int
}

// SplitChunks covers [0, total) with spans of length samples, consecutive
// spans sharing overlap samples. The last span ends exactly at total and may
// be shorter.
func SplitChunks(total, length, overlap int) ([]Span, error) {
	if length <= 0 {
		return nil, fmt.Errorf("chunk length must be positive, got %d", length)
	}
	if overlap < 0 || overlap >= length {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", length, overlap)
	}
	if total <= 0 {
		return nil, nil
	}

	step := length - overlap
	var spans []Span
	for start := 0; ; start += step {
		end := min(start+length, total)
		spans = append(spans, Span{Start: start, End: end})
		if end == total {
			return spans, nil
		}
	}
}
