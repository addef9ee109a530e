// Package summarize condenses a transcript into a MeetingSummary with a
// map-reduce over a text-generation service.
package summarize

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

// UnknownSpeaker labels segments the aligner left untagged.
const UnknownSpeaker = "Unknown"

// FormatTranscript renders one "Speaker [HH:MM:SS]: text" line per segment,
// NFC-normalized so chunk sizes count composed characters.
func FormatTranscript(t *models.Transcript) string {
	var b strings.Builder
	for _, s := range t.Segments() {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		speaker := s.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s [%s]: %s", speaker, FormatClock(s.Start), text)
	}
	return norm.NFC.String(b.String())
}

// FormatClock renders seconds as HH:MM:SS, truncating fractions.
func FormatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// SplitText cuts text into chunks of size runes where consecutive chunks
// share overlap runes. The first chunk followed by every later chunk minus
// its first overlap runes reproduces text exactly.
func SplitText(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; ; start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			return chunks, nil
		}
	}
}
