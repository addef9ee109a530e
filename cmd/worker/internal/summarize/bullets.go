package summarize

import (
	"strings"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
	"github.com/houzhh15/meeting-worker/pkg/similarity"
)

// ParseBullets extracts list items from a generated reply. Lines starting
// with -, •, * or "1." / "1)" and a space count; everything else is ignored.
// Near-duplicate items are removed and at most limit remain.
func ParseBullets(reply string, limit int) []string {
	var items []string
	for _, line := range strings.Split(reply, "\n") {
		if item, ok := bulletText(strings.TrimSpace(line)); ok && item != "" {
			items = append(items, item)
		}
	}
	items = similarity.DedupeNearDuplicates(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// bulletText strips a list marker. The marker must be followed by
// whitespace, so "3.5 hours" and "**Bold**" are prose, not items.
func bulletText(line string) (string, bool) {
	if line == "" {
		return "", false
	}
	for _, marker := range []string{"-", "•", "*"} {
		if rest, ok := strings.CutPrefix(line, marker); ok {
			return afterMarker(rest)
		}
	}

	digits := 0
	for _, r := range line {
		if r < '0' || r > '9' {
			break
		}
		digits++
	}
	if digits > 0 && digits < len(line) && (line[digits] == '.' || line[digits] == ')') {
		return afterMarker(line[digits+1:])
	}
	return "", false
}

func afterMarker(rest string) (string, bool) {
	if rest == "" {
		return "", true
	}
	if rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// ParseSentiment returns the first sentiment label mentioned in reply, or
// neutral when none is.
func ParseSentiment(reply string) string {
	lower := strings.ToLower(reply)
	best, bestAt := models.SentimentNeutral, -1
	for _, label := range []string{
		models.SentimentPositive,
		models.SentimentNegative,
		models.SentimentMixed,
		models.SentimentNeutral,
	} {
		if at := strings.Index(lower, label); at >= 0 && (bestAt < 0 || at < bestAt) {
			best, bestAt = label, at
		}
	}
	return best
}
