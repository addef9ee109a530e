package models

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransition(t *testing.T) {
	all := []JobStatus{StatusQueued, StatusClaimed, StatusCompleted, StatusFailed}
	allowed := map[[2]JobStatus]bool{
		{StatusQueued, StatusClaimed}:    true,
		{StatusClaimed, StatusCompleted}: true,
		{StatusClaimed, StatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]JobStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusClaimed.Terminal())
	assert.False(t, JobStatus("running").Valid())
}

func TestJob_Validate(t *testing.T) {
	ok := Job{ID: "j1", Status: StatusQueued, AudioRef: "meetings/j1.wav"}
	require.NoError(t, ok.Validate())

	noRef := ok
	noRef.AudioRef = ""
	assert.Error(t, noRef.Validate())

	badStatus := ok
	badStatus.Status = "running"
	assert.Error(t, badStatus.Validate())
}

func TestNewTranscript_SortsAnyInputOrder(t *testing.T) {
	segs := make([]TranscriptSegment, 40)
	for i := range segs {
		segs[i] = TranscriptSegment{Start: float64(i), End: float64(i) + 0.5, Text: "x", Confidence: 0.9}
	}
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

		tr, err := NewTranscript("job", "en", 0, segs)
		require.NoError(t, err)

		out := tr.Segments()
		require.Len(t, out, len(segs))
		for i := 1; i < len(out); i++ {
			assert.LessOrEqual(t, out[i-1].Start, out[i].Start)
		}
	}
}

func TestNewTranscript_StableForEqualStarts(t *testing.T) {
	segs := []TranscriptSegment{
		{Start: 1, End: 2, Text: "first", Confidence: 1},
		{Start: 0, End: 1, Text: "zero", Confidence: 1},
		{Start: 1, End: 2, Text: "second", Confidence: 1},
	}
	tr, err := NewTranscript("job", "", 0, segs)
	require.NoError(t, err)

	out := tr.Segments()
	assert.Equal(t, []string{"zero", "first", "second"}, []string{out[0].Text, out[1].Text, out[2].Text})
	assert.Equal(t, 2.0, tr.Duration)
}

func TestNewTranscript_RejectsInvalidSegments(t *testing.T) {
	_, err := NewTranscript("job", "", 0, []TranscriptSegment{{Start: 2, End: 1}})
	assert.Error(t, err)

	_, err = NewTranscript("job", "", 0, []TranscriptSegment{{Start: 0, End: 1, Confidence: 1.5}})
	assert.Error(t, err)
}

func TestTranscript_SegmentsReturnsCopy(t *testing.T) {
	tr, err := NewTranscript("job", "", 0, []TranscriptSegment{{Start: 0, End: 1, Text: "a", Confidence: 1}})
	require.NoError(t, err)

	segs := tr.Segments()
	segs[0].Text = "mutated"
	assert.Equal(t, "a", tr.Segments()[0].Text)
}

func TestTranscript_JSONKeepsOrdering(t *testing.T) {
	raw := []byte(`{"job_id":"j","duration":3,"segments":[{"start":2,"end":3,"text":"b","confidence":1},{"start":0,"end":1,"text":"a","confidence":1}]}`)

	var tr Transcript
	require.NoError(t, json.Unmarshal(raw, &tr))
	assert.Equal(t, "a b", tr.Text())

	out, err := json.Marshal(&tr)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"job_id":"j"`)
}

func TestTranscript_Speakers(t *testing.T) {
	tr, err := NewTranscript("job", "", 0, []TranscriptSegment{
		{Start: 0, End: 1, Speaker: "B", Confidence: 1},
		{Start: 1, End: 2, Speaker: "A", Confidence: 1},
		{Start: 2, End: 3, Speaker: "B", Confidence: 1},
		{Start: 3, End: 4, Confidence: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, tr.Speakers())
}

func TestSpeakerInterval_Overlap(t *testing.T) {
	iv := SpeakerInterval{Start: 1, End: 3}
	assert.InDelta(t, 1.0, iv.Overlap(2, 5), 1e-9)
	assert.Equal(t, 0.0, iv.Overlap(3, 4))
	assert.True(t, iv.Contains(3))
	assert.False(t, iv.Contains(3.01))
}
