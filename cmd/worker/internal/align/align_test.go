package align

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

func seg(start, end float64, text string) models.TranscriptSegment {
	return models.TranscriptSegment{Start: start, End: end, Text: text, Confidence: 0.9}
}

func iv(start, end float64, speaker string) models.SpeakerInterval {
	return models.SpeakerInterval{Start: start, End: end, Speaker: speaker}
}

func speakers(t *models.Transcript) []string {
	var out []string
	for _, s := range t.Segments() {
		out = append(out, s.Speaker)
	}
	return out
}

func TestAlign_MaxOverlapWins(t *testing.T) {
	in := Input{
		JobID: "job-1",
		Segments: []models.TranscriptSegment{
			seg(0, 4, "hello everyone"),
			seg(4, 6, "thanks"),
			seg(10, 12, "anyone there"),
		},
		Intervals: []models.SpeakerInterval{
			iv(0, 3, "A"),
			iv(3, 6, "B"),
		},
	}

	tr, stats, err := Align(in, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", ""}, speakers(tr))
	assert.Equal(t, 3, stats.Segments)
	assert.Equal(t, 2, stats.Labeled)
	assert.Equal(t, 1, stats.Unlabeled)
	assert.Equal(t, 2, stats.Speakers)
}

func TestAlign_ContainmentLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 200; trial++ {
		start := rng.Float64() * 100
		length := 0.5 + rng.Float64()*10
		inner := start + rng.Float64()*length*0.5
		innerEnd := inner + rng.Float64()*(start+length-inner)

		in := Input{
			Segments: []models.TranscriptSegment{seg(inner, innerEnd, "x")},
			Intervals: []models.SpeakerInterval{
				iv(start+length+1, start+length+5, "OTHER"),
				iv(start, start+length, "OWNER"),
			},
		}
		tr, _, err := Align(in, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, "OWNER", tr.Segments()[0].Speaker, "segment [%f,%f] inside [%f,%f]", inner, innerEnd, start, start+length)
	}
}

func TestAlign_TieGoesToEarlierInterval(t *testing.T) {
	in := Input{
		Segments: []models.TranscriptSegment{seg(2, 4, "split evenly")},
		Intervals: []models.SpeakerInterval{
			iv(3, 6, "LATE"),
			iv(0, 3, "EARLY"),
		},
	}
	tr, _, err := Align(in, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "EARLY", tr.Segments()[0].Speaker)

	// same start: input order decides
	in.Intervals = []models.SpeakerInterval{iv(0, 5, "FIRST"), iv(0, 5, "SECOND")}
	tr, _, err = Align(in, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "FIRST", tr.Segments()[0].Speaker)
}

func TestAlign_ZeroLengthSegmentUsesContainment(t *testing.T) {
	in := Input{
		Segments: []models.TranscriptSegment{seg(3, 3, "uh"), seg(9, 9, "hm")},
		Intervals: []models.SpeakerInterval{
			iv(0, 3, "A"),
			iv(3, 5, "B"),
		},
	}
	tr, _, err := Align(in, DefaultOptions())
	require.NoError(t, err)
	// 3 sits on the shared boundary: the earlier interval wins
	assert.Equal(t, []string{"A", ""}, speakers(tr))
}

func TestAlign_NoIntervalsLeavesAllUnlabeled(t *testing.T) {
	in := Input{Segments: []models.TranscriptSegment{seg(0, 1, "a"), seg(1, 2, "b")}}
	tr, stats, err := Align(in, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"", ""}, speakers(tr))
	assert.Equal(t, 0, stats.Speakers)
}

func TestAlign_OutputSortedWhateverInputOrder(t *testing.T) {
	in := Input{
		Segments: []models.TranscriptSegment{seg(5, 6, "c"), seg(0, 1, "a"), seg(2, 3, "b")},
		Intervals: []models.SpeakerInterval{
			iv(4, 7, "Z"),
			iv(0, 3.5, "Y"),
		},
	}
	tr, _, err := Align(in, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "a b c", tr.Text())
	assert.Equal(t, []string{"Y", "Y", "Z"}, speakers(tr))
}

func TestAlign_LowConfidencePolicies(t *testing.T) {
	segs := []models.TranscriptSegment{
		{Start: 0, End: 1, Text: "clear", Confidence: 0.95},
		{Start: 1, End: 2, Text: "mumble", Confidence: 0.2},
	}

	tests := []struct {
		policy  LowConfidencePolicy
		wantLen int
		flagged bool
	}{
		{PolicyKeep, 2, false},
		{PolicyFlag, 2, true},
		{PolicyDrop, 1, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			tr, stats, err := Align(Input{Segments: segs}, Options{LowConfidence: tt.policy, ConfidenceThreshold: 0.5})
			require.NoError(t, err)
			require.Equal(t, tt.wantLen, tr.Len())
			if tt.wantLen == 2 {
				assert.Equal(t, tt.flagged, tr.Segments()[1].LowConfidence)
			}
			assert.Equal(t, 2-tt.wantLen, stats.Dropped)
		})
	}
}

func TestAlign_Errors(t *testing.T) {
	_, _, err := Align(Input{Segments: []models.TranscriptSegment{{Start: 2, End: 1}}}, DefaultOptions())
	assert.Equal(t, joberr.ALIGN_FAILED, joberr.CodeOf(err))

	_, _, err = Align(Input{}, Options{LowConfidence: "maybe"})
	assert.Error(t, err)

	_, stats, err := Align(Input{
		Segments:  []models.TranscriptSegment{seg(0, 1, "a")},
		Intervals: []models.SpeakerInterval{iv(1, 0, "BROKEN"), iv(0, 1, "")},
	}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.IgnoredIntervals)
}

// ============================================================================
// Chunk merging
// ============================================================================

func TestMergeChunks_SingleChunkOnlyShifts(t *testing.T) {
	segs, ivs := MergeChunks([]ChunkResult{{
		Index:     0,
		Offset:    5,
		Duration:  10,
		Segments:  []models.TranscriptSegment{seg(1, 2, "a")},
		Intervals: []models.SpeakerInterval{iv(0, 3, "SPEAKER_01")},
	}}, 0)

	require.Len(t, segs, 1)
	assert.Equal(t, 6.0, segs[0].Start)
	require.Len(t, ivs, 1)
	assert.Equal(t, "SPEAKER_01", ivs[0].Speaker)
	assert.Equal(t, 8.0, ivs[0].End)
}

func TestMergeChunks_DedupesOverlapByMidpoint(t *testing.T) {
	// chunks [0,10) and [9,19): boundary at 9.5
	chunks := []ChunkResult{
		{
			Index: 0, Offset: 0, Duration: 10,
			Segments: []models.TranscriptSegment{seg(8, 9.8, "crossing")},
		},
		{
			Index: 1, Offset: 9, Duration: 10,
			Segments: []models.TranscriptSegment{seg(0, 0.8, "crossing"), seg(2, 3, "later")},
		},
	}
	segs, _ := MergeChunks(chunks, 0)

	require.Len(t, segs, 2)
	assert.Equal(t, "crossing", segs[0].Text)
	assert.Equal(t, 8.0, segs[0].Start, "midpoint 8.9 belongs to the first chunk")
	assert.Equal(t, "later", segs[1].Text)
	assert.Equal(t, 11.0, segs[1].Start)
}

func TestMergeChunks_LinksSpeakersByEmbedding(t *testing.T) {
	alice := []float64{1, 0.1, 0}
	bob := []float64{0, 1, 0.1}

	chunks := []ChunkResult{
		{
			Index: 0, Offset: 0, Duration: 10,
			Intervals: []models.SpeakerInterval{
				{Start: 0, End: 4, Speaker: "S0", Embedding: alice},
				{Start: 4, End: 10, Speaker: "S1", Embedding: bob},
			},
		},
		{
			// the diarizer numbered the speakers the other way round here
			Index: 1, Offset: 9, Duration: 10,
			Intervals: []models.SpeakerInterval{
				{Start: 1, End: 5, Speaker: "S0", Embedding: []float64{0.05, 0.98, 0.1}},
				{Start: 5, End: 9, Speaker: "S1", Embedding: []float64{0.97, 0.12, 0.02}},
				{Start: 9, End: 10, Speaker: "S2", Embedding: []float64{0, 0, 1}},
			},
		},
	}

	_, ivs := MergeChunks(chunks, DefaultLinkThreshold)
	got := make(map[float64]string)
	for _, v := range ivs {
		got[v.Start] = v.Speaker
	}

	assert.Equal(t, "SPEAKER_00", got[0])
	assert.Equal(t, "SPEAKER_01", got[4])
	assert.Equal(t, "SPEAKER_01", got[10], "chunk-1 S0 is bob")
	assert.Equal(t, "SPEAKER_00", got[14], "chunk-1 S1 is alice")
	assert.Equal(t, "SPEAKER_02", got[18], "unmatched voice becomes a new speaker")

	// the first chunk's S1 interval is clipped at the 9.5 boundary
	for _, v := range ivs {
		if v.Start == 4 {
			assert.Equal(t, 9.5, v.End)
		}
	}
}

func TestMergeChunks_NoEmbeddingsPrefixesChunk(t *testing.T) {
	chunks := []ChunkResult{
		{Index: 0, Offset: 0, Duration: 5, Intervals: []models.SpeakerInterval{iv(0, 5, "S0")}},
		{Index: 1, Offset: 5, Duration: 5, Intervals: []models.SpeakerInterval{iv(0, 5, "S0")}},
	}
	_, ivs := MergeChunks(chunks, 0)
	require.Len(t, ivs, 2)
	assert.Equal(t, "chunk0_S0", ivs[0].Speaker)
	assert.Equal(t, "chunk1_S0", ivs[1].Speaker)
}

func TestMergeChunks_ThenAlign(t *testing.T) {
	voice := []float64{0.3, 0.9, 0.1}
	chunks := []ChunkResult{
		{
			Index: 0, Offset: 0, Duration: 10,
			Segments:  []models.TranscriptSegment{seg(1, 3, "first")},
			Intervals: []models.SpeakerInterval{{Start: 0, End: 10, Speaker: "S0", Embedding: voice}},
		},
		{
			Index: 1, Offset: 9, Duration: 10,
			Segments:  []models.TranscriptSegment{seg(3, 5, "second")},
			Intervals: []models.SpeakerInterval{{Start: 0, End: 10, Speaker: "S0", Embedding: voice}},
		},
	}
	segs, ivs := MergeChunks(chunks, DefaultLinkThreshold)
	tr, stats, err := Align(Input{JobID: "j", Segments: segs, Intervals: ivs}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"SPEAKER_00", "SPEAKER_00"}, speakers(tr))
	assert.Equal(t, 1, stats.Speakers)
}
