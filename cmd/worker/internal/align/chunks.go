package align

import (
	"fmt"
	"math"
	"sort"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
	"github.com/houzhh15/meeting-worker/pkg/similarity"
)

// DefaultLinkThreshold is the minimum cosine similarity for two chunk-local
// speakers to be treated as the same person.
const DefaultLinkThreshold = 0.75

// ChunkResult is what the recognizer returned for one audio chunk, with
// times relative to the chunk start.
type ChunkResult struct {
	Index     int
	Offset    float64
	Duration  float64
	Segments  []models.TranscriptSegment
	Intervals []models.SpeakerInterval
}

// MergeChunks turns per-chunk results into job-wide segments and intervals.
//
// Times are shifted by each chunk's offset. Where two chunks overlap, the
// boundary is the middle of the shared region: a segment belongs to the
// chunk that contains its midpoint, and intervals are clipped to the
// chunk's own window. Chunk-local speaker tags are linked across chunks by
// comparing the centroids of their embeddings; a tag without embeddings is
// kept distinct by prefixing its chunk index. A single chunk is returned
// shifted but otherwise untouched.
func MergeChunks(chunks []ChunkResult, linkThreshold float64) ([]models.TranscriptSegment, []models.SpeakerInterval) {
	if len(chunks) == 0 {
		return nil, nil
	}
	sorted := make([]ChunkResult, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	if len(sorted) == 1 {
		c := sorted[0]
		return shiftSegments(c.Segments, c.Offset), shiftIntervals(c.Intervals, c.Offset)
	}

	linker := newSpeakerLinker(linkThreshold)
	var segs []models.TranscriptSegment
	var ivs []models.SpeakerInterval
	for i, c := range sorted {
		lo, hi := ownWindow(sorted, i)
		mapping := linker.link(c)

		for _, s := range shiftSegments(c.Segments, c.Offset) {
			if m := s.Midpoint(); m < lo || m >= hi {
				continue
			}
			segs = append(segs, s)
		}
		for _, iv := range shiftIntervals(c.Intervals, c.Offset) {
			iv.Start, iv.End = math.Max(iv.Start, lo), math.Min(iv.End, hi)
			if iv.End <= iv.Start {
				continue
			}
			if tag, ok := mapping[iv.Speaker]; ok {
				iv.Speaker = tag
			}
			ivs = append(ivs, iv)
		}
	}
	return segs, ivs
}

// ownWindow returns the half-open span of global time owned by chunk i.
func ownWindow(chunks []ChunkResult, i int) (float64, float64) {
	lo, hi := math.Inf(-1), math.Inf(1)
	c := chunks[i]
	if i > 0 {
		prevEnd := chunks[i-1].Offset + chunks[i-1].Duration
		lo = c.Offset
		if prevEnd > c.Offset {
			lo = (c.Offset + prevEnd) / 2
		}
	}
	if i < len(chunks)-1 {
		end := c.Offset + c.Duration
		next := chunks[i+1].Offset
		hi = end
		if end > next {
			hi = (next + end) / 2
		}
	}
	return lo, hi
}

func shiftSegments(in []models.TranscriptSegment, offset float64) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, len(in))
	for i, s := range in {
		s.Start += offset
		s.End += offset
		out[i] = s
	}
	return out
}

func shiftIntervals(in []models.SpeakerInterval, offset float64) []models.SpeakerInterval {
	out := make([]models.SpeakerInterval, len(in))
	for i, iv := range in {
		iv.Start += offset
		iv.End += offset
		out[i] = iv
	}
	return out
}

type globalSpeaker struct {
	tag      string
	centroid []float64
	weight   int
}

type speakerLinker struct {
	threshold float64
	speakers  []*globalSpeaker
}

func newSpeakerLinker(threshold float64) *speakerLinker {
	if threshold <= 0 {
		threshold = DefaultLinkThreshold
	}
	return &speakerLinker{threshold: threshold}
}

// link maps each local tag of c to a job-wide tag. Within one chunk two
// local tags never map to the same global speaker.
func (l *speakerLinker) link(c ChunkResult) map[string]string {
	var order []string
	embeddings := make(map[string][][]float64)
	for _, iv := range c.Intervals {
		if _, seen := embeddings[iv.Speaker]; !seen {
			order = append(order, iv.Speaker)
			embeddings[iv.Speaker] = nil
		}
		if len(iv.Embedding) > 0 {
			embeddings[iv.Speaker] = append(embeddings[iv.Speaker], iv.Embedding)
		}
	}

	mapping := make(map[string]string, len(order))
	used := make(map[*globalSpeaker]bool)
	for _, local := range order {
		centroid := similarity.Centroid(embeddings[local])
		if centroid == nil {
			mapping[local] = fmt.Sprintf("chunk%d_%s", c.Index, local)
			continue
		}

		var best *globalSpeaker
		var bestSim float64
		for _, g := range l.speakers {
			if used[g] {
				continue
			}
			sim := similarity.Cosine(centroid, g.centroid)
			if sim >= l.threshold && (best == nil || sim > bestSim) {
				best, bestSim = g, sim
			}
		}
		if best == nil {
			best = &globalSpeaker{tag: fmt.Sprintf("SPEAKER_%02d", len(l.speakers))}
			l.speakers = append(l.speakers, best)
		}
		best.absorb(centroid, len(embeddings[local]))
		used[best] = true
		mapping[local] = best.tag
	}
	return mapping
}

// absorb folds a centroid of n embeddings into the running mean.
func (g *globalSpeaker) absorb(centroid []float64, n int) {
	if g.centroid == nil {
		g.centroid = append([]float64(nil), centroid...)
		g.weight = n
		return
	}
	if len(centroid) != len(g.centroid) {
		return
	}
	total := float64(g.weight + n)
	for i := range g.centroid {
		g.centroid[i] = (g.centroid[i]*float64(g.weight) + centroid[i]*float64(n)) / total
	}
	g.weight += n
}
