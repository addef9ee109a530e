package audio

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

// Options toggles and tunes preprocessing stages. Resampling, downmix and
// normalization always run.
type Options struct {
	TargetSampleRate int   `yaml:"target_sample_rate"`
	MinFileBytes     int64 `yaml:"min_file_bytes"`
	MaxFileBytes     int64 `yaml:"max_file_bytes"`

	NoiseReduction bool           `yaml:"noise_reduction"`
	Denoise        DenoiseOptions `yaml:"denoise"`

	BandPass  bool    `yaml:"band_pass"`
	LowCutHz  float64 `yaml:"low_cut_hz"`
	HighCutHz float64 `yaml:"high_cut_hz"`

	Normalization string  `yaml:"normalization"` // peak | rms
	PeakTarget    float64 `yaml:"peak_target"`
	RMSTarget     float64 `yaml:"rms_target"`

	TrimSilence bool       `yaml:"trim_silence"`
	VAD         VADOptions `yaml:"vad"`

	Chunking            bool    `yaml:"chunking"`
	ChunkSeconds        float64 `yaml:"chunk_seconds"`
	ChunkOverlapSeconds float64 `yaml:"chunk_overlap_seconds"`
	// SkipSilentChunks drops chunks with no detected voice.
	SkipSilentChunks bool `yaml:"skip_silent_chunks"`
}

// DefaultOptions returns the production defaults: 16 kHz, denoise and
// band-pass on, peak normalization, no trimming, no chunking.
func DefaultOptions() Options {
	return Options{
		TargetSampleRate:    16000,
		MinFileBytes:        1024,
		MaxFileBytes:        500 << 20,
		NoiseReduction:      true,
		Denoise:             DefaultDenoiseOptions(),
		BandPass:            true,
		LowCutHz:            80,
		HighCutHz:           7600,
		Normalization:       NormalizePeak,
		PeakTarget:          0.95,
		RMSTarget:           0.1,
		VAD:                 DefaultVADOptions(),
		ChunkSeconds:        10,
		ChunkOverlapSeconds: 1,
	}
}

// Converter decodes arbitrary containers into PCM WAV.
type Converter interface {
	ConvertAudio(ctx context.Context, inputPath, outputPath string, sampleRate int) error
}

// ChunkFile is one chunk written to disk; Offset is its start in the
// canonical audio, in seconds.
type ChunkFile struct {
	Index    int
	Path     string
	Offset   float64
	Duration float64
}

// Result is the output of Process.
type Result struct {
	Path     string
	Metadata models.AudioMetadata
	Chunks   []ChunkFile
	Voiced   []Interval
}

// Preprocessor runs the canonicalization pipeline.
type Preprocessor struct {
	opts      Options
	converter Converter
	logger    *slog.Logger
}

// New creates a Preprocessor. converter may be nil, in which case only WAV
// input can be decoded.
func New(opts Options, converter Converter, logger *slog.Logger) *Preprocessor {
	if opts.TargetSampleRate <= 0 {
		opts.TargetSampleRate = 16000
	}
	if opts.PeakTarget <= 0 || opts.PeakTarget > 1 {
		opts.PeakTarget = 0.95
	}
	return &Preprocessor{
		opts:      opts,
		converter: converter,
		logger:    logger.With("component", "audio_preprocessor"),
	}
}

// Options returns the effective options.
func (p *Preprocessor) Options() Options {
	return p.opts
}

// Process validates and decodes inputPath, writes the canonical WAV (and
// chunks, when enabled) into workDir and returns their metadata. It is
// CPU-bound; callers dispatch it onto the worker pool.
func (p *Preprocessor) Process(ctx context.Context, inputPath, workDir string) (*Result, error) {
	start := time.Now()

	info, err := Validate(inputPath, p.opts.MinFileBytes, p.opts.MaxFileBytes)
	if err != nil {
		return nil, err
	}

	buf, err := p.decode(ctx, inputPath, workDir, info)
	if err != nil {
		return nil, err
	}
	if buf.Frames() == 0 {
		return nil, joberr.InputInvalid(joberr.AUDIO_CORRUPTED, "audio has zero duration", nil)
	}
	sourceRate, sourceChannels := buf.SampleRate, len(buf.Channels)

	samples := Resample(buf.Downmix(), buf.SampleRate, p.opts.TargetSampleRate)
	rate := p.opts.TargetSampleRate
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.opts.NoiseReduction {
		samples = ReduceNoise(samples, p.opts.Denoise)
	}
	if p.opts.BandPass {
		samples = BandPass(samples, rate, p.opts.LowCutHz, p.opts.HighCutHz)
	}
	samples = p.normalize(samples)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var voiced []Interval
	if p.opts.TrimSilence || p.opts.SkipSilentChunks {
		voiced = DetectVoice(samples, rate, p.opts.VAD)
	}
	if p.opts.TrimSilence {
		samples, voiced = trimEdges(samples, rate, voiced)
	}

	outPath := filepath.Join(workDir, "preprocessed.wav")
	if err := WriteWAVFile(outPath, samples, rate); err != nil {
		return nil, joberr.Fatal(joberr.PREPROCESS_FAILED, "failed to write canonical audio", err)
	}
	st, err := os.Stat(outPath)
	if err != nil {
		return nil, joberr.Fatal(joberr.PREPROCESS_FAILED, "failed to stat canonical audio", err)
	}
	sum, err := checksumFile(inputPath)
	if err != nil {
		return nil, joberr.Fatal(joberr.PREPROCESS_FAILED, "failed to checksum source audio", err)
	}

	res := &Result{
		Path: outPath,
		Metadata: models.AudioMetadata{
			Path:       outPath,
			Duration:   float64(len(samples)) / float64(rate),
			SampleRate: rate,
			Channels:   1,
			Format:     info.Format,
			SizeBytes:  st.Size(),
			Checksum:   sum,
		},
		Voiced: voiced,
	}

	if p.opts.Chunking {
		chunks, err := p.writeChunks(samples, rate, voiced, workDir)
		if err != nil {
			return nil, err
		}
		res.Chunks = chunks
	}

	p.logger.Info("audio preprocessed",
		"format", info.Format,
		"source_rate", sourceRate,
		"source_channels", sourceChannels,
		"duration_sec", res.Metadata.Duration,
		"chunks", len(res.Chunks),
		"elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (p *Preprocessor) decode(ctx context.Context, inputPath, workDir string, info FileInfo) (*Buffer, error) {
	if info.Format == "wav" {
		buf, err := ReadWAVFile(inputPath)
		if err == nil {
			return buf, nil
		}
		if p.converter == nil {
			return nil, joberr.InputInvalid(joberr.AUDIO_CORRUPTED, "failed to decode WAV", err)
		}
		// compressed WAV payloads (ADPCM, mu-law) go through the converter
		p.logger.Debug("native WAV decode failed, converting", "error", err)
	}

	if p.converter == nil {
		return nil, joberr.Fatal(joberr.DECODER_UNAVAILABLE,
			fmt.Sprintf("no decoder configured for %s input", info.Format), nil)
	}
	converted := filepath.Join(workDir, "decoded.wav")
	if err := p.converter.ConvertAudio(ctx, inputPath, converted, p.opts.TargetSampleRate); err != nil {
		return nil, err
	}
	buf, err := ReadWAVFile(converted)
	if err != nil {
		return nil, joberr.Fatal(joberr.PREPROCESS_FAILED, "converter produced unreadable WAV", err)
	}
	return buf, nil
}

func (p *Preprocessor) normalize(samples []float64) []float64 {
	if p.opts.Normalization == NormalizeRMS && p.opts.RMSTarget > 0 {
		return RMSNormalize(samples, p.opts.RMSTarget, p.opts.PeakTarget)
	}
	return PeakNormalize(samples, p.opts.PeakTarget)
}

func (p *Preprocessor) writeChunks(samples []float64, rate int, voiced []Interval, workDir string) ([]ChunkFile, error) {
	length := int(p.opts.ChunkSeconds * float64(rate))
	overlap := int(p.opts.ChunkOverlapSeconds * float64(rate))
	spans, err := SplitChunks(len(samples), length, overlap)
	if err != nil {
		return nil, joberr.Fatal(joberr.PREPROCESS_FAILED, "invalid chunk settings", err)
	}

	// with no voice anywhere nothing is skipped
	skip := p.opts.SkipSilentChunks && len(voiced) > 0

	chunks := make([]ChunkFile, 0, len(spans))
	for i, s := range spans {
		offset := float64(s.Start) / float64(rate)
		dur := float64(s.End-s.Start) / float64(rate)
		if skip && VoicedFraction(voiced, offset, offset+dur) == 0 {
			continue
		}
		path := filepath.Join(workDir, fmt.Sprintf("chunk_%04d.wav", i))
		if err := WriteWAVFile(path, samples[s.Start:s.End], rate); err != nil {
			return nil, joberr.Fatal(joberr.PREPROCESS_FAILED, "failed to write chunk", err)
		}
		chunks = append(chunks, ChunkFile{Index: i, Path: path, Offset: offset, Duration: dur})
	}
	return chunks, nil
}

// trimEdges removes leading and trailing silence outside the voiced span and
// shifts the intervals accordingly. Without any voice the input is kept.
func trimEdges(samples []float64, rate int, voiced []Interval) ([]float64, []Interval) {
	if len(voiced) == 0 {
		return samples, voiced
	}
	from := max(0, int(voiced[0].Start*float64(rate)))
	to := min(len(samples), int(voiced[len(voiced)-1].End*float64(rate)+0.5))
	if to <= from {
		return samples, voiced
	}
	shift := float64(from) / float64(rate)
	shifted := make([]Interval, len(voiced))
	for i, iv := range voiced {
		shifted[i] = Interval{Start: iv.Start - shift, End: iv.End - shift}
	}
	return samples[from:to], shifted
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
