package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// maxFmtChunkSize caps the declared fmt chunk size; real headers are at
// most 40 bytes plus a short extension.
const maxFmtChunkSize = 1024

// ErrNotWAV is returned when the stream has no RIFF/WAVE header.
var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// ReadWAVFile decodes a PCM or IEEE float WAV file.
func ReadWAVFile(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV reads a WAV stream. Supported encodings are 8/16/24/32-bit PCM
// and 32/64-bit float, including WAVE_FORMAT_EXTENSIBLE headers. A data
// chunk shorter than its declared size is accepted up to the last whole frame.
func DecodeWAV(r io.Reader) (*Buffer, error) {
	br := bufio.NewReader(r)

	var riff [12]byte
	if _, err := io.ReadFull(br, riff[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var format *wavFormat
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("missing data chunk")
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			if size > maxFmtChunkSize {
				return nil, joberr.InputInvalid(joberr.AUDIO_CORRUPTED,
					fmt.Sprintf("fmt chunk too large (%d bytes)", size), nil)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			f := wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				channels:      binary.LittleEndian.Uint16(body[2:4]),
				sampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
			if f.audioFormat == wavFormatExtensible && size >= 40 {
				// first two bytes of the SubFormat GUID carry the real format tag
				f.audioFormat = binary.LittleEndian.Uint16(body[24:26])
			}
			format = &f
		case "data":
			if format == nil {
				return nil, errors.New("data chunk before fmt chunk")
			}
			data, err := io.ReadAll(io.LimitReader(br, int64(size)))
			if err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			return decodeSamples(*format, data)
		default:
			if _, err := br.Discard(int(size)); err != nil {
				return nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		if size%2 == 1 {
			br.Discard(1)
		}
	}
}

func decodeSamples(f wavFormat, data []byte) (*Buffer, error) {
	if f.channels == 0 || f.sampleRate == 0 {
		return nil, fmt.Errorf("invalid fmt chunk: channels=%d rate=%d", f.channels, f.sampleRate)
	}

	var sample func(b []byte) float64
	switch {
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 8:
		sample = func(b []byte) float64 { return (float64(b[0]) - 128) / 128 }
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 16:
		sample = func(b []byte) float64 { return float64(int16(binary.LittleEndian.Uint16(b))) / 32768 }
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 24:
		sample = func(b []byte) float64 {
			v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
			return float64(v) / 8388608
		}
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 32:
		sample = func(b []byte) float64 { return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648 }
	case f.audioFormat == wavFormatFloat && f.bitsPerSample == 32:
		sample = func(b []byte) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))) }
	case f.audioFormat == wavFormatFloat && f.bitsPerSample == 64:
		sample = func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
	default:
		return nil, fmt.Errorf("unsupported WAV encoding: format=%d bits=%d", f.audioFormat, f.bitsPerSample)
	}

	width := int(f.bitsPerSample) / 8
	channels := int(f.channels)
	frameSize := width * channels
	frames := len(data) / frameSize

	buf := &Buffer{SampleRate: int(f.sampleRate), Channels: make([][]float64, channels)}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float64, frames)
	}
	for i := 0; i < frames; i++ {
		base := i * frameSize
		for c := 0; c < channels; c++ {
			off := base + c*width
			buf.Channels[c][i] = sample(data[off : off+width])
		}
	}
	return buf, nil
}

// EncodeWAV writes mono samples as 16-bit PCM, clipping to [-1, 1].
func EncodeWAV(w io.Writer, samples []float64, sampleRate int) error {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataSize := len(samples) * channels * bitsPerSample / 8
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var hdr bytes.Buffer
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, uint32(36+dataSize))
	hdr.WriteString("WAVE")
	hdr.WriteString("fmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16))            // Subchunk1Size
	binary.Write(&hdr, binary.LittleEndian, uint16(wavFormatPCM))  // AudioFormat
	binary.Write(&hdr, binary.LittleEndian, uint16(channels))      // NumChannels
	binary.Write(&hdr, binary.LittleEndian, uint32(sampleRate))    // SampleRate
	binary.Write(&hdr, binary.LittleEndian, uint32(byteRate))      // ByteRate
	binary.Write(&hdr, binary.LittleEndian, uint16(blockAlign))    // BlockAlign
	binary.Write(&hdr, binary.LittleEndian, uint16(bitsPerSample)) // BitsPerSample
	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, uint32(dataSize))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr.Bytes()); err != nil {
		return err
	}
	var b [2]byte
	for _, v := range samples {
		binary.LittleEndian.PutUint16(b[:], uint16(quantize16(v)))
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteWAVFile writes mono samples to path as 16-bit PCM.
func WriteWAVFile(path string, samples []float64, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func quantize16(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * 32767))
}
