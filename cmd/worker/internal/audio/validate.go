package audio

import (
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
)

// supportedContainers maps sniffed MIME types to container names.
// Order matters: m4a is a child of mp4 and must match first.
var supportedContainers = []struct {
	mime   string
	format string
}{
	{"audio/wav", "wav"},
	{"audio/mpeg", "mp3"},
	{"audio/x-m4a", "m4a"},
	{"audio/mp4", "m4a"},
	{"video/mp4", "mp4"},
	{"video/webm", "webm"},
	{"audio/webm", "webm"},
	{"audio/ogg", "ogg"},
	{"application/ogg", "ogg"},
	{"audio/flac", "flac"},
}

// FileInfo is what validation learned about a source file.
type FileInfo struct {
	Format    string
	MIME      string
	SizeBytes int64
}

// Validate checks that path is a non-empty regular file within the size
// limits whose content sniffs as a supported audio container. Every
// rejection is input-invalid with code AUDIO_CORRUPTED.
func Validate(path string, minBytes, maxBytes int64) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, joberr.InputInvalid(joberr.AUDIO_CORRUPTED, "audio file is not readable", err)
	}
	if !st.Mode().IsRegular() {
		return FileInfo{}, joberr.InputInvalid(joberr.AUDIO_CORRUPTED, "audio path is not a regular file", nil)
	}

	size := st.Size()
	switch {
	case size == 0:
		return FileInfo{}, joberr.InputInvalid(joberr.AUDIO_CORRUPTED, "audio file is empty", nil)
	case minBytes > 0 && size < minBytes:
		return FileInfo{}, joberr.InputInvalid(joberr.AUDIO_CORRUPTED,
			fmt.Sprintf("audio file too small: %d bytes (minimum %d)", size, minBytes), nil)
	case maxBytes > 0 && size > maxBytes:
		return FileInfo{}, joberr.InputInvalid(joberr.AUDIO_CORRUPTED,
			fmt.Sprintf("audio file too large: %d bytes (maximum %d)", size, maxBytes), nil)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return FileInfo{}, joberr.InputInvalid(joberr.AUDIO_CORRUPTED, "failed to read audio header", err)
	}

	for m := mtype; m != nil; m = m.Parent() {
		for _, c := range supportedContainers {
			if m.Is(c.mime) {
				return FileInfo{Format: c.format, MIME: mtype.String(), SizeBytes: size}, nil
			}
		}
	}
	return FileInfo{}, joberr.InputInvalid(joberr.AUDIO_CORRUPTED,
		fmt.Sprintf("unsupported audio container: %s", mtype.String()), nil)
}
