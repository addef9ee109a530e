package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

// HTTPConfig configures HTTPRecognizer.
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPRecognizer calls a combined transcription and diarization service
// over HTTP.
//
// API:
//   - POST {BaseURL}/api/v1/recognize, multipart/form-data with an "audio"
//     file and optional "model", "language" and "num_speakers" fields
//   - GET {BaseURL}/health
type HTTPRecognizer struct {
	cfg        HTTPConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPRecognizer creates a recognizer. The HTTP client timeout defaults
// to 10 minutes since recognition time grows with audio length.
func NewHTTPRecognizer(cfg HTTPConfig, logger *slog.Logger) *HTTPRecognizer {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &HTTPRecognizer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "speech"),
	}
}

type recognizeResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64  `json:"start"`
		End        float64  `json:"end"`
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
	} `json:"segments"`
	Speakers []models.SpeakerInterval `json:"speakers"`
}

// Recognize uploads audioPath and parses the response.
//
// Error mapping:
//   - connection failures: transient STT_UNAVAILABLE
//   - timeouts, HTTP 429 and 5xx: transient STT_FAILED
//   - other HTTP 4xx: input-invalid STT_FAILED (the service rejected the audio)
//   - unparseable response: fatal STT_FAILED
func (h *HTTPRecognizer) Recognize(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	body, contentType, err := h.buildForm(audioPath, opts)
	if err != nil {
		return nil, joberr.Fatal(joberr.STT_FAILED, "failed to build recognition request", err)
	}

	endpoint := h.cfg.BaseURL + "/api/v1/recognize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, joberr.Fatal(joberr.STT_FAILED, "failed to create HTTP request", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	h.logger.Debug("sending recognition request", "endpoint", endpoint, "audio", filepath.Base(audioPath))
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, joberr.Transient(joberr.STT_FAILED, "failed to read recognition response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, raw)
	}

	var parsed recognizeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, joberr.Fatal(joberr.STT_FAILED, "failed to parse recognition response", err)
	}

	result := h.toResult(parsed)
	h.logger.Info("recognition finished",
		"audio", filepath.Base(audioPath),
		"segments", len(result.Segments),
		"speaker_intervals", len(result.Intervals),
		"language", result.Language,
		"elapsed_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (h *HTTPRecognizer) buildForm(audioPath string, opts Options) (io.Reader, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to copy file data: %w", err)
	}

	model := h.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	fields := map[string]string{"model": model, "language": opts.Language}
	if opts.ExpectedSpeakers > 0 {
		fields["num_speakers"] = strconv.Itoa(opts.ExpectedSpeakers)
	}
	for _, name := range []string{"model", "language", "num_speakers"} {
		if fields[name] == "" {
			continue
		}
		if err := writer.WriteField(name, fields[name]); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// toResult converts the wire format. Segments without confidence get 1;
// segments and intervals with invalid times are dropped.
func (h *HTTPRecognizer) toResult(parsed recognizeResponse) *Result {
	result := &Result{
		Segments:  make([]models.TranscriptSegment, 0, len(parsed.Segments)),
		Intervals: make([]models.SpeakerInterval, 0, len(parsed.Speakers)),
		Language:  parsed.Language,
		Duration:  parsed.Duration,
	}

	dropped := 0
	for _, s := range parsed.Segments {
		seg := models.TranscriptSegment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text), Confidence: 1}
		if s.Confidence != nil {
			seg.Confidence = *s.Confidence
		}
		if err := seg.Validate(); err != nil {
			dropped++
			continue
		}
		result.Segments = append(result.Segments, seg)
	}
	for _, iv := range parsed.Speakers {
		if iv.Start < 0 || iv.End <= iv.Start {
			dropped++
			continue
		}
		result.Intervals = append(result.Intervals, iv)
	}
	if dropped > 0 {
		h.logger.Warn("dropped invalid recognition spans", "count", dropped)
	}
	return result
}

// HealthCheck returns true when GET /health answers 200.
func (h *HTTPRecognizer) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	return false, fmt.Errorf("health check failed: status %d", resp.StatusCode)
}

// Name identifies the recognizer in logs and health status.
func (h *HTTPRecognizer) Name() string {
	return "speech-http"
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("recognizer returned HTTP %d: %s", status, truncate(strings.TrimSpace(string(body)), 200))
	switch {
	case status == http.StatusServiceUnavailable:
		return joberr.Transient(joberr.STT_UNAVAILABLE, msg, nil)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return joberr.Transient(joberr.STT_FAILED, msg, nil)
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return joberr.InputInvalid(joberr.STT_FAILED, msg, nil)
	default:
		return joberr.Fatal(joberr.STT_FAILED, msg, nil)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return joberr.Transient(joberr.STT_FAILED, "recognition timed out", ctxErr)
		}
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return joberr.Transient(joberr.STT_FAILED, "recognition timed out", err)
	}
	return joberr.Transient(joberr.STT_UNAVAILABLE, "recognizer unreachable", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
