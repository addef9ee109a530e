package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
)

// Generator is a text-generation service.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	HealthCheck(ctx context.Context) error
	Name() string
}

// OllamaConfig configures OllamaGenerator.
type OllamaConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// OllamaGenerator talks to an Ollama server:
// POST /api/generate for completions, GET /api/tags for health.
type OllamaGenerator struct {
	cfg        OllamaConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaGenerator creates a generator. Timeout bounds each request.
func NewOllamaGenerator(cfg OllamaConfig, logger *slog.Logger) *OllamaGenerator {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &OllamaGenerator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "ollama"),
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Name identifies the model for MeetingSummary.ModelUsed.
func (g *OllamaGenerator) Name() string {
	return g.cfg.Model + " via Ollama"
}

// Generate returns the completion for prompt.
//
// Error mapping:
//   - network errors and timeouts: transient
//   - HTTP 429 and 5xx: transient
//   - other HTTP errors: fatal
//   - empty completion: quality
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:   g.cfg.Model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: g.cfg.Temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", joberr.Transient(joberr.SUMMARY_FAILED, "failed to read ollama response", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("ollama returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return "", joberr.Transient(joberr.SUMMARY_FAILED, msg, nil)
		}
		return "", joberr.Fatal(joberr.SUMMARY_FAILED, msg, nil)
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", joberr.Fatal(joberr.SUMMARY_FAILED, "failed to parse ollama response", err)
	}
	if out.Error != "" {
		return "", joberr.Fatal(joberr.SUMMARY_FAILED, "ollama error: "+out.Error, nil)
	}

	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", joberr.Quality(joberr.SUMMARY_QUALITY, "ollama returned an empty completion", nil)
	}

	g.logger.Debug("generation finished",
		"prompt_chars", len(prompt),
		"reply_chars", len(text),
		"elapsed_ms", time.Since(start).Milliseconds())
	return text, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HealthCheck verifies the server answers and the configured model is
// installed.
func (g *OllamaGenerator) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy (HTTP %d)", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("failed to parse model list: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if strings.Contains(m.Name, g.cfg.Model) {
			return nil
		}
		names = append(names, m.Name)
	}
	return fmt.Errorf("model %s not found (available: %v)", g.cfg.Model, names)
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return joberr.Transient(joberr.SUMMARY_FAILED, "ollama request timed out", ctxErr)
		}
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return joberr.Transient(joberr.SUMMARY_FAILED, "ollama request timed out", err)
	}
	return joberr.Transient(joberr.SUMMARY_UNAVAILABLE, "ollama request failed", err)
}
