// Package degradation pauses job intake while a required collaborator is
// unhealthy and resumes it once the collaborator recovers.
package degradation

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/orchestrator/health"
	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

const (
	modeAccepting = "accepting"
	modePaused    = "paused"
)

// StatusSource reports the latest health of one collaborator.
// *health.HealthChecker satisfies it.
type StatusSource interface {
	GetStatus() health.ServiceStatus
	Name() string
}

// ClaimGate decides whether the poll loop may claim new jobs. Claiming a job
// while the recognizer is down would only burn its retry budget, so the gate
// closes when any required source is unhealthy.
//
// Jobs already in flight are not affected; they use their own retries.
//
// Thread-safety: All public methods are safe for concurrent use.
type ClaimGate struct {
	sources  []StatusSource
	logger   *slog.Logger
	mu       sync.RWMutex
	degraded bool
	reason   string
}

// NewClaimGate creates a gate over sources. With no sources the gate is
// always open.
//
// Initial state: open (optimistic, like the health checkers themselves).
func NewClaimGate(logger *slog.Logger, sources ...StatusSource) *ClaimGate {
	return &ClaimGate{
		sources: sources,
		logger:  logger.With("component", "claim_gate"),
	}
}

// Open re-evaluates every source and reports whether claiming is allowed.
// Transitions are logged once and counted in the degradation metric.
func (g *ClaimGate) Open() bool {
	var down []string
	for _, s := range g.sources {
		if st := s.GetStatus(); !st.IsHealthy {
			down = append(down, s.Name())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case len(down) > 0:
		if !g.degraded {
			g.logger.Warn("pausing job intake", "unhealthy", down)
			metrics.RecordDegradationEvent(modeAccepting, modePaused)
		}
		g.degraded = true
		g.reason = "unhealthy: " + strings.Join(down, ", ")
	case g.degraded:
		g.degraded = false
		g.reason = ""
		g.logger.Info("resuming job intake")
		metrics.RecordDegradationEvent(modePaused, modeAccepting)
	}

	return !g.degraded
}

// IsDegraded reports whether the last evaluation closed the gate.
func (g *ClaimGate) IsDegraded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degraded
}

// Reason names the unhealthy sources while the gate is closed.
func (g *ClaimGate) Reason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reason
}
