// Package health runs periodic probes against the worker's external
// collaborators and keeps the latest status of each.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

// Prober is anything that can report whether it is ready to serve.
// speech.HTTPRecognizer satisfies it directly.
type Prober interface {
	HealthCheck(ctx context.Context) (bool, error)
	Name() string
}

// ProbeFunc adapts an error-returning check (the dependency client's, or a
// summarize.Generator's) into a Prober.
type ProbeFunc struct {
	ProbeName string
	Check     func(ctx context.Context) error
}

// HealthCheck implements Prober.
func (p ProbeFunc) HealthCheck(ctx context.Context) (bool, error) {
	if err := p.Check(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Name implements Prober.
func (p ProbeFunc) Name() string { return p.ProbeName }

// ServiceStatus is the current health state of one collaborator.
type ServiceStatus struct {
	Name             string    `json:"name"`
	IsHealthy        bool      `json:"is_healthy"`
	LastCheckTime    time.Time `json:"last_check_time"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// HealthChecker probes a Prober on an interval. A service is marked
// unhealthy only after failThreshold consecutive failures.
//
// All public methods are safe for concurrent use.
type HealthChecker struct {
	prober        Prober
	status        *ServiceStatus
	mu            sync.RWMutex
	checkInterval time.Duration
	checkTimeout  time.Duration
	failThreshold int
	stopChan      chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// NewHealthChecker creates a checker that starts in the healthy state.
// Call Start to begin probing.
func NewHealthChecker(prober Prober, checkInterval time.Duration, failThreshold int, logger *slog.Logger) *HealthChecker {
	if failThreshold <= 0 {
		failThreshold = 1
	}
	return &HealthChecker{
		prober:        prober,
		checkInterval: checkInterval,
		checkTimeout:  10 * time.Second,
		failThreshold: failThreshold,
		stopChan:      make(chan struct{}),
		logger:        logger.With("component", "health", "dependency", prober.Name()),
		status: &ServiceStatus{
			Name:          prober.Name(),
			IsHealthy:     true,
			LastCheckTime: time.Now(),
		},
	}
}

// Start checks immediately and then on every tick until Stop is called or
// ctx is cancelled. It blocks; run it in its own goroutine.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.CheckNow(ctx)

	for {
		select {
		case <-ticker.C:
			hc.CheckNow(ctx)
		case <-hc.stopChan:
			hc.logger.Info("health checker stopped")
			return
		case <-ctx.Done():
			hc.logger.Info("health checker context cancelled")
			return
		}
	}
}

// CheckNow runs a single probe and updates the status.
func (hc *HealthChecker) CheckNow(ctx context.Context) ServiceStatus {
	checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	defer cancel()

	isHealthy, err := hc.prober.HealthCheck(checkCtx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.LastCheckTime = time.Now()

	if isHealthy {
		if !hc.status.IsHealthy {
			hc.logger.Info("dependency recovered")
		}
		hc.status.IsHealthy = true
		hc.status.ConsecutiveFails = 0
		hc.status.ErrorMessage = ""
	} else {
		hc.status.ConsecutiveFails++
		errMsg := "unknown error"
		if err != nil {
			errMsg = err.Error()
		}
		hc.status.ErrorMessage = fmt.Sprintf("health check failed: %s", errMsg)

		if hc.status.ConsecutiveFails >= hc.failThreshold {
			hc.status.IsHealthy = false
			hc.logger.Error("dependency marked unhealthy", "consecutive_fails", hc.status.ConsecutiveFails, "error", errMsg)
		} else {
			hc.logger.Warn("health check failed", "consecutive_fails", hc.status.ConsecutiveFails, "threshold", hc.failThreshold, "error", errMsg)
		}
	}
	metrics.SetDependencyHealthy(hc.status.Name, hc.status.IsHealthy)

	return *hc.status
}

// GetStatus returns a copy of the current status.
func (hc *HealthChecker) GetStatus() ServiceStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return *hc.status
}

// Name returns the probed dependency's name.
func (hc *HealthChecker) Name() string {
	return hc.prober.Name()
}

// Stop terminates Start. Calling it more than once is a no-op.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}
