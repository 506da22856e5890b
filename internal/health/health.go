package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates a non-critical dependency is failing.
	StatusDegraded Status = "degraded"
	// StatusDraining indicates the gateway is shutting down.
	StatusDraining Status = "draining"
)

// DefaultCheckTimeout bounds a readiness evaluation.
const DefaultCheckTimeout = 5 * time.Second

// LivenessResponse is the body of the liveness endpoint.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the body of the readiness endpoint.
type ReadinessResponse struct {
	Status    Status                  `json:"status"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   Status `json:"status"`
	Type     string `json:"type"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
	Critical bool   `json:"critical"`
}

// Checker aggregates dependency checks.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration
	logger    observability.Logger
	metrics   *Metrics

	mu       sync.RWMutex
	checks   []*DependencyCheck
	draining atomic.Bool
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithTimeout sets the readiness evaluation timeout.
func WithTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) CheckerOption {
	return func(c *Checker) {
		c.metrics = m
	}
}

// NewChecker creates a new health checker.
func NewChecker(version string, opts ...CheckerOption) *Checker {
	c := &Checker{
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds dependency checks.
func (c *Checker) Register(checks ...*DependencyCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, checks...)
}

// SetDraining marks the gateway as draining so readiness fails and load
// balancers stop sending new traffic.
func (c *Checker) SetDraining(draining bool) {
	c.draining.Store(draining)
}

// IsDraining reports whether the gateway is draining.
func (c *Checker) IsDraining() bool {
	return c.draining.Load()
}

// Liveness returns the liveness status.
func (c *Checker) Liveness() LivenessResponse {
	c.metrics.recordCheck("liveness")
	return LivenessResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// Readiness runs every registered check concurrently.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.metrics.recordCheck("readiness")

	response := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]*CheckResult),
		Timestamp: time.Now(),
	}
	if c.IsDraining() {
		response.Status = StatusDraining
		c.metrics.setStatus("overall", false)
		return response
	}

	c.mu.RLock()
	checks := append([]*DependencyCheck(nil), c.checks...)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]*CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check *DependencyCheck) {
			defer wg.Done()
			results[i] = c.run(ctx, check)
		}(i, check)
	}
	wg.Wait()

	for i, check := range checks {
		result := results[i]
		response.Checks[check.Name()] = result
		if result.Status == StatusHealthy {
			continue
		}
		if check.IsCritical() {
			response.Status = StatusUnhealthy
		} else if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	c.metrics.setStatus("overall", response.Status != StatusUnhealthy)
	return response
}

func (c *Checker) run(ctx context.Context, check *DependencyCheck) *CheckResult {
	start := time.Now()
	err := check.Check(ctx)
	duration := time.Since(start)

	c.metrics.setStatus(check.Name(), err == nil)

	result := &CheckResult{
		Status:   StatusHealthy,
		Type:     string(check.Type()),
		Duration: duration.String(),
		Critical: check.IsCritical(),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		c.logger.Warn("health check failed",
			observability.String("check", check.Name()),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
	}
	return result
}
