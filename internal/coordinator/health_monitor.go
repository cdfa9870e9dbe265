package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/userfleet/internal/cluster"
	"github.com/dreamware/userfleet/internal/metrics"
	"github.com/dreamware/userfleet/internal/worker"
)

// Health states reported for a worker.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// WorkerHealth tracks the health status of a single worker.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time `json:"lastCheck"`        // Timestamp of the last probe
	LastHealthy      time.Time `json:"lastHealthy"`      // Timestamp of the last successful probe
	Status           string    `json:"status"`           // "healthy", "unhealthy" or "unknown"
	Index            int       `json:"index"`            // Worker index
	ConsecutiveFails int       `json:"consecutiveFails"` // Number of consecutive failed probes
}

// HealthMonitor periodically probes every worker of the fleet.
//
// The monitor only observes: its results are exported through the admin
// listener and the worker health gauge, and it never takes a worker out of
// the dispatcher's rotation.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	workers     map[int]*WorkerHealth   // Current health status per worker index
	httpClient  *http.Client            // HTTP client for probes
	checkFunc   func(addr string) error // Function to perform a probe
	log         *zap.Logger
	metrics     *metrics.Metrics
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to probe
	mu          sync.RWMutex       // Protects workers map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a new health monitor with the specified check interval.
// Each worker's collection endpoint is probed every interval and a worker is
// marked unhealthy after 3 consecutive failures.
//
// Parameters:
//   - interval: How often to probe (recommended: 5s)
//   - log: Logger for state transitions; nil discards
//   - m: Metrics sink; nil records nothing
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, log, m)
//	go monitor.Start(ctx, fleet.Workers)
func NewHealthMonitor(interval time.Duration, log *zap.Logger, m *metrics.Metrics) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = zap.NewNop()
	}

	return &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		workers:     make(map[int]*WorkerHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		log:     log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start probes the workers returned by provider until ctx is canceled or
// Stop is called. It blocks, so callers run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.WorkerInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval))

	h.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the monitor down and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll probes every listed worker and forgets workers no longer listed.
func (h *HealthMonitor) checkAll(workers []cluster.WorkerInfo) {
	current := make(map[int]bool, len(workers))
	for _, w := range workers {
		current[w.Index] = true
		h.checkWorker(w)
	}

	h.mu.Lock()
	for index := range h.workers {
		if !current[index] {
			delete(h.workers, index)
		}
	}
	h.mu.Unlock()
}

// checkWorker probes one worker and updates its record. A worker becomes
// unhealthy after maxFailures consecutive failures and healthy again on the
// first success.
func (h *HealthMonitor) checkWorker(w cluster.WorkerInfo) {
	h.mu.Lock()
	health, exists := h.workers[w.Index]
	if !exists {
		health = &WorkerHealth{
			Index:  w.Index,
			Status: StatusUnknown,
		}
		h.workers[w.Index] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(w.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.log.Debug("health check failed",
			zap.Int("worker", w.Index),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Error(err))

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.log.Warn("worker unhealthy",
				zap.Int("worker", w.Index),
				zap.Int("failures", health.ConsecutiveFails))
			h.metrics.WorkerHealth(w.Index, false)
		}
		return
	}

	if health.Status != StatusHealthy {
		h.log.Info("worker healthy", zap.Int("worker", w.Index))
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	h.metrics.WorkerHealth(w.Index, true)
}

// defaultHealthCheck lists the worker's collection and expects 200.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := strings.TrimRight(addr, "/") + worker.CollectionPath

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Health returns a copy of the worker's health record, or nil if the worker
// has not been probed.
func (h *HealthMonitor) Health(index int) *WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[index]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// AllHealth returns copies of every health record keyed by worker index.
func (h *HealthMonitor) AllHealth() map[int]*WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[int]*WorkerHealth, len(h.workers))
	for index, health := range h.workers {
		cp := *health
		result[index] = &cp
	}
	return result
}

// IsHealthy reports whether the worker's last status is healthy.
func (h *HealthMonitor) IsHealthy(index int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[index]
	return exists && health.Status == StatusHealthy
}

// SetCheckFunction overrides the probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}
