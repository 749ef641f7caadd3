package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is the reported state of one checked component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is one component's last check outcome.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// HealthCheckFunc probes one component. Returning nil reports healthy, a
// DegradedError reports degraded, and any other error reports unhealthy.
type HealthCheckFunc func(ctx context.Context) error

// DegradedError marks a check outcome that is worth surfacing but should
// not flip /health to 503 — stale-but-idle SSH hosts being the main case.
type DegradedError struct {
	Message string
}

func (e *DegradedError) Error() string { return e.Message }

// HealthChecker runs registered checks on a timer and serves their latest
// outcomes on the debug HTTP surface.
type HealthChecker struct {
	mu       sync.RWMutex
	latest   map[string]*ComponentHealth
	checks   map[string]HealthCheckFunc
	critical map[string]bool
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		latest:   make(map[string]*ComponentHealth),
		checks:   make(map[string]HealthCheckFunc),
		critical: make(map[string]bool),
	}
}

// RegisterCheck adds a named check. Critical checks gate /ready as well as
// /health; non-critical ones only color /health.
func (hc *HealthChecker) RegisterCheck(name string, critical bool, check HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
	hc.critical[name] = critical
	hc.latest[name] = &ComponentHealth{Status: HealthStatusHealthy, LastCheck: time.Now()}
}

// RunChecks executes every registered check once, each under its own
// 5-second timeout.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	for name, check := range hc.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(checkCtx)
		cancel()

		outcome := &ComponentHealth{Status: HealthStatusHealthy, LastCheck: time.Now()}
		var degraded *DegradedError
		switch {
		case err == nil:
		case errors.As(err, &degraded):
			outcome.Status = HealthStatusDegraded
			outcome.Message = degraded.Message
		default:
			outcome.Status = HealthStatusUnhealthy
			outcome.Message = err.Error()
		}
		hc.latest[name] = outcome
	}
}

// GetHealth returns a copy of every component's latest outcome.
func (hc *HealthChecker) GetHealth() map[string]*ComponentHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]*ComponentHealth, len(hc.latest))
	for name, h := range hc.latest {
		cp := *h
		out[name] = &cp
	}
	return out
}

func (hc *HealthChecker) overallStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := HealthStatusHealthy
	for _, h := range hc.latest {
		if h.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
		if h.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return status
}

// IsReady reports whether every critical component is non-unhealthy.
func (hc *HealthChecker) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	for name, h := range hc.latest {
		if hc.critical[name] && h.Status == HealthStatusUnhealthy {
			return false
		}
	}
	return true
}

// HealthHandler serves /health: 200 with per-component detail unless any
// component is unhealthy, then 503.
func (hc *HealthChecker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		overall := hc.overallStatus()
		code := http.StatusOK
		if overall == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":     overall,
			"components": hc.GetHealth(),
			"timestamp":  time.Now(),
		})
	}
}

// ReadyHandler serves /ready: 200 while every critical component is
// non-unhealthy, 503 otherwise.
func (hc *HealthChecker) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !hc.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "timestamp": time.Now()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
	}
}

// StartPeriodicChecks re-runs every check on interval until ctx ends.
func (hc *HealthChecker) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}

// ConfigStoreCheck reports whether the on-disk inventory still loads and
// validates. The in-memory snapshot survives a bad hand-edit (hot reload
// keeps the previous state), so this is the signal that the file and the
// running state have diverged.
func ConfigStoreCheck(load func() error) HealthCheckFunc {
	return func(ctx context.Context) error {
		if err := load(); err != nil {
			return fmt.Errorf("inventory file no longer loads: %w", err)
		}
		return nil
	}
}

// SSHActivity tracks the last successful SSH round-trip per host. The SSH
// command builder records into it; the freshness check below reads it.
type SSHActivity struct {
	mu     sync.Mutex
	lastOK map[string]time.Time
}

func NewSSHActivity() *SSHActivity {
	return &SSHActivity{lastOK: make(map[string]time.Time)}
}

// RecordSuccess stamps hostID with the current time.
func (a *SSHActivity) RecordSuccess(hostID string) {
	a.mu.Lock()
	a.lastOK[hostID] = time.Now()
	a.mu.Unlock()
}

// LastSuccess returns the most recent successful round-trip for hostID.
func (a *SSHActivity) LastSuccess(hostID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.lastOK[hostID]
	return t, ok
}

// SSHFreshnessCheck reports degraded when any enabled host's last
// successful SSH round-trip is older than staleAfter. Hosts that have seen
// no traffic at all are skipped — a freshly started or idle daemon is not a
// failure. hosts supplies the current enabled host IDs so the check follows
// inventory edits and hot reloads.
func SSHFreshnessCheck(activity *SSHActivity, hosts func() []string, staleAfter time.Duration) HealthCheckFunc {
	return func(ctx context.Context) error {
		var stale []string
		now := time.Now()
		for _, hostID := range hosts() {
			last, ok := activity.LastSuccess(hostID)
			if !ok {
				continue
			}
			if now.Sub(last) > staleAfter {
				stale = append(stale, fmt.Sprintf("%s (last success %s ago)", hostID, now.Sub(last).Round(time.Second)))
			}
		}
		if len(stale) > 0 {
			sort.Strings(stale)
			return &DegradedError{Message: "no recent successful SSH round-trip: " + strings.Join(stale, ", ")}
		}
		return nil
	}
}
