package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestRunChecksMapsOutcomesToStatus(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("ok", false, func(ctx context.Context) error { return nil })
	hc.RegisterCheck("degraded", false, func(ctx context.Context) error {
		return &DegradedError{Message: "slow"}
	})
	hc.RegisterCheck("broken", false, func(ctx context.Context) error {
		return errors.New("boom")
	})

	hc.RunChecks(context.Background())
	health := hc.GetHealth()

	assert.Equal(t, health["ok"].Status, HealthStatusHealthy)
	assert.Equal(t, health["degraded"].Status, HealthStatusDegraded)
	assert.Equal(t, health["degraded"].Message, "slow")
	assert.Equal(t, health["broken"].Status, HealthStatusUnhealthy)
	assert.Equal(t, hc.overallStatus(), HealthStatusUnhealthy)
}

func TestReadinessGatesOnCriticalChecksOnly(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("config", true, func(ctx context.Context) error { return nil })
	hc.RegisterCheck("ssh", false, func(ctx context.Context) error { return errors.New("all hosts down") })

	hc.RunChecks(context.Background())
	assert.Assert(t, hc.IsReady(), "a failing non-critical check must not gate /ready")

	hc.RegisterCheck("config", true, func(ctx context.Context) error { return errors.New("bad file") })
	hc.RunChecks(context.Background())
	assert.Assert(t, !hc.IsReady())
}

func TestConfigStoreCheckSurfacesLoadFailure(t *testing.T) {
	ok := ConfigStoreCheck(func() error { return nil })
	assert.NilError(t, ok(context.Background()))

	bad := ConfigStoreCheck(func() error { return errors.New("yaml: line 3") })
	assert.Assert(t, bad(context.Background()) != nil)
}

func TestSSHFreshnessCheck(t *testing.T) {
	activity := NewSSHActivity()
	hosts := func() []string { return []string{"fresh", "stale", "idle"} }
	check := SSHFreshnessCheck(activity, hosts, time.Minute)

	// No traffic anywhere: a freshly started daemon is healthy.
	assert.NilError(t, check(context.Background()))

	activity.RecordSuccess("fresh")
	activity.mu.Lock()
	activity.lastOK["stale"] = time.Now().Add(-10 * time.Minute)
	activity.mu.Unlock()

	err := check(context.Background())
	var degraded *DegradedError
	assert.Assert(t, errors.As(err, &degraded))
	assert.Assert(t, degraded.Message != "")
	// Only the stale host is named; the fresh and never-seen hosts are not.
	assert.Assert(t, !strings.Contains(degraded.Message, "fresh ("), degraded.Message)
	assert.Assert(t, strings.Contains(degraded.Message, "stale ("), degraded.Message)
	assert.Assert(t, !strings.Contains(degraded.Message, "idle ("), degraded.Message)
}
