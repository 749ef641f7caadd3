package dockerctx

import (
	"context"
	"sync"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// Manager owns one *client.Client per host, keyed by host ID (the derived
// context name docker-mcp-{host_id} appears in logs and the client's host
// URL). A cached client is reused until Invalidate or CloseAll drops it;
// failed or closed clients are not rebuilt automatically.
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*hostClient
	stateDir string
	logger   *observability.Logger
}

type hostClient struct {
	cli    *client.Client
	target sshx.HostTarget
}

func NewManager(stateDir string, logger *observability.Logger) *Manager {
	return &Manager{clients: map[string]*hostClient{}, stateDir: stateDir, logger: logger}
}

// ContextName derives the context name for a host.
func ContextName(hostID string) string { return "docker-mcp-" + hostID }

// Client returns (constructing if needed) the Docker SDK client for host.
func (m *Manager) Client(ctx context.Context, target sshx.HostTarget) (*client.Client, error) {
	m.mu.RLock()
	hc, ok := m.clients[target.HostID]
	m.mu.RUnlock()
	if ok {
		return hc.cli, nil
	}

	dialSetupMu.Lock()
	defer dialSetupMu.Unlock()

	m.mu.RLock()
	hc, ok = m.clients[target.HostID]
	m.mu.RUnlock()
	if ok {
		return hc.cli, nil
	}

	cli, err := client.NewClientWithOpts(
		client.WithDialContext(dialerFunc(target, m.stateDir)),
		client.WithAPIVersionNegotiation(),
		client.WithHost("http://docker-mcp-"+target.HostID),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "constructing docker client for host %s", target.HostID)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, errs.Wrap(errs.KindTransient, err, "pinging docker daemon on host %s", target.HostID)
	}

	m.mu.Lock()
	m.clients[target.HostID] = &hostClient{cli: cli, target: target}
	m.mu.Unlock()

	m.logger.Info("docker context established", zap.String("context", ContextName(target.HostID)))
	return cli, nil
}

// Invalidate drops the cached client for a host, forcing the next Client
// call to rebuild the dial-stdio connection. Called on host removal.
func (m *Manager) Invalidate(hostID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hc, ok := m.clients[hostID]; ok {
		hc.cli.Close()
		delete(m.clients, hostID)
	}
}

// CloseAll tears down every cached client, e.g. on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, hc := range m.clients {
		hc.cli.Close()
		delete(m.clients, id)
	}
}

// WithRetry runs op with the Transient-error exponential backoff
// (1s/2s/4s: up to 3 retries, 4 attempts in total), instrumenting every
// attempt.
func WithRetry(ctx context.Context, opName string, op func(context.Context) error) error {
	backoffs := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= len(backoffs); attempt++ {
		start := time.Now()
		lastErr = op(ctx)
		observability.DockerOperationDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
		if lastErr == nil {
			observability.DockerOperations.WithLabelValues(opName, "success").Inc()
			return nil
		}
		observability.DockerOperations.WithLabelValues(opName, "error").Inc()
		if !errs.Retriable(lastErr) || attempt == len(backoffs) {
			break
		}
		observability.RetryAttempts.WithLabelValues(opName, "retry").Inc()
		select {
		case <-time.After(backoffs[attempt]):
		case <-ctx.Done():
			return errs.Wrap(errs.KindTransient, ctx.Err(), "%s cancelled during retry backoff", opName)
		}
	}
	return lastErr
}
