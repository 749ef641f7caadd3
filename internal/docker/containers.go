// Package docker is the multi-host container/image/network/volume
// operations layer backing the stack services and the port/cleanup
// inventories. Every call dispatches through a per-host dockerctx.Manager
// rather than one process-wide client. Migration in this system moves
// compose files and bind-mounted data, never live container state.
package docker

import (
	"context"
	"io"
	"time"

	"github.com/artemis/dockhostd/internal/dockerctx"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// Ops is the multi-host Docker operations surface. One Ops serves every
// configured host through its shared dockerctx.Manager.
type Ops struct {
	Mgr    *dockerctx.Manager
	Logger *observability.Logger
}

func NewOps(mgr *dockerctx.Manager, logger *observability.Logger) *Ops {
	return &Ops{Mgr: mgr, Logger: logger}
}

// ListContainers returns every container on target (running and stopped
// when all is true), the building block for ps and the port scan.
func (o *Ops) ListContainers(ctx context.Context, target sshx.HostTarget, all bool) ([]types.Container, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return nil, err
	}
	var out []types.Container
	err = dockerctx.WithRetry(ctx, "container_list", func(ctx context.Context) error {
		list, err := cli.ContainerList(ctx, container.ListOptions{All: all})
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "listing containers on host %s", target.HostID)
		}
		out = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Logger.Info("listed containers", zap.String("host_id", target.HostID), zap.Int("count", len(out)), zap.Bool("all", all))
	return out, nil
}

// InspectContainer returns full inspect data for one container on target.
func (o *Ops) InspectContainer(ctx context.Context, target sshx.HostTarget, containerID string) (types.ContainerJSON, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return types.ContainerJSON{}, err
	}
	var out types.ContainerJSON
	err = dockerctx.WithRetry(ctx, "container_inspect", func(ctx context.Context) error {
		inspect, err := cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return errs.Wrap(errs.KindNotFound, err, "inspecting container %s on host %s", containerID, target.HostID)
		}
		out = inspect
		return nil
	})
	return out, err
}

// StartContainer starts a stopped container.
func (o *Ops) StartContainer(ctx context.Context, target sshx.HostTarget, containerID string) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	err = dockerctx.WithRetry(ctx, "container_start", func(ctx context.Context) error {
		if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return errs.Wrap(errs.KindTransient, err, "starting container %s on host %s", containerID, target.HostID)
		}
		return nil
	})
	if err == nil {
		o.Logger.Info("container started", zap.String("host_id", target.HostID), zap.String("container_id", containerID))
	}
	return err
}

// StopContainer stops a running container, waiting up to timeoutSeconds
// (nil for the daemon default) before SIGKILL.
func (o *Ops) StopContainer(ctx context.Context, target sshx.HostTarget, containerID string, timeoutSeconds *int) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	err = dockerctx.WithRetry(ctx, "container_stop", func(ctx context.Context) error {
		if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds}); err != nil {
			return errs.Wrap(errs.KindTransient, err, "stopping container %s on host %s", containerID, target.HostID)
		}
		return nil
	})
	if err == nil {
		o.Logger.Info("container stopped", zap.String("host_id", target.HostID), zap.String("container_id", containerID))
	}
	return err
}

// KillContainer sends SIGKILL directly, used by the migration engine's
// quiescence-polling escalation once the graceful window elapses.
func (o *Ops) KillContainer(ctx context.Context, target sshx.HostTarget, containerID string) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	return dockerctx.WithRetry(ctx, "container_kill", func(ctx context.Context) error {
		if err := cli.ContainerKill(ctx, containerID, "KILL"); err != nil {
			return errs.Wrap(errs.KindTransient, err, "killing container %s on host %s", containerID, target.HostID)
		}
		return nil
	})
}

// RestartContainer restarts a container.
func (o *Ops) RestartContainer(ctx context.Context, target sshx.HostTarget, containerID string, timeoutSeconds *int) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	err = dockerctx.WithRetry(ctx, "container_restart", func(ctx context.Context) error {
		if err := cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds}); err != nil {
			return errs.Wrap(errs.KindTransient, err, "restarting container %s on host %s", containerID, target.HostID)
		}
		return nil
	})
	if err == nil {
		o.Logger.Info("container restarted", zap.String("host_id", target.HostID), zap.String("container_id", containerID))
	}
	return err
}

// RemoveContainer removes a container, forcing through a running state
// when force is set.
func (o *Ops) RemoveContainer(ctx context.Context, target sshx.HostTarget, containerID string, force bool) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	err = dockerctx.WithRetry(ctx, "container_remove", func(ctx context.Context) error {
		if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
			return errs.Wrap(errs.KindTransient, err, "removing container %s on host %s", containerID, target.HostID)
		}
		return nil
	})
	if err == nil {
		o.Logger.Info("container removed", zap.String("host_id", target.HostID), zap.String("container_id", containerID))
	}
	return err
}

// ContainerLogs opens a (optionally tailed) log stream, used by the logs
// operation and the migration engine's post-deploy log-blacklist scan.
func (o *Ops) ContainerLogs(ctx context.Context, target sshx.HostTarget, containerID string, tail string, follow bool) (io.ReadCloser, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return nil, err
	}
	reader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "opening logs for container %s on host %s", containerID, target.HostID)
	}
	return reader, nil
}

// WaitQuiescent polls container state until it reports exited/dead or the
// deadline elapses, the passive half of the quiescence check (the active
// escalation to KillContainer lives in internal/migrate).
func (o *Ops) WaitQuiescent(ctx context.Context, target sshx.HostTarget, containerID string, pollEvery time.Duration, attempts int) (bool, error) {
	for i := 0; i < attempts; i++ {
		inspect, err := o.InspectContainer(ctx, target, containerID)
		if err != nil {
			return false, err
		}
		if inspect.State == nil {
			return false, nil
		}
		if !inspect.State.Running || inspect.State.Status == "exited" || inspect.State.Status == "dead" {
			return true, nil
		}
		select {
		case <-time.After(pollEvery):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return false, nil
}
