package docker

import (
	"context"

	"github.com/artemis/dockhostd/internal/dockerctx"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"go.uber.org/zap"
)

// ListVolumes returns every named volume on target.
func (o *Ops) ListVolumes(ctx context.Context, target sshx.HostTarget) ([]*volume.Volume, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return nil, err
	}
	var out []*volume.Volume
	err = dockerctx.WithRetry(ctx, "volume_list", func(ctx context.Context) error {
		resp, err := cli.VolumeList(ctx, volume.ListOptions{})
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "listing volumes on host %s", target.HostID)
		}
		out = resp.Volumes
		return nil
	})
	return out, err
}

// InspectVolume returns detail for one named volume.
func (o *Ops) InspectVolume(ctx context.Context, target sshx.HostTarget, name string) (volume.Volume, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return volume.Volume{}, err
	}
	var out volume.Volume
	err = dockerctx.WithRetry(ctx, "volume_inspect", func(ctx context.Context) error {
		v, err := cli.VolumeInspect(ctx, name)
		if err != nil {
			return errs.Wrap(errs.KindNotFound, err, "inspecting volume %s on host %s", name, target.HostID)
		}
		out = v
		return nil
	})
	return out, err
}

// RemoveVolume removes a named volume, used by the cleanup engine's
// aggressive tier. Volumes may contain persistent data; the caller, not
// this method, carries the prominent warning.
func (o *Ops) RemoveVolume(ctx context.Context, target sshx.HostTarget, name string, force bool) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	return dockerctx.WithRetry(ctx, "volume_remove", func(ctx context.Context) error {
		if err := cli.VolumeRemove(ctx, name, force); err != nil {
			return errs.Wrap(errs.KindTransient, err, "removing volume %s on host %s", name, target.HostID)
		}
		return nil
	})
}

// PruneUnusedVolumes removes every volume with no attached containers.
func (o *Ops) PruneUnusedVolumes(ctx context.Context, target sshx.HostTarget) (removed []string, reclaimed uint64, err error) {
	cli, clientErr := o.Mgr.Client(ctx, target)
	if clientErr != nil {
		return nil, 0, clientErr
	}
	err = dockerctx.WithRetry(ctx, "volume_prune", func(ctx context.Context) error {
		report, err := cli.VolumesPrune(ctx, filters.NewArgs())
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "pruning volumes on host %s", target.HostID)
		}
		removed = report.VolumesDeleted
		reclaimed = report.SpaceReclaimed
		return nil
	})
	if err == nil {
		o.Logger.Info("pruned unused volumes", zap.String("host_id", target.HostID), zap.Int("removed", len(removed)), zap.Uint64("reclaimed_bytes", reclaimed))
	}
	return removed, reclaimed, err
}
